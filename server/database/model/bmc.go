package dbmodel

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
)

// Discriminator selecting the BMC or the pod behavior of a BMC row.
type BMCType int

// BMC types.
const (
	BMCTypeBMC BMCType = 0
	BMCTypePod BMCType = 1
)

// Represents a power controller. A pod is the same row with the pod
// type. The capacity members are only meaningful for pods and hold -1
// when unknown.
type BMC struct {
	tableName             struct{}       `pg:"bmc"` //nolint:unused
	ID                    int64          `pg:"id,pk"`
	BMCType               BMCType        `pg:"bmc_type,use_zero"`
	Name                  string         `pg:"name"`
	PowerType             string         `pg:"power_type"`
	PowerParameters       map[string]any `pg:"power_parameters"`
	IPAddress             string         `pg:"ip_address"`
	Architectures         []string       `pg:"architectures,array"`
	Capabilities          []string       `pg:"capabilities,array"`
	Cores                 int64          `pg:"cores,use_zero"`
	CPUSpeed              int64          `pg:"cpu_speed,use_zero"`
	Memory                int64          `pg:"memory,use_zero"`
	LocalStorage          int64          `pg:"local_storage,use_zero"`
	LocalDisks            int64          `pg:"local_disks,use_zero"`
	ISCSIStorage          int64          `pg:"iscsi_storage,use_zero"`
	Tags                  []string       `pg:"tags,array"`
	DefaultStoragePoolID  int64          `pg:"default_storage_pool_id"`
	CPUOverCommitRatio    float64        `pg:"cpu_over_commit_ratio,use_zero"`
	MemoryOverCommitRatio float64        `pg:"memory_over_commit_ratio,use_zero"`
}

// Capacity last reported by the hypervisor of a pod.
type PodHints struct {
	tableName    struct{} `pg:"pod_hints"` //nolint:unused
	ID           int64    `pg:"id,pk"`
	PodID        int64    `pg:"pod_id"`
	Cores        int64    `pg:"cores,use_zero"`
	CPUSpeed     int64    `pg:"cpu_speed,use_zero"`
	Memory       int64    `pg:"memory,use_zero"`
	LocalStorage int64    `pg:"local_storage,use_zero"`
	LocalDisks   int64    `pg:"local_disks,use_zero"`
	ISCSIStorage int64    `pg:"iscsi_storage,use_zero"`
}

// Storage pool of a pod.
type PodStoragePool struct {
	tableName struct{} `pg:"pod_storage_pool"` //nolint:unused
	ID        int64    `pg:"id,pk"`
	PodID     int64    `pg:"pod_id"`
	PoolID    string   `pg:"pool_id"`
	Name      string   `pg:"name"`
	PoolType  string   `pg:"pool_type"`
	Path      string   `pg:"path"`
	Storage   int64    `pg:"storage,use_zero"`
}

// Rack controller able to reach a BMC.
type BMCRoutableRack struct {
	tableName        struct{} `pg:"bmc_routable_rack"` //nolint:unused
	ID               int64    `pg:"id,pk"`
	BMCID            int64    `pg:"bmc_id"`
	RackControllerID int64    `pg:"rack_controller_id"`
	Routable         bool     `pg:"routable,use_zero"`
}

func init() {
	dbops.RegisterTable("bmc", (*BMC)(nil),
		dbops.Index{Name: "bmc_type", Field: "BMCType"},
		dbops.Index{Name: "ip_address", Field: "IPAddress"})
	dbops.RegisterTable("pod_hints", (*PodHints)(nil),
		dbops.Index{Name: "pod_id", Field: "PodID", Unique: true})
	dbops.RegisterTable("pod_storage_pool", (*PodStoragePool)(nil),
		dbops.Index{Name: "pod_id", Field: "PodID"})
	dbops.RegisterTable("bmc_routable_rack", (*BMCRoutableRack)(nil),
		dbops.Index{Name: "bmc_id", Field: "BMCID"})
}

// Pod behavior of a BMC row. It shares the row with the BMC view so the
// changes made through one view are visible through the other.
type Pod struct {
	*BMC
}

// Checks if the row is a pod.
func (b *BMC) IsPod() bool {
	return b.BMCType == BMCTypePod
}

// Returns the pod view of the row.
func (b *BMC) AsPod() *Pod {
	return &Pod{BMC: b}
}

// Returns the BMC view of the row.
func (p *Pod) AsBMC() *BMC {
	return p.BMC
}

// Checks if the pod reports the capability.
func (p *Pod) HasCapability(capability pod.Capability) bool {
	for _, c := range p.Capabilities {
		if c == string(capability) {
			return true
		}
	}
	return false
}

// Checks if machines can be composed in the pod.
func (p *Pod) IsComposable() bool {
	return p.HasCapability(pod.CapabilityComposable)
}

// Returns a new pod row with unknown capacity.
func NewPod(name, powerType string, powerParameters map[string]any) *Pod {
	return &Pod{BMC: &BMC{
		BMCType:         BMCTypePod,
		Name:            name,
		PowerType:       powerType,
		PowerParameters: powerParameters,
		Cores:           pod.Unknown,
		CPUSpeed:        pod.Unknown,
		Memory:          pod.Unknown,
		LocalStorage:    pod.Unknown,
		LocalDisks:      pod.Unknown,
		ISCSIStorage:    pod.Unknown,
	}}
}

// Returns the pod by ID. An error is returned when the row is not a pod.
func GetPod(tx dbops.Tx, id int64) (*Pod, error) {
	bmc, err := dbops.Get[BMC](tx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem getting pod %d", id)
	}
	if !bmc.IsPod() {
		return nil, errors.Wrapf(dbops.ErrNotFound, "BMC %d is not a pod", id)
	}
	return bmc.AsPod(), nil
}

// Returns all pods ordered by ID.
func GetPods(tx dbops.Tx) ([]*Pod, error) {
	bmcs, err := dbops.FindBy[BMC](tx, "bmc_type", BMCTypePod)
	if err != nil {
		return nil, err
	}
	pods := make([]*Pod, 0, len(bmcs))
	for _, bmc := range bmcs {
		pods = append(pods, bmc.AsPod())
	}
	return pods, nil
}

// Returns the hints of the pod. Unknown hints are returned when none
// were stored yet.
func GetPodHints(tx dbops.Tx, podID int64) (*PodHints, error) {
	hints, err := dbops.First[PodHints](tx, "pod_id", podID)
	if errors.Is(err, dbops.ErrNotFound) {
		unknown := pod.UnknownHints()
		return &PodHints{
			PodID:        podID,
			Cores:        unknown.Cores,
			CPUSpeed:     unknown.CPUSpeed,
			Memory:       unknown.Memory,
			LocalStorage: unknown.LocalStorage,
			LocalDisks:   unknown.LocalDisks,
			ISCSIStorage: unknown.ISCSIStorage,
		}, nil
	}
	return hints, err
}

// Replaces the hints of the pod.
func SetPodHints(tx dbops.Tx, podID int64, discovered pod.DiscoveredPodHints) error {
	hints, err := dbops.First[PodHints](tx, "pod_id", podID)
	if err != nil && !errors.Is(err, dbops.ErrNotFound) {
		return err
	}
	if hints == nil {
		hints = &PodHints{PodID: podID}
	}
	hints.Cores = discovered.Cores
	hints.CPUSpeed = discovered.CPUSpeed
	hints.Memory = discovered.Memory
	hints.LocalStorage = discovered.LocalStorage
	hints.LocalDisks = discovered.LocalDisks
	hints.ISCSIStorage = discovered.ISCSIStorage
	if hints.ID == 0 {
		return dbops.Insert(tx, hints)
	}
	return dbops.Update(tx, hints)
}

// Returns the storage pools of the pod ordered by ID.
func GetPodStoragePools(tx dbops.Tx, podID int64) ([]*PodStoragePool, error) {
	return dbops.FindBy[PodStoragePool](tx, "pod_id", podID)
}

// Returns the IDs of the rack controllers able to reach the BMC. The
// routable racks come first.
func GetRoutableRackIDs(tx dbops.Tx, bmcID int64) ([]int64, error) {
	racks, err := dbops.FindBy[BMCRoutableRack](tx, "bmc_id", bmcID)
	if err != nil {
		return nil, err
	}
	var routable, other []int64
	for _, rack := range racks {
		if rack.Routable {
			routable = append(routable, rack.RackControllerID)
		} else {
			other = append(other, rack.RackControllerID)
		}
	}
	return append(routable, other...), nil
}

// Extracts the controller IP address from the power parameters using
// the extractor declared by the driver schema.
func ExtractIPAddress(schema *pod.Settings, powerParameters map[string]any) string {
	if schema == nil {
		return ""
	}
	return schema.ExtractIPAddress(powerParameters)
}

// Splits the power parameters into the BMC and the node scoped ones.
func PartitionPowerParameters(schema *pod.Settings, powerParameters map[string]any) (bmc map[string]any, node map[string]any) {
	if schema == nil {
		return powerParameters, map[string]any{}
	}
	return schema.PartitionParameters(powerParameters)
}

// Compares power parameters by their JSON representation so numbers
// decoded from JSON and Go integers compare equal.
func samePowerParameters(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	encodedA, errA := json.Marshal(a)
	encodedB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(encodedA) == string(encodedB)
}

// Inserts or updates the BMC. When the schema is given the power
// parameters are partitioned by their scope: the BMC keeps the BMC scoped
// ones and the node scoped ones are returned for the node using the BMC.
// The IP address is extracted from the kept parameters. A row with the
// same power type, power parameters and IP address must not exist.
func SaveBMC(tx dbops.Tx, bmc *BMC, schema *pod.Settings) (nodeParameters map[string]any, err error) {
	nodeParameters = map[string]any{}
	if schema != nil {
		bmc.PowerParameters, nodeParameters = PartitionPowerParameters(schema, bmc.PowerParameters)
		bmc.IPAddress = ExtractIPAddress(schema, bmc.PowerParameters)
	}
	candidates, err := dbops.FindBy[BMC](tx, "ip_address", bmc.IPAddress)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if candidate.ID != bmc.ID && candidate.PowerType == bmc.PowerType && samePowerParameters(candidate.PowerParameters, bmc.PowerParameters) {
			return nil, errors.Wrapf(dbops.ErrDuplicate, "BMC with power type %s and address %s already exists", bmc.PowerType, bmc.IPAddress)
		}
	}
	if bmc.ID == 0 {
		err = dbops.Insert(tx, bmc)
	} else {
		err = dbops.Update(tx, bmc)
	}
	if err != nil {
		return nil, err
	}
	return nodeParameters, nil
}

// Adds the pod with the power parameters validated against the schema of
// its driver. The defaults of the missing parameters are filled in and
// the node scoped parameters are ignored since a pod has no node.
func AddPod(tx dbops.Tx, name, powerType string, powerParameters map[string]any, schema *pod.Settings) (*Pod, error) {
	if schema == nil {
		return nil, NewValidationError("unknown power type %q of pod %s", powerType, name)
	}
	powerParameters = schema.WithDefaults(powerParameters)
	for _, field := range schema.Fields {
		if field.Scope != pod.ScopeBMC || !field.Required {
			continue
		}
		if value, ok := powerParameters[field.Name]; !ok || value == nil || value == "" {
			return nil, NewValidationError("pod %s requires the power parameter %s", name, field.Name)
		}
	}
	p := NewPod(name, powerType, powerParameters)
	nodeParameters, err := SaveBMC(tx, p.AsBMC(), schema)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem adding pod %s", name)
	}
	for key := range nodeParameters {
		log.WithFields(log.Fields{
			"pod":       name,
			"parameter": key,
		}).Warn("Ignoring machine scoped power parameter of pod")
	}
	log.WithFields(log.Fields{
		"pod":     name,
		"type":    powerType,
		"address": p.IPAddress,
	}).Info("Added pod")
	return p, nil
}

// Deletes the BMC. Pods cannot be deleted this way and must be deleted
// asynchronously. Machines of the BMC lose their BMC reference.
func DeleteBMC(tx dbops.Tx, bmc *BMC) error {
	if bmc.IsPod() {
		return errors.Wrapf(ErrPodDeleteRequiresAsync, "pod %s", bmc.Name)
	}
	return deleteBMC(tx, bmc)
}

// Deletes the pod row bypassing the asynchronous deletion guard. It is
// the last step of the asynchronous deletion.
func ForceDeletePod(tx dbops.Tx, p *Pod) error {
	return deleteBMC(tx, p.AsBMC())
}

func deleteBMC(tx dbops.Tx, bmc *BMC) error {
	machines, err := GetMachinesByBMC(tx, bmc.ID)
	if err != nil {
		return err
	}
	for _, machine := range machines {
		machine.BMCID = 0
		if err := dbops.Update(tx, machine); err != nil {
			return err
		}
	}
	if hints, err := dbops.FindBy[PodHints](tx, "pod_id", bmc.ID); err != nil {
		return err
	} else {
		for _, h := range hints {
			if err := dbops.Delete(tx, h); err != nil {
				return err
			}
		}
	}
	pools, err := GetPodStoragePools(tx, bmc.ID)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if err := dbops.Delete(tx, pool); err != nil {
			return err
		}
	}
	racks, err := dbops.FindBy[BMCRoutableRack](tx, "bmc_id", bmc.ID)
	if err != nil {
		return err
	}
	for _, rack := range racks {
		if err := dbops.Delete(tx, rack); err != nil {
			return err
		}
	}
	if err := dbops.Delete(tx, bmc); err != nil {
		return errors.WithMessagef(err, "problem deleting BMC %s", bmc.Name)
	}
	log.WithField("bmc", bmc.Name).Info("Deleted BMC")
	return nil
}
