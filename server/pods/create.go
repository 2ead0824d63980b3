package pods

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Options of creating a machine from discovery.
type CreateMachineOptions struct {
	CreationType      dbmodel.CreationType
	SkipCommissioning bool
	// Random host name is generated when empty.
	Hostname string
	User     string
}

// Returns the VLAN of a new boot interface: the first VLAN with DHCP
// enabled or the default VLAN of the default fabric.
func getBootVLAN(tx dbops.Tx) (*dbmodel.VLAN, error) {
	vlans, err := dbmodel.GetDHCPEnabledVLANs(tx)
	if err != nil {
		return nil, err
	}
	if len(vlans) > 0 {
		return vlans[0], nil
	}
	return dbmodel.GetDefaultVLAN(tx)
}

// Returns the IDs of the pod storage pools keyed by the pool ID reported
// by the driver.
func getStoragePoolIDs(tx dbops.Tx, podID int64) (map[string]int64, error) {
	pools, err := dbmodel.GetPodStoragePools(tx, podID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(pools))
	for _, pool := range pools {
		ids[pool.PoolID] = pool.ID
	}
	return ids, nil
}

// Returns the discovered interfaces having a valid MAC address. The other
// ones cannot be matched by the later syncs and are skipped.
func getUsableInterfaces(machineName string, discovered []pod.DiscoveredMachineInterface) []pod.DiscoveredMachineInterface {
	usable := make([]pod.DiscoveredMachineInterface, 0, len(discovered))
	for _, nic := range discovered {
		if _, err := dbmodel.NormalizeMACAddress(nic.MACAddress); err != nil {
			log.WithError(err).WithField("machine", machineName).Warn("Skipping discovered interface")
			continue
		}
		usable = append(usable, nic)
	}
	return usable
}

// Converts the discovered block device into the row of the node.
func newBlockDevice(nodeID int64, name string, discovered *pod.DiscoveredMachineBlockDevice, poolIDs map[string]int64) (*dbmodel.BlockDevice, error) {
	switch discovered.Type {
	case pod.BlockDeviceTypePhysical, pod.BlockDeviceTypeISCSI:
	default:
		return nil, errors.Errorf("unknown block device type %q", discovered.Type)
	}
	return &dbmodel.BlockDevice{
		NodeID:        nodeID,
		Name:          name,
		Type:          discovered.Type,
		IDPath:        discovered.IDPath,
		Model:         discovered.Model,
		Serial:        discovered.Serial,
		Target:        discovered.ISCSITarget,
		Size:          discovered.Size,
		BlockSize:     discovered.BlockSize,
		Tags:          discovered.Tags,
		StoragePoolID: poolIDs[discovered.StoragePool],
	}, nil
}

// Applies the flat storage layout: the root filesystem on the first
// physical disk.
func applyFlatStorageLayout(tx dbops.Tx, devices []*dbmodel.BlockDevice) error {
	for _, device := range devices {
		if device.Type != pod.BlockDeviceTypePhysical {
			continue
		}
		return dbops.Insert(tx, &dbmodel.Filesystem{
			BlockDeviceID: device.ID,
			FSType:        "ext4",
			MountPoint:    "/",
		})
	}
	return nil
}

// Links the boot interface to the first subnet of its VLAN with an
// automatically assigned address.
func applyDefaultNetworking(tx dbops.Tx, boot *dbmodel.Interface) error {
	if boot == nil || boot.VLANID == 0 {
		return nil
	}
	subnets, err := dbmodel.GetSubnetsByVLAN(tx, boot.VLANID)
	if err != nil || len(subnets) == 0 {
		return err
	}
	address := &dbmodel.StaticIPAddress{AllocType: dbmodel.IPAddressAuto, SubnetID: subnets[0].ID}
	return dbmodel.AddStaticIPAddress(tx, address, boot.ID)
}

// Creates the machine of the pod from the discovered one. The block
// devices are named sda, sdb and so on, the interfaces eth0, eth1 and so
// on. The boot interface is placed on the first VLAN with DHCP enabled.
// A block device which cannot be created is skipped unless the
// commissioning is skipped.
func CreateMachine(tx dbops.Tx, p *dbmodel.Pod, discovered *pod.DiscoveredMachine, opts CreateMachineOptions) (*dbmodel.Node, error) {
	status := dbmodel.NodeStatusCommissioning
	if opts.SkipCommissioning {
		status = dbmodel.NodeStatusReady
	}
	creationType := opts.CreationType
	if creationType == 0 {
		creationType = dbmodel.CreationTypePreExisting
	}
	machine := &dbmodel.Node{
		Hostname:                opts.Hostname,
		NodeType:                dbmodel.NodeTypeMachine,
		Status:                  status,
		Architecture:            discovered.Architecture,
		CPUCount:                discovered.Cores,
		CPUSpeed:                discovered.CPUSpeed,
		Memory:                  discovered.Memory,
		PowerState:              string(discovered.PowerState),
		InstancePowerParameters: discovered.PowerParameters,
		BMCID:                   p.ID,
		CreationType:            creationType,
		Dynamic:                 creationType == dbmodel.CreationTypeDynamic,
		Owner:                   opts.User,
	}
	if err := dbmodel.AddNode(tx, machine); err != nil {
		return nil, err
	}
	if err := dbmodel.SetNodeTags(tx, machine.ID, discovered.Tags); err != nil {
		return nil, err
	}

	poolIDs, err := getStoragePoolIDs(tx, p.ID)
	if err != nil {
		return nil, err
	}
	devices := []*dbmodel.BlockDevice{}
	for i := range discovered.BlockDevices {
		device, err := newBlockDevice(machine.ID, dbmodel.BlockDeviceName(i), &discovered.BlockDevices[i], poolIDs)
		if err != nil {
			return nil, err
		}
		if err := dbmodel.AddBlockDevice(tx, device); err != nil {
			if opts.SkipCommissioning {
				return nil, err
			}
			log.WithError(err).WithFields(log.Fields{
				"machine": machine.Hostname,
				"device":  device.Name,
			}).Warn("Skipping block device of discovered machine; commissioning will find it")
			continue
		}
		devices = append(devices, device)
	}

	var boot *dbmodel.Interface
	for i, nic := range getUsableInterfaces(machine.Hostname, discovered.Interfaces) {
		iface := &dbmodel.Interface{
			NodeID:     machine.ID,
			Name:       fmt.Sprintf("eth%d", i),
			Type:       dbmodel.InterfaceTypePhysical,
			MACAddress: nic.MACAddress,
			Enabled:    true,
			Tags:       nic.Tags,
		}
		if nic.Boot && boot == nil {
			vlan, err := getBootVLAN(tx)
			if err != nil {
				return nil, err
			}
			iface.VLANID = vlan.ID
		}
		if err := dbmodel.AddInterface(tx, iface); err != nil {
			return nil, err
		}
		if nic.Boot && boot == nil {
			boot = iface
		}
	}
	if boot != nil {
		machine.BootInterfaceID = boot.ID
		if err := dbops.Update(tx, machine); err != nil {
			return nil, err
		}
	}

	if opts.SkipCommissioning {
		if err := applyFlatStorageLayout(tx, devices); err != nil {
			return nil, err
		}
		if err := applyDefaultNetworking(tx, boot); err != nil {
			return nil, err
		}
	}
	return machine, nil
}

// Composes a new machine in the pod and records it. The pod hints are
// replaced with the ones returned by the driver. The commissioning is
// started after the machine is committed unless it is skipped.
func (m *Manager) Compose(ctx context.Context, podID int64, request pod.RequestedMachine, opts CreateMachineOptions) (*dbmodel.Node, error) {
	var (
		p          *dbmodel.Pod
		podContext pod.Context
		systemIDs  []string
	)
	err := m.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		if p, err = dbmodel.GetPod(tx, podID); err != nil {
			return err
		}
		if !p.IsComposable() {
			return dbmodel.NewValidationError("pod %s does not support composing machines", p.Name)
		}
		if request.Hostname == "" {
			if request.Hostname, err = dbmodel.GenerateUniqueHostname(tx); err != nil {
				return err
			}
		}
		if podContext, err = getComposeContext(tx, p); err != nil {
			return err
		}
		systemIDs, err = getClientIdentifiers(tx, podID)
		return err
	})
	if err != nil {
		return nil, err
	}

	client, err := m.getClient(ctx, systemIDs)
	if err != nil {
		return nil, err
	}
	discovered, hints, err := client.Compose(ctx, p.PowerType, p.ID, podContext, request)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem composing machine in pod %s", p.Name)
	}

	opts.CreationType = dbmodel.CreationTypeDynamic
	if opts.Hostname == "" {
		opts.Hostname = request.Hostname
	}
	var machine *dbmodel.Node
	err = m.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		if machine, err = CreateMachine(tx, p, discovered, opts); err != nil {
			return err
		}
		if hints != nil {
			return dbmodel.SetPodHints(tx, p.ID, *hints)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"pod":     p.Name,
		"machine": machine.Hostname,
	}).Info("Composed machine in pod")
	m.commission(ctx, []*dbmodel.Node{machine}, opts.User)
	return machine, nil
}
