package dbmodel

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
	regionutil "github.com/metalyard/region/util"
)

// Kind of a node.
type NodeType int

// Node types.
const (
	NodeTypeMachine                 NodeType = 0
	NodeTypeDevice                  NodeType = 1
	NodeTypeRackController          NodeType = 2
	NodeTypeRegionController        NodeType = 3
	NodeTypeRegionAndRackController NodeType = 4
)

// Lifecycle status of a node.
type NodeStatus int

// Node statuses.
const (
	NodeStatusNew                 NodeStatus = 0
	NodeStatusCommissioning       NodeStatus = 1
	NodeStatusFailedCommissioning NodeStatus = 2
	NodeStatusMissing             NodeStatus = 3
	NodeStatusReady               NodeStatus = 4
	NodeStatusReserved            NodeStatus = 5
	NodeStatusDeployed            NodeStatus = 6
	NodeStatusRetired             NodeStatus = 7
	NodeStatusBroken              NodeStatus = 8
	NodeStatusDeploying           NodeStatus = 9
	NodeStatusAllocated           NodeStatus = 10
)

// How a machine came to exist in a pod.
type CreationType int

// Creation types. Only the machines which were not pre-existing are
// decomposed when their pod is deleted.
const (
	CreationTypePreExisting CreationType = 1
	CreationTypeManual      CreationType = 2
	CreationTypeDynamic     CreationType = 3
)

// Represents a node: a machine, a device or a controller. The agent
// address is the host:port of the agent running on a rack controller.
type Node struct {
	tableName               struct{}       `pg:"node"` //nolint:unused
	ID                      int64          `pg:"id,pk"`
	SystemID                string         `pg:"system_id"`
	Hostname                string         `pg:"hostname"`
	NodeType                NodeType       `pg:"node_type,use_zero"`
	Status                  NodeStatus     `pg:"status,use_zero"`
	Architecture            string         `pg:"architecture"`
	CPUCount                int64          `pg:"cpu_count,use_zero"`
	CPUSpeed                int64          `pg:"cpu_speed,use_zero"`
	Memory                  int64          `pg:"memory,use_zero"`
	PowerState              string         `pg:"power_state"`
	InstancePowerParameters map[string]any `pg:"instance_power_parameters"`
	BMCID                   int64          `pg:"bmc_id"`
	BootInterfaceID         int64          `pg:"boot_interface_id"`
	DomainID                int64          `pg:"domain_id"`
	CreationType            CreationType   `pg:"creation_type,use_zero"`
	Dynamic                 bool           `pg:"dynamic,use_zero"`
	Owner                   string         `pg:"owner"`
	AgentAddress            string         `pg:"agent_address"`
}

func init() {
	dbops.RegisterTable("node", (*Node)(nil),
		dbops.Index{Name: "system_id", Field: "SystemID", Unique: true},
		dbops.Index{Name: "hostname", Field: "Hostname", Unique: true},
		dbops.Index{Name: "bmc_id", Field: "BMCID"},
		dbops.Index{Name: "node_type", Field: "NodeType"})
}

// Checks if the node runs a rack controller.
func (n *Node) IsRackController() bool {
	return n.NodeType == NodeTypeRackController || n.NodeType == NodeTypeRegionAndRackController
}

// Checks if the node is a machine.
func (n *Node) IsMachine() bool {
	return n.NodeType == NodeTypeMachine
}

const systemIDAlphabet = "abcdefghjkmnpqrstuvwxy23456789"

// Generates a six character system identifier.
func generateSystemID() (string, error) {
	id := make([]byte, 6)
	for i := range id {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(systemIDAlphabet))))
		if err != nil {
			return "", errors.Wrap(err, "problem generating system id")
		}
		id[i] = systemIDAlphabet[n.Int64()]
	}
	return string(id), nil
}

// Returns a random host name not used by any node.
func GenerateUniqueHostname(tx dbops.Tx) (string, error) {
	for tries := 0; tries < 100; tries++ {
		hostname := regionutil.RandomHostname()
		_, err := dbops.First[Node](tx, "hostname", hostname)
		if errors.Is(err, dbops.ErrNotFound) {
			return hostname, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", errors.New("unable to generate a unique host name")
}

// Inserts the node. The system ID is generated when not set and the
// node is placed in the default domain when it has none.
func AddNode(tx dbops.Tx, node *Node) error {
	if node.SystemID == "" {
		for tries := 0; ; tries++ {
			id, err := generateSystemID()
			if err != nil {
				return err
			}
			_, err = dbops.First[Node](tx, "system_id", id)
			if errors.Is(err, dbops.ErrNotFound) {
				node.SystemID = id
				break
			} else if err != nil {
				return err
			} else if tries > 100 {
				return errors.New("unable to generate a unique system id")
			}
		}
	}
	if node.Hostname == "" {
		hostname, err := GenerateUniqueHostname(tx)
		if err != nil {
			return err
		}
		node.Hostname = hostname
	}
	if node.DomainID == 0 {
		domain, err := GetDefaultDomain(tx)
		if err != nil {
			return err
		}
		node.DomainID = domain.ID
	}
	if err := dbops.Insert(tx, node); err != nil {
		if errors.Is(err, dbops.ErrDuplicate) {
			return NewValidationError("node with host name %s already exists", node.Hostname)
		}
		return errors.WithMessagef(err, "problem adding node %s", node.Hostname)
	}
	return nil
}

// Returns the node by its system ID.
func GetNodeBySystemID(tx dbops.Tx, systemID string) (*Node, error) {
	node, err := dbops.First[Node](tx, "system_id", systemID)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem getting node %s", systemID)
	}
	return node, nil
}

// Returns the machines of the BMC ordered by ID.
func GetMachinesByBMC(tx dbops.Tx, bmcID int64) ([]*Node, error) {
	return dbops.FindBy[Node](tx, "bmc_id", bmcID)
}

// Returns all rack controllers ordered by ID.
func GetRackControllers(tx dbops.Tx) ([]*Node, error) {
	return dbops.Filter(tx, func(node *Node) bool {
		return node.IsRackController()
	})
}

// Deletes the machine with its interfaces, block devices, tags, snippets
// and services. A machine composed in a pod must be decomposed first;
// such machines are deleted when their BMC reference is cleared.
func DeleteMachine(tx dbops.Tx, node *Node) error {
	if node.BMCID != 0 && node.CreationType != CreationTypePreExisting {
		bmc, err := dbops.Get[BMC](tx, node.BMCID)
		if err != nil && !errors.Is(err, dbops.ErrNotFound) {
			return err
		}
		if bmc != nil && bmc.IsPod() && bmc.AsPod().IsComposable() {
			return errors.Wrapf(ErrMachineNeedsDecompose, "machine %s", node.Hostname)
		}
	}
	return deleteNode(tx, node)
}

func deleteNode(tx dbops.Tx, node *Node) error {
	interfaces, err := GetInterfacesByNode(tx, node.ID)
	if err != nil {
		return err
	}
	for _, iface := range interfaces {
		if err := DeleteInterface(tx, iface); err != nil {
			return err
		}
	}
	devices, err := GetBlockDevicesByNode(tx, node.ID)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if err := DeleteBlockDevice(tx, device); err != nil {
			return err
		}
	}
	if err := SetNodeTags(tx, node.ID, nil); err != nil {
		return err
	}
	snippets, err := dbops.Filter(tx, func(snippet *DHCPSnippet) bool {
		return snippet.NodeID == node.ID
	})
	if err != nil {
		return err
	}
	for _, snippet := range snippets {
		if err := dbops.Delete(tx, snippet); err != nil {
			return err
		}
	}
	services, err := dbops.FindBy[Service](tx, "node_id", node.ID)
	if err != nil {
		return err
	}
	for _, service := range services {
		if err := dbops.Delete(tx, service); err != nil {
			return err
		}
	}
	if err := dbops.Delete(tx, node); err != nil {
		return errors.WithMessagef(err, "problem deleting node %s", node.Hostname)
	}
	return nil
}
