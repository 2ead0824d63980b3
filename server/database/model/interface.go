package dbmodel

import (
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
)

// Kind of a network interface.
type InterfaceType string

// Interface types.
const (
	InterfaceTypePhysical InterfaceType = "physical"
	InterfaceTypeBond     InterfaceType = "bond"
	InterfaceTypeBridge   InterfaceType = "bridge"
	InterfaceTypeVLAN     InterfaceType = "vlan"
	InterfaceTypeUnknown  InterfaceType = "unknown"
)

// Network interface of a node.
type Interface struct {
	tableName  struct{}      `pg:"interface"` //nolint:unused
	ID         int64         `pg:"id,pk"`
	NodeID     int64         `pg:"node_id"`
	Name       string        `pg:"name"`
	Type       InterfaceType `pg:"type"`
	MACAddress string        `pg:"mac_address"`
	VLANID     int64         `pg:"vlan_id"`
	Enabled    bool          `pg:"enabled,use_zero"`
	Tags       []string      `pg:"tags,array"`
}

// Parent to child relationship between interfaces, e.g. a bond and its
// members.
type InterfaceRelationship struct {
	tableName struct{} `pg:"interface_relationship"` //nolint:unused
	ID        int64    `pg:"id,pk"`
	ParentID  int64    `pg:"parent_id"`
	ChildID   int64    `pg:"child_id"`
}

func init() {
	dbops.RegisterTable("interface", (*Interface)(nil),
		dbops.Index{Name: "node_id", Field: "NodeID"},
		dbops.Index{Name: "mac_address", Field: "MACAddress"},
		dbops.Index{Name: "vlan_id", Field: "VLANID"})
	dbops.RegisterTable("interface_relationship", (*InterfaceRelationship)(nil),
		dbops.Index{Name: "parent_id", Field: "ParentID"},
		dbops.Index{Name: "child_id", Field: "ChildID"})
}

// Normalizes a MAC address to the lower case colon separated notation.
func NormalizeMACAddress(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", NewValidationError("invalid MAC address %q", mac)
	}
	return strings.ToLower(hw.String()), nil
}

// Inserts the interface. The parents are the interfaces the new one is
// built on. A VLAN interface requires exactly one parent and a bond at
// least one.
func AddInterface(tx dbops.Tx, iface *Interface, parents ...*Interface) error {
	switch iface.Type {
	case InterfaceTypeVLAN:
		if len(parents) != 1 {
			return NewValidationError("VLAN interface %s must have exactly one parent", iface.Name)
		}
	case InterfaceTypeBond:
		if len(parents) == 0 {
			return NewValidationError("bond interface %s must have at least one parent", iface.Name)
		}
	case InterfaceTypePhysical, InterfaceTypeBridge, InterfaceTypeUnknown:
	default:
		return NewValidationError("invalid interface type %q", iface.Type)
	}
	if iface.MACAddress != "" {
		mac, err := NormalizeMACAddress(iface.MACAddress)
		if err != nil {
			return err
		}
		iface.MACAddress = mac
	}
	if err := dbops.Insert(tx, iface); err != nil {
		return errors.WithMessagef(err, "problem adding interface %s", iface.Name)
	}
	for _, parent := range parents {
		if err := dbops.Insert(tx, &InterfaceRelationship{ParentID: parent.ID, ChildID: iface.ID}); err != nil {
			return err
		}
	}
	return nil
}

// Returns the interfaces of the node ordered by ID.
func GetInterfacesByNode(tx dbops.Tx, nodeID int64) ([]*Interface, error) {
	return dbops.FindBy[Interface](tx, "node_id", nodeID)
}

// Returns the interfaces having the MAC address.
func GetInterfacesByMAC(tx dbops.Tx, mac string) ([]*Interface, error) {
	normalized, err := NormalizeMACAddress(mac)
	if err != nil {
		return nil, err
	}
	return dbops.FindBy[Interface](tx, "mac_address", normalized)
}

// Returns the parents of the interface ordered by ID.
func GetInterfaceParents(tx dbops.Tx, interfaceID int64) ([]*Interface, error) {
	relationships, err := dbops.FindBy[InterfaceRelationship](tx, "child_id", interfaceID)
	if err != nil {
		return nil, err
	}
	parents := make([]*Interface, 0, len(relationships))
	for _, relationship := range relationships {
		parent, err := dbops.Get[Interface](tx, relationship.ParentID)
		if err != nil {
			return nil, err
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// Returns the next free ethN name on the node.
func NextInterfaceName(tx dbops.Tx, nodeID int64) (string, error) {
	interfaces, err := GetInterfacesByNode(tx, nodeID)
	if err != nil {
		return "", err
	}
	used := map[string]bool{}
	for _, iface := range interfaces {
		used[iface.Name] = true
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("eth%d", i)
		if !used[name] {
			return name, nil
		}
	}
}

// Deletes the interface with its address links and relationships. The
// addresses held only by this interface are released. The boot
// interface reference of the node is cleared.
func DeleteInterface(tx dbops.Tx, iface *Interface) error {
	links, err := dbops.FindBy[InterfaceIPAddress](tx, "interface_id", iface.ID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := dbops.Delete(tx, link); err != nil {
			return err
		}
		remaining, err := dbops.FindBy[InterfaceIPAddress](tx, "static_ip_address_id", link.StaticIPAddressID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			address, err := dbops.Get[StaticIPAddress](tx, link.StaticIPAddressID)
			if err != nil && !errors.Is(err, dbops.ErrNotFound) {
				return err
			}
			if address != nil {
				if err := dbops.Delete(tx, address); err != nil {
					return err
				}
			}
		}
	}
	for _, index := range []string{"parent_id", "child_id"} {
		relationships, err := dbops.FindBy[InterfaceRelationship](tx, index, iface.ID)
		if err != nil {
			return err
		}
		for _, relationship := range relationships {
			if err := dbops.Delete(tx, relationship); err != nil {
				return err
			}
		}
	}
	node, err := dbops.Get[Node](tx, iface.NodeID)
	if err != nil && !errors.Is(err, dbops.ErrNotFound) {
		return err
	}
	if node != nil && node.BootInterfaceID == iface.ID {
		node.BootInterfaceID = 0
		if err := dbops.Update(tx, node); err != nil {
			return err
		}
	}
	return dbops.Delete(tx, iface)
}
