package dbmodel

import (
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
)

// Name of the fabric created on demand for VLANs with no explicit fabric.
const DefaultFabricName = "fabric-0"

// Broadcast domain holding VLANs.
type Fabric struct {
	tableName struct{} `pg:"fabric"` //nolint:unused
	ID        int64    `pg:"id,pk"`
	Name      string   `pg:"name"`
}

// Represents a VLAN. The VLAN is managed by a rack controller if the
// DHCP is enabled on it and the rack is its primary or secondary.
type VLAN struct {
	tableName       struct{} `pg:"vlan"` //nolint:unused
	ID              int64    `pg:"id,pk"`
	Name            string   `pg:"name"`
	VID             int      `pg:"vid,use_zero"`
	MTU             int      `pg:"mtu,use_zero"`
	FabricID        int64    `pg:"fabric_id"`
	DHCPOn          bool     `pg:"dhcp_on,use_zero"`
	PrimaryRackID   int64    `pg:"primary_rack_id"`
	SecondaryRackID int64    `pg:"secondary_rack_id"`
}

// DNS domain of the nodes.
type Domain struct {
	tableName     struct{} `pg:"domain"` //nolint:unused
	ID            int64    `pg:"id,pk"`
	Name          string   `pg:"name"`
	Authoritative bool     `pg:"authoritative,use_zero"`
	IsDefault     bool     `pg:"is_default,use_zero"`
}

func init() {
	dbops.RegisterTable("fabric", (*Fabric)(nil),
		dbops.Index{Name: "name", Field: "Name", Unique: true})
	dbops.RegisterTable("vlan", (*VLAN)(nil),
		dbops.Index{Name: "fabric_id", Field: "FabricID"},
		dbops.Index{Name: "dhcp_on", Field: "DHCPOn"})
	dbops.RegisterTable("domain", (*Domain)(nil),
		dbops.Index{Name: "name", Field: "Name", Unique: true},
		dbops.Index{Name: "is_default", Field: "IsDefault"})
}

// Checks if the rack is the primary or the secondary of the VLAN.
func (vlan *VLAN) IsServedBy(rackID int64) bool {
	return rackID != 0 && (vlan.PrimaryRackID == rackID || vlan.SecondaryRackID == rackID)
}

// Checks if the rack manages the DHCP on the VLAN.
func (vlan *VLAN) IsManagedBy(rackID int64) bool {
	return vlan.DHCPOn && vlan.IsServedBy(rackID)
}

// Adds a fabric together with its untagged VLAN.
func AddFabric(tx dbops.Tx, fabric *Fabric) (*VLAN, error) {
	if err := dbops.Insert(tx, fabric); err != nil {
		return nil, errors.WithMessagef(err, "problem adding fabric %s", fabric.Name)
	}
	vlan := &VLAN{Name: "untagged", VID: 0, MTU: 1500, FabricID: fabric.ID}
	if err := dbops.Insert(tx, vlan); err != nil {
		return nil, errors.WithMessagef(err, "problem adding default VLAN of fabric %s", fabric.Name)
	}
	return vlan, nil
}

// Returns the default fabric creating it when it does not exist.
func GetDefaultFabric(tx dbops.Tx) (*Fabric, error) {
	fabric, err := dbops.First[Fabric](tx, "name", DefaultFabricName)
	if err == nil {
		return fabric, nil
	} else if !errors.Is(err, dbops.ErrNotFound) {
		return nil, err
	}
	fabric = &Fabric{Name: DefaultFabricName}
	if _, err := AddFabric(tx, fabric); err != nil {
		return nil, err
	}
	return fabric, nil
}

// Returns the untagged VLAN of the fabric.
func GetFabricDefaultVLAN(tx dbops.Tx, fabricID int64) (*VLAN, error) {
	vlans, err := dbops.FindBy[VLAN](tx, "fabric_id", fabricID)
	if err != nil {
		return nil, err
	}
	for _, vlan := range vlans {
		if vlan.VID == 0 {
			return vlan, nil
		}
	}
	if len(vlans) > 0 {
		return vlans[0], nil
	}
	return nil, errors.Wrapf(dbops.ErrNotFound, "fabric %d has no VLAN", fabricID)
}

// Returns the default VLAN of the default fabric.
func GetDefaultVLAN(tx dbops.Tx) (*VLAN, error) {
	fabric, err := GetDefaultFabric(tx)
	if err != nil {
		return nil, err
	}
	return GetFabricDefaultVLAN(tx, fabric.ID)
}

// Returns VLANs with DHCP enabled ordered by ID.
func GetDHCPEnabledVLANs(tx dbops.Tx) ([]*VLAN, error) {
	return dbops.FindBy[VLAN](tx, "dhcp_on", true)
}

// Adds a domain after validating its name.
func AddDomain(tx dbops.Tx, domain *Domain) error {
	domain.Name = strings.TrimSuffix(strings.ToLower(domain.Name), ".")
	if _, ok := dns.IsDomainName(domain.Name); !ok || domain.Name == "" {
		return NewValidationError("invalid domain name %q", domain.Name)
	}
	if err := dbops.Insert(tx, domain); err != nil {
		return errors.WithMessagef(err, "problem adding domain %s", domain.Name)
	}
	return nil
}

// Returns the default domain creating it from the default_domain setting
// when none is marked as default.
func GetDefaultDomain(tx dbops.Tx) (*Domain, error) {
	domain, err := dbops.First[Domain](tx, "is_default", true)
	if err == nil {
		return domain, nil
	} else if !errors.Is(err, dbops.ErrNotFound) {
		return nil, err
	}
	name, err := GetSettingStr(tx, SettingDefaultDomain)
	if err != nil || name == "" {
		name = "maas"
	}
	domain, err = dbops.First[Domain](tx, "name", name)
	if err == nil {
		domain.IsDefault = true
		return domain, dbops.Update(tx, domain)
	} else if !errors.Is(err, dbops.ErrNotFound) {
		return nil, err
	}
	domain = &Domain{Name: name, Authoritative: true, IsDefault: true}
	if err := AddDomain(tx, domain); err != nil {
		return nil, err
	}
	return domain, nil
}
