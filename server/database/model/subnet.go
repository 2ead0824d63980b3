package dbmodel

import (
	"net/netip"
	"strings"
	"time"

	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
	regionutil "github.com/metalyard/region/util"
)

// Type of an administratively defined address range.
type IPRangeType string

// Address range types.
const (
	IPRangeTypeDynamic  IPRangeType = "dynamic"
	IPRangeTypeReserved IPRangeType = "reserved"
)

// Kind of an address allocation.
type IPAddressAllocType int

// Address allocation types.
const (
	IPAddressAuto          IPAddressAllocType = 0
	IPAddressSticky        IPAddressAllocType = 1
	IPAddressUserReserved  IPAddressAllocType = 4
	IPAddressDHCP          IPAddressAllocType = 5
	IPAddressDiscovered    IPAddressAllocType = 6
	ipAddressAllocTypeLast IPAddressAllocType = IPAddressDiscovered
)

// Represents an IP subnet.
type Subnet struct {
	tableName       struct{} `pg:"subnet"` //nolint:unused
	ID              int64    `pg:"id,pk"`
	Name            string   `pg:"name"`
	CIDR            string   `pg:"cidr"`
	VLANID          int64    `pg:"vlan_id"`
	GatewayIP       string   `pg:"gateway_ip"`
	DNSServers      []string `pg:"dns_servers,array"`
	AllowProxy      bool     `pg:"allow_proxy,use_zero"`
	ActiveDiscovery bool     `pg:"active_discovery,use_zero"`
	Managed         bool     `pg:"managed,use_zero"`
}

// Address range defined within a subnet.
type IPRange struct {
	tableName struct{}    `pg:"ip_range"` //nolint:unused
	ID        int64       `pg:"id,pk"`
	SubnetID  int64       `pg:"subnet_id"`
	Type      IPRangeType `pg:"type"`
	StartIP   string      `pg:"start_ip"`
	EndIP     string      `pg:"end_ip"`
	Comment   string      `pg:"comment"`
}

// Address allocated in a subnet. An empty IP denotes an allocation
// waiting for an address.
type StaticIPAddress struct {
	tableName struct{}           `pg:"static_ip_address"` //nolint:unused
	ID        int64              `pg:"id,pk"`
	IP        string             `pg:"ip"`
	AllocType IPAddressAllocType `pg:"alloc_type,use_zero"`
	SubnetID  int64              `pg:"subnet_id"`
	Created   time.Time          `pg:"created"`
}

// Associates addresses with interfaces.
type InterfaceIPAddress struct {
	tableName         struct{} `pg:"interface_ip_address"` //nolint:unused
	ID                int64    `pg:"id,pk"`
	InterfaceID       int64    `pg:"interface_id"`
	StaticIPAddressID int64    `pg:"static_ip_address_id"`
}

// Route from the source subnet to the destination subnet.
type StaticRoute struct {
	tableName     struct{} `pg:"static_route"` //nolint:unused
	ID            int64    `pg:"id,pk"`
	SourceID      int64    `pg:"source_id"`
	DestinationID int64    `pg:"destination_id"`
	GatewayIP     string   `pg:"gateway_ip"`
	Metric        int      `pg:"metric,use_zero"`
}

// Address observed on the network by a rack interface.
type Neighbour struct {
	tableName   struct{}  `pg:"neighbour"` //nolint:unused
	ID          int64     `pg:"id,pk"`
	IP          string    `pg:"ip"`
	MACAddress  string    `pg:"mac_address"`
	VID         int       `pg:"vid,use_zero"`
	InterfaceID int64     `pg:"interface_id"`
	Count       int       `pg:"count,use_zero"`
	LastSeen    time.Time `pg:"last_seen"`
}

func init() {
	dbops.RegisterTable("subnet", (*Subnet)(nil),
		dbops.Index{Name: "cidr", Field: "CIDR", Unique: true},
		dbops.Index{Name: "vlan_id", Field: "VLANID"})
	dbops.RegisterTable("ip_range", (*IPRange)(nil),
		dbops.Index{Name: "subnet_id", Field: "SubnetID"})
	dbops.RegisterTable("static_ip_address", (*StaticIPAddress)(nil),
		dbops.Index{Name: "subnet_id", Field: "SubnetID"},
		dbops.Index{Name: "ip", Field: "IP"})
	dbops.RegisterTable("interface_ip_address", (*InterfaceIPAddress)(nil),
		dbops.Index{Name: "interface_id", Field: "InterfaceID"},
		dbops.Index{Name: "static_ip_address_id", Field: "StaticIPAddressID"})
	dbops.RegisterTable("static_route", (*StaticRoute)(nil),
		dbops.Index{Name: "source_id", Field: "SourceID"})
	dbops.RegisterTable("neighbour", (*Neighbour)(nil),
		dbops.Index{Name: "ip", Field: "IP"})
}

// Parses the subnet CIDR.
func (s *Subnet) Parse() (*regionutil.ParsedSubnet, error) {
	return regionutil.ParseSubnet(s.CIDR)
}

// Returns the address family of the subnet or zero if the CIDR is
// invalid.
func (s *Subnet) Family() regionutil.IPFamily {
	parsed, err := s.Parse()
	if err != nil {
		return 0
	}
	return parsed.Family()
}

// Checks the subnet invariants: the CIDR must be valid, the gateway must
// belong to the subnet or be an IPv6 link-local address and the DNS
// servers must be valid addresses.
func (s *Subnet) Validate() error {
	parsed, err := s.Parse()
	if err != nil {
		return NewValidationError("invalid subnet CIDR %q", s.CIDR)
	}
	s.CIDR = parsed.Prefix.String()
	if s.GatewayIP != "" {
		gateway, err := regionutil.ParseAddr(s.GatewayIP)
		if err != nil {
			return NewValidationError("invalid gateway IP %q", s.GatewayIP)
		}
		if !parsed.Contains(gateway) && !regionutil.IsIPv6LinkLocal(gateway) {
			return NewValidationError("gateway IP %s must be within CIDR %s", s.GatewayIP, s.CIDR)
		}
		s.GatewayIP = gateway.String()
	}
	for i, server := range s.DNSServers {
		addr, err := regionutil.ParseAddr(server)
		if err != nil {
			return NewValidationError("invalid DNS server %q", server)
		}
		s.DNSServers[i] = addr.String()
	}
	return nil
}

// Validates and inserts the subnet. The CIDR must be unique.
func AddSubnet(tx dbops.Tx, subnet *Subnet) error {
	if err := subnet.Validate(); err != nil {
		return err
	}
	if subnet.Name == "" {
		subnet.Name = subnet.CIDR
	}
	if err := dbops.Insert(tx, subnet); err != nil {
		if errors.Is(err, dbops.ErrDuplicate) {
			return NewValidationError("subnet with CIDR %s already exists", subnet.CIDR)
		}
		return errors.WithMessagef(err, "problem adding subnet %s", subnet.CIDR)
	}
	return nil
}

// Validates and updates the subnet.
func UpdateSubnet(tx dbops.Tx, subnet *Subnet) error {
	if err := subnet.Validate(); err != nil {
		return err
	}
	if err := dbops.Update(tx, subnet); err != nil {
		if errors.Is(err, dbops.ErrDuplicate) {
			return NewValidationError("subnet with CIDR %s already exists", subnet.CIDR)
		}
		return errors.WithMessagef(err, "problem updating subnet %s", subnet.CIDR)
	}
	return nil
}

// Deletes the subnet with its ranges, addresses and routes. A subnet
// having a dynamic range on a VLAN with DHCP enabled cannot be deleted.
func DeleteSubnet(tx dbops.Tx, subnet *Subnet) error {
	ranges, err := dbops.FindBy[IPRange](tx, "subnet_id", subnet.ID)
	if err != nil {
		return err
	}
	if subnet.VLANID != 0 {
		vlan, err := dbops.Get[VLAN](tx, subnet.VLANID)
		if err != nil && !errors.Is(err, dbops.ErrNotFound) {
			return err
		}
		if vlan != nil && vlan.DHCPOn {
			for _, r := range ranges {
				if r.Type == IPRangeTypeDynamic {
					return NewValidationError("cannot delete subnet %s; DHCP is enabled on its VLAN and it has a dynamic range", subnet.CIDR)
				}
			}
		}
	}
	for _, r := range ranges {
		if err := dbops.Delete(tx, r); err != nil {
			return err
		}
	}
	addresses, err := dbops.FindBy[StaticIPAddress](tx, "subnet_id", subnet.ID)
	if err != nil {
		return err
	}
	for _, address := range addresses {
		if err := deleteStaticIPAddress(tx, address); err != nil {
			return err
		}
	}
	routes, err := dbops.Filter(tx, func(route *StaticRoute) bool {
		return route.SourceID == subnet.ID || route.DestinationID == subnet.ID
	})
	if err != nil {
		return err
	}
	for _, route := range routes {
		if err := dbops.Delete(tx, route); err != nil {
			return err
		}
	}
	snippets, err := dbops.Filter(tx, func(snippet *DHCPSnippet) bool {
		return snippet.SubnetID == subnet.ID
	})
	if err != nil {
		return err
	}
	for _, snippet := range snippets {
		if err := dbops.Delete(tx, snippet); err != nil {
			return err
		}
	}
	return dbops.Delete(tx, subnet)
}

// Returns subnets on the VLAN ordered by ID.
func GetSubnetsByVLAN(tx dbops.Tx, vlanID int64) ([]*Subnet, error) {
	return dbops.FindBy[Subnet](tx, "vlan_id", vlanID)
}

// Returns the subnet containing the address. The most specific subnet
// wins when several contain it.
func GetSubnetForAddress(tx dbops.Tx, addr netip.Addr) (*Subnet, error) {
	subnets, err := dbops.List[Subnet](tx)
	if err != nil {
		return nil, err
	}
	var best *Subnet
	bestBits := -1
	for _, subnet := range subnets {
		parsed, err := subnet.Parse()
		if err != nil || !parsed.Contains(addr) {
			continue
		}
		if parsed.Prefix.Bits() > bestBits {
			best = subnet
			bestBits = parsed.Prefix.Bits()
		}
	}
	if best == nil {
		return nil, errors.Wrapf(dbops.ErrNotFound, "no subnet for address %s", addr)
	}
	return best, nil
}

// Validates and inserts an address range.
func AddIPRange(tx dbops.Tx, r *IPRange) error {
	subnet, err := dbops.Get[Subnet](tx, r.SubnetID)
	if err != nil {
		return errors.WithMessagef(err, "problem getting subnet of range %s-%s", r.StartIP, r.EndIP)
	}
	parsed, err := subnet.Parse()
	if err != nil {
		return err
	}
	start, err := regionutil.ParseAddr(r.StartIP)
	if err != nil {
		return NewValidationError("invalid range start %q", r.StartIP)
	}
	end, err := regionutil.ParseAddr(r.EndIP)
	if err != nil {
		return NewValidationError("invalid range end %q", r.EndIP)
	}
	if end.Less(start) {
		return NewValidationError("range start %s is greater than range end %s", start, end)
	}
	if !parsed.Contains(start) || !parsed.Contains(end) {
		return NewValidationError("range %s-%s is not within subnet %s", start, end, subnet.CIDR)
	}
	if r.Type != IPRangeTypeDynamic && r.Type != IPRangeTypeReserved {
		return NewValidationError("invalid range type %q", r.Type)
	}
	r.StartIP = start.String()
	r.EndIP = end.String()
	return dbops.Insert(tx, r)
}

// Allocates the address in the subnet and links it to the interface.
// The interface ID may be zero.
func AddStaticIPAddress(tx dbops.Tx, address *StaticIPAddress, interfaceID int64) error {
	if address.AllocType < IPAddressAuto || address.AllocType > ipAddressAllocTypeLast {
		return NewValidationError("invalid address allocation type %d", address.AllocType)
	}
	if address.IP != "" {
		addr, err := regionutil.ParseAddr(address.IP)
		if err != nil {
			return NewValidationError("invalid IP address %q", address.IP)
		}
		address.IP = addr.String()
		if address.SubnetID != 0 {
			subnet, err := dbops.Get[Subnet](tx, address.SubnetID)
			if err != nil {
				return err
			}
			parsed, err := subnet.Parse()
			if err != nil {
				return err
			}
			if !parsed.Contains(addr) {
				return NewValidationError("IP address %s is not within subnet %s", address.IP, subnet.CIDR)
			}
		}
	}
	if address.Created.IsZero() {
		address.Created = regionutil.UTCNow()
	}
	if err := dbops.Insert(tx, address); err != nil {
		return errors.WithMessagef(err, "problem adding IP address %s", address.IP)
	}
	if interfaceID == 0 {
		return nil
	}
	return dbops.Insert(tx, &InterfaceIPAddress{InterfaceID: interfaceID, StaticIPAddressID: address.ID})
}

// Returns interface IDs linked with the address ordered by ID.
func GetInterfaceIDsForAddress(tx dbops.Tx, addressID int64) ([]int64, error) {
	links, err := dbops.FindBy[InterfaceIPAddress](tx, "static_ip_address_id", addressID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.InterfaceID)
	}
	return ids, nil
}

// Returns addresses linked with the interface ordered by ID.
func GetAddressesForInterface(tx dbops.Tx, interfaceID int64) ([]*StaticIPAddress, error) {
	links, err := dbops.FindBy[InterfaceIPAddress](tx, "interface_id", interfaceID)
	if err != nil {
		return nil, err
	}
	addresses := make([]*StaticIPAddress, 0, len(links))
	for _, link := range links {
		address, err := dbops.Get[StaticIPAddress](tx, link.StaticIPAddressID)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	return addresses, nil
}

func deleteStaticIPAddress(tx dbops.Tx, address *StaticIPAddress) error {
	links, err := dbops.FindBy[InterfaceIPAddress](tx, "static_ip_address_id", address.ID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := dbops.Delete(tx, link); err != nil {
			return err
		}
	}
	return dbops.Delete(tx, address)
}

// Records a neighbour observation. An existing observation of the same
// address and MAC is refreshed.
func ObserveNeighbour(tx dbops.Tx, neighbour *Neighbour) error {
	neighbour.MACAddress = strings.ToLower(neighbour.MACAddress)
	existing, err := dbops.FindBy[Neighbour](tx, "ip", neighbour.IP)
	if err != nil {
		return err
	}
	if neighbour.LastSeen.IsZero() {
		neighbour.LastSeen = regionutil.UTCNow()
	}
	for _, e := range existing {
		if e.MACAddress == neighbour.MACAddress {
			e.Count++
			e.LastSeen = neighbour.LastSeen
			*neighbour = *e
			return dbops.Update(tx, e)
		}
	}
	if neighbour.Count == 0 {
		neighbour.Count = 1
	}
	return dbops.Insert(tx, neighbour)
}
