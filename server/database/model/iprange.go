package dbmodel

import (
	"net/netip"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/ipset"
	dbops "github.com/metalyard/region/server/database"
	regionutil "github.com/metalyard/region/util"
)

// Options controlling which addresses of a subnet are considered in use.
type IPRangeOptions struct {
	// Addresses treated as in use in addition to the stored ones.
	ExcludeAddresses []string
	// Only the administratively defined ranges are taken into account.
	RangesOnly bool
	// Reserved ranges are in use.
	IncludeReserved bool
	// Addresses observed on the network are in use.
	WithNeighbours bool
	// Addresses allocated with the discovered type are not in use.
	IgnoreDiscoveredIPs bool
}

// Returns the reserved sub-range of an IPv6 /64 network, i.e. the
// addresses with the interface identifier between ::1 and ::ffff:ffff.
func ipv6ReservedRange(prefix netip.Prefix) ipset.Range {
	last := prefix.Addr().As16()
	for i := 12; i < 16; i++ {
		last[i] = 0xff
	}
	return ipset.NewRange(prefix.Addr().Next(), netip.AddrFrom16(last), ipset.PurposeReserved)
}

// Returns single address ranges for the addresses belonging to the
// subnet. Invalid addresses are skipped.
func addrRangesInSubnet(parsed *regionutil.ParsedSubnet, addresses []string, purpose string) []ipset.Range {
	var ranges []ipset.Range
	for _, address := range addresses {
		addr, err := regionutil.ParseAddr(address)
		if err != nil || !parsed.Contains(addr) {
			continue
		}
		ranges = append(ranges, ipset.NewAddrRange(addr, purpose))
	}
	return ranges
}

// Returns the reserved ranges of the subnet.
func getReservedRanges(tx dbops.Tx, subnetID int64) ([]ipset.Range, error) {
	var reserved []ipset.Range
	ranges, err := dbops.FindBy[IPRange](tx, "subnet_id", subnetID)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if r.Type != IPRangeTypeReserved {
			continue
		}
		parsed, err := ipset.ParseRange(r.StartIP, r.EndIP, ipset.PurposeReserved)
		if err != nil {
			return nil, err
		}
		reserved = append(reserved, parsed)
	}
	return reserved, nil
}

// Computes the set of addresses in use without the unmanaged subnet
// rule.
func getRangesInUse(tx dbops.Tx, subnet *Subnet, parsed *regionutil.ParsedSubnet, opts IPRangeOptions) (*ipset.Set, error) {
	var ranges []ipset.Range

	if parsed.Family() == regionutil.IPv6 && !opts.RangesOnly {
		bits := parsed.Prefix.Bits()
		if bits == 64 {
			ranges = append(ranges, ipv6ReservedRange(parsed.Prefix))
		}
		if bits < 127 {
			ranges = append(ranges, ipset.NewAddrRange(parsed.First, ipset.PurposeRouterAnycast))
		}
	}
	if parsed.Family() == regionutil.IPv4 && parsed.Prefix.Bits() < 31 {
		ranges = append(ranges,
			ipset.NewAddrRange(parsed.First, ipset.PurposeNetworkAddress),
			ipset.NewAddrRange(parsed.Last, ipset.PurposeBroadcastAddress))
	}

	if !opts.RangesOnly {
		if subnet.GatewayIP != "" {
			ranges = append(ranges, addrRangesInSubnet(parsed, []string{subnet.GatewayIP}, ipset.PurposeGatewayIP)...)
		}
		ranges = append(ranges, addrRangesInSubnet(parsed, subnet.DNSServers, ipset.PurposeDNSServer)...)

		routes, err := dbops.FindBy[StaticRoute](tx, "source_id", subnet.ID)
		if err != nil {
			return nil, err
		}
		var gateways []string
		for _, route := range routes {
			gateways = append(gateways, route.GatewayIP)
		}
		ranges = append(ranges, addrRangesInSubnet(parsed, gateways, ipset.PurposeGatewayIP)...)

		addresses, err := dbops.FindBy[StaticIPAddress](tx, "subnet_id", subnet.ID)
		if err != nil {
			return nil, err
		}
		var assigned []string
		for _, address := range addresses {
			if address.IP == "" {
				continue
			}
			if opts.IgnoreDiscoveredIPs && address.AllocType == IPAddressDiscovered {
				continue
			}
			assigned = append(assigned, address.IP)
		}
		ranges = append(ranges, addrRangesInSubnet(parsed, assigned, ipset.PurposeAssignedIP)...)
		ranges = append(ranges, addrRangesInSubnet(parsed, opts.ExcludeAddresses, ipset.PurposeExcluded)...)
	}

	subnetRanges, err := dbops.FindBy[IPRange](tx, "subnet_id", subnet.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range subnetRanges {
		var purpose string
		switch {
		case r.Type == IPRangeTypeReserved && opts.IncludeReserved:
			purpose = ipset.PurposeReserved
		case r.Type == IPRangeTypeDynamic:
			purpose = ipset.PurposeDynamic
		default:
			continue
		}
		parsedRange, err := ipset.ParseRange(r.StartIP, r.EndIP, purpose)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid range in subnet %s", subnet.CIDR)
		}
		ranges = append(ranges, parsedRange)
	}

	if opts.WithNeighbours {
		neighbours, err := getNeighboursInSubnet(tx, parsed)
		if err != nil {
			return nil, err
		}
		for _, neighbour := range neighbours {
			ranges = append(ranges, addrRangesInSubnet(parsed, []string{neighbour.IP}, ipset.PurposeNeighbour)...)
		}
	}
	return ipset.New(ranges...), nil
}

// Returns the neighbour observations within the subnet.
func getNeighboursInSubnet(tx dbops.Tx, parsed *regionutil.ParsedSubnet) ([]*Neighbour, error) {
	return dbops.Filter(tx, func(neighbour *Neighbour) bool {
		addr, err := regionutil.ParseAddr(neighbour.IP)
		return err == nil && parsed.Contains(addr)
	})
}

// Applies the option rules shared by the in-use and not-in-use queries
// and returns the in-use set. For an unmanaged subnet only the space
// inside the reserved ranges may be handed out, so everything outside
// of them is in use.
func getIPRangesInUse(tx dbops.Tx, subnet *Subnet, opts IPRangeOptions) (*regionutil.ParsedSubnet, *ipset.Set, error) {
	parsed, err := subnet.Parse()
	if err != nil {
		return nil, nil, err
	}
	if subnet.Managed || opts.RangesOnly {
		opts.IncludeReserved = true
	}
	inUse, err := getRangesInUse(tx, subnet, parsed, opts)
	if err != nil {
		return nil, nil, err
	}
	if !subnet.Managed && !opts.RangesOnly {
		reserved, err := getReservedRanges(tx, subnet.ID)
		if err != nil {
			return nil, nil, err
		}
		unmanaged := ipset.New(reserved...).UnusedRanges(parsed.First, parsed.Last, ipset.PurposeUnmanaged)
		inUse = inUse.Union(unmanaged)
	}
	return parsed, inUse, nil
}

// Returns the set of addresses in use in the subnet.
func GetIPRangesInUse(tx dbops.Tx, subnet *Subnet, opts IPRangeOptions) (*ipset.Set, error) {
	_, inUse, err := getIPRangesInUse(tx, subnet, opts)
	return inUse, err
}

// Returns the ranges of the subnet span which are not in use. Together
// with the result of GetIPRangesInUse called with the same options it
// covers the span exactly once.
func GetIPRangesNotInUse(tx dbops.Tx, subnet *Subnet, opts IPRangeOptions) (*ipset.Set, error) {
	parsed, inUse, err := getIPRangesInUse(tx, subnet, opts)
	if err != nil {
		return nil, err
	}
	return inUse.UnusedRanges(parsed.First, parsed.Last, ipset.PurposeUnused), nil
}

// Returns the next free address of the subnet. The address is taken from
// the smallest free range. When the subnet is full and the observed
// neighbours were avoided, the address of the least recently seen
// neighbour is reused.
func GetNextIPForAllocation(tx dbops.Tx, subnet *Subnet, excludeAddresses []string, avoidObservedNeighbours bool) (netip.Addr, error) {
	opts := IPRangeOptions{
		ExcludeAddresses: excludeAddresses,
		WithNeighbours:   avoidObservedNeighbours,
	}
	free, err := GetIPRangesNotInUse(tx, subnet, opts)
	if err != nil {
		return netip.Addr{}, err
	}
	if smallest, ok := free.Smallest(); ok {
		return smallest.First, nil
	}
	if avoidObservedNeighbours {
		opts.WithNeighbours = false
		free, err = GetIPRangesNotInUse(tx, subnet, opts)
		if err != nil {
			return netip.Addr{}, err
		}
		parsed, err := subnet.Parse()
		if err != nil {
			return netip.Addr{}, err
		}
		neighbours, err := getNeighboursInSubnet(tx, parsed)
		if err != nil {
			return netip.Addr{}, err
		}
		sort.SliceStable(neighbours, func(i, j int) bool {
			return neighbours[i].LastSeen.Before(neighbours[j].LastSeen)
		})
		for _, neighbour := range neighbours {
			addr, err := regionutil.ParseAddr(neighbour.IP)
			if err != nil || !free.Contains(addr) {
				continue
			}
			log.WithFields(log.Fields{
				"subnet":    subnet.CIDR,
				"ip":        addr.String(),
				"mac":       neighbour.MACAddress,
				"last_seen": neighbour.LastSeen,
			}).Warn("Next IP address to allocate was found to be in use by an observed neighbour; reusing the least recently seen one")
			return addr, nil
		}
	}
	return netip.Addr{}, NewStaticIPAddressExhaustionError(subnet.CIDR)
}
