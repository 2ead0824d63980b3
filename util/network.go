package regionutil

import (
	"net"
	"net/netip"

	cidr "github.com/apparentlymart/go-cidr/cidr"
	"github.com/pkg/errors"
)

// IP protocol family.
type IPFamily int

// IP protocol families.
const (
	IPv4 IPFamily = 4
	IPv6 IPFamily = 6
)

// Returns the family of the address.
func FamilyOf(addr netip.Addr) IPFamily {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// Parsed subnet in CIDR notation together with the first and the last
// address it spans.
type ParsedSubnet struct {
	Prefix netip.Prefix
	IPNet  *net.IPNet
	First  netip.Addr
	Last   netip.Addr
}

// Family of the subnet.
func (s *ParsedSubnet) Family() IPFamily {
	return FamilyOf(s.First)
}

// Checks if the address belongs to the subnet.
func (s *ParsedSubnet) Contains(addr netip.Addr) bool {
	return s.Prefix.Contains(addr.Unmap())
}

// Returns the network mask in the dotted (IPv4) or colon (IPv6) notation.
func (s *ParsedSubnet) Netmask() string {
	return net.IP(s.IPNet.Mask).String()
}

// Returns the broadcast address. IPv6 has no broadcast so an empty
// string is returned for it.
func (s *ParsedSubnet) Broadcast() string {
	if s.Family() == IPv6 {
		return ""
	}
	return s.Last.String()
}

// Parses a subnet in the CIDR notation. The host bits are masked out,
// i.e. 10.0.0.7/24 yields the 10.0.0.0/24 network.
func ParseSubnet(value string) (*ParsedSubnet, error) {
	_, ipNet, err := net.ParseCIDR(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid subnet %s", value)
	}
	first, last := cidr.AddressRange(ipNet)
	firstAddr, ok := addrFromIP(first)
	if !ok {
		return nil, errors.Errorf("invalid first address of subnet %s", value)
	}
	lastAddr, ok := addrFromIP(last)
	if !ok {
		return nil, errors.Errorf("invalid last address of subnet %s", value)
	}
	ones, _ := ipNet.Mask.Size()
	return &ParsedSubnet{
		Prefix: netip.PrefixFrom(firstAddr, ones),
		IPNet:  ipNet,
		First:  firstAddr,
		Last:   lastAddr,
	}, nil
}

// Parses an IP address. IPv4-mapped IPv6 addresses are unmapped.
func ParseAddr(value string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "invalid IP address %s", value)
	}
	return addr.Unmap(), nil
}

// Checks if the address is an IPv6 link-local unicast address.
func IsIPv6LinkLocal(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6() && addr.IsLinkLocalUnicast()
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	if ip4 := ip.To4(); ip4 != nil {
		return netip.AddrFrom4([4]byte(ip4)), true
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}
