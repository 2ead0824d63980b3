package regionutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// Check parsing an IPv4 subnet and the derived values.
func TestParseSubnetIPv4(t *testing.T) {
	subnet, err := ParseSubnet("10.0.0.7/24")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.0/24", subnet.Prefix.String())
	require.Equal(t, "10.0.0.0", subnet.First.String())
	require.Equal(t, "10.0.0.255", subnet.Last.String())
	require.Equal(t, "255.255.255.0", subnet.Netmask())
	require.Equal(t, "10.0.0.255", subnet.Broadcast())
	require.Equal(t, IPv4, subnet.Family())
	require.True(t, subnet.Contains(netip.MustParseAddr("10.0.0.42")))
	require.False(t, subnet.Contains(netip.MustParseAddr("10.0.1.1")))
}

// Check parsing an IPv6 subnet. There is no broadcast address.
func TestParseSubnetIPv6(t *testing.T) {
	subnet, err := ParseSubnet("2001:db8::/64")
	require.NoError(t, err)
	require.Equal(t, "2001:db8::", subnet.First.String())
	require.Equal(t, "2001:db8::ffff:ffff:ffff:ffff", subnet.Last.String())
	require.Empty(t, subnet.Broadcast())
	require.Equal(t, IPv6, subnet.Family())
}

// Check that an invalid subnet is rejected.
func TestParseSubnetInvalid(t *testing.T) {
	_, err := ParseSubnet("10.0.0.0")
	require.Error(t, err)
	_, err = ParseSubnet("foo/24")
	require.Error(t, err)
}

// Check address parsing and link-local detection.
func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("::ffff:192.0.2.1")
	require.NoError(t, err)
	require.True(t, addr.Is4())
	require.Equal(t, IPv4, FamilyOf(addr))

	_, err = ParseAddr("192.0.2")
	require.Error(t, err)

	require.True(t, IsIPv6LinkLocal(netip.MustParseAddr("fe80::1")))
	require.False(t, IsIPv6LinkLocal(netip.MustParseAddr("2001:db8::1")))
	require.False(t, IsIPv6LinkLocal(netip.MustParseAddr("169.254.0.1")))
}

// Check splitting server lists on commas and whitespace.
func TestSplitServers(t *testing.T) {
	require.Equal(t, []string{"10.0.0.1", "ntp.example.org", "10.0.0.2"},
		SplitServers("10.0.0.1, ntp.example.org\t10.0.0.2,,"))
	require.Empty(t, SplitServers(" , "))
}

// Check that random strings are base64 and differ between calls.
func TestBase64Random(t *testing.T) {
	first, err := Base64Random(64)
	require.NoError(t, err)
	second, err := Base64Random(64)
	require.NoError(t, err)
	require.Len(t, first, 88)
	require.NotEqual(t, first, second)
}
