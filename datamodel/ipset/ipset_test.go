package ipset

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRange(t *testing.T, first, last string, purposes ...string) Range {
	r, err := ParseRange(first, last, purposes...)
	require.NoError(t, err)
	return r
}

// Check that overlapping ranges are split and their purposes combined.
func TestNewSplitsOverlappingRanges(t *testing.T) {
	set := New(
		mustRange(t, "10.0.0.10", "10.0.0.20", PurposeReserved),
		mustRange(t, "10.0.0.15", "10.0.0.30", PurposeDynamic),
		mustRange(t, "10.0.0.1", "10.0.0.1", PurposeGatewayIP),
	)
	ranges := set.Ranges()
	require.Len(t, ranges, 4)
	require.Equal(t, "10.0.0.1 (gateway-ip)", ranges[0].String())
	require.Equal(t, "10.0.0.10-10.0.0.14 (reserved)", ranges[1].String())
	require.Equal(t, "10.0.0.15-10.0.0.20 (dynamic, reserved)", ranges[2].String())
	require.Equal(t, "10.0.0.21-10.0.0.30 (dynamic)", ranges[3].String())
}

// Check that adjacent ranges with the same purpose are merged and that
// duplicates collapse.
func TestNewMergesAdjacentRanges(t *testing.T) {
	set := New(
		mustRange(t, "10.0.0.5", "10.0.0.9", PurposeAssignedIP),
		mustRange(t, "10.0.0.10", "10.0.0.12", PurposeAssignedIP),
		mustRange(t, "10.0.0.10", "10.0.0.12", PurposeAssignedIP),
	)
	require.Equal(t, 1, set.Len())
	require.Equal(t, "10.0.0.5-10.0.0.12 (assigned-ip)", set.String())
}

// Check the complement within a span.
func TestUnusedRanges(t *testing.T) {
	set := New(
		mustRange(t, "10.0.0.1", "10.0.0.1", PurposeGatewayIP),
		mustRange(t, "10.0.0.200", "10.0.0.254", PurposeDynamic),
	)
	unused := set.UnusedRanges(netip.MustParseAddr("10.0.0.0"), netip.MustParseAddr("10.0.0.255"), PurposeUnused)
	require.Equal(t, "10.0.0.0 (unused), 10.0.0.2-10.0.0.199 (unused), 10.0.0.255 (unused)", unused.String())
}

// Check lookups and sizes.
func TestContainsAndSize(t *testing.T) {
	set := New(
		mustRange(t, "2001:db8::1", "2001:db8::ffff:ffff", PurposeReserved),
		mustRange(t, "2001:db8::", "2001:db8::", PurposeRouterAnycast),
	)
	require.True(t, set.Contains(netip.MustParseAddr("2001:db8::")))
	require.True(t, set.Contains(netip.MustParseAddr("2001:db8::1:0")))
	require.False(t, set.Contains(netip.MustParseAddr("2001:db8::1:0:0")))
	require.False(t, set.Contains(netip.MustParseAddr("10.0.0.1")))

	found, ok := set.Find(netip.MustParseAddr("2001:db8::5"))
	require.True(t, ok)
	require.True(t, found.HasPurpose(PurposeReserved))

	require.EqualValues(t, int64(0xffffffff), set.Ranges()[1].Size().Int64())
	require.EqualValues(t, int64(0x100000000), set.Size().Int64())
}

// Check that the smallest range wins and ties go to the lowest address.
func TestSmallest(t *testing.T) {
	set := New(
		mustRange(t, "10.0.0.10", "10.0.0.19"),
		mustRange(t, "10.0.0.30", "10.0.0.33"),
		mustRange(t, "10.0.0.40", "10.0.0.43"),
	)
	smallest, ok := set.Smallest()
	require.True(t, ok)
	require.Equal(t, "10.0.0.30", smallest.First.String())

	_, ok = New().Smallest()
	require.False(t, ok)
}

// Check that reversed bounds are accepted and mixed families rejected.
func TestParseRange(t *testing.T) {
	r := mustRange(t, "10.0.0.9", "10.0.0.3")
	require.Equal(t, "10.0.0.3", r.First.String())
	require.Equal(t, "10.0.0.9", r.Last.String())

	_, err := ParseRange("10.0.0.1", "2001:db8::1")
	require.Error(t, err)
	_, err = ParseRange("10.0.0", "10.0.0.1")
	require.Error(t, err)
}

// Check that a set and its complement cover the span exactly once for
// random collections of ranges.
func TestSetAndComplementPartitionSpan(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	first := netip.MustParseAddr("192.168.1.0")
	last := netip.MustParseAddr("192.168.1.255")
	for round := 0; round < 200; round++ {
		var ranges []Range
		for i := 0; i < rnd.Intn(8); i++ {
			a := byte(rnd.Intn(256))
			b := byte(rnd.Intn(256))
			ranges = append(ranges, NewRange(
				netip.AddrFrom4([4]byte{192, 168, 1, a}),
				netip.AddrFrom4([4]byte{192, 168, 1, b}),
				[]string{PurposeDynamic, PurposeReserved, PurposeAssignedIP}[rnd.Intn(3)]))
		}
		used := New(ranges...)
		free := used.UnusedRanges(first, last, PurposeUnused)

		var counts [256]int
		for _, set := range []*Set{used, free} {
			prevLast := netip.Addr{}
			for _, r := range set.Ranges() {
				if prevLast.IsValid() {
					require.True(t, prevLast.Less(r.First), "ranges must be sorted and disjoint")
				}
				prevLast = r.Last
				for addr := r.First; ; addr = addr.Next() {
					counts[addr.As4()[3]]++
					if addr == r.Last {
						break
					}
				}
			}
		}
		for i, count := range counts {
			require.Equal(t, 1, count, "address .%d covered %d times in round %d", i, count, round)
		}
	}
}
