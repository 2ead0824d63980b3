// Package ipset implements sets of non-overlapping, purpose tagged IP
// address ranges used to compute which parts of a subnet are in use.
package ipset

import (
	"fmt"
	"math/big"
	"net/netip"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// Purposes of the address ranges.
const (
	PurposeDynamic          = "dynamic"
	PurposeReserved         = "reserved"
	PurposeAssignedIP       = "assigned-ip"
	PurposeGatewayIP        = "gateway-ip"
	PurposeDNSServer        = "dns-server"
	PurposeExcluded         = "excluded"
	PurposeNeighbour        = "neighbour"
	PurposeUnused           = "unused"
	PurposeUnmanaged        = "unmanaged"
	PurposeRouterAnycast    = "rfc-4291-2.6.1"
	PurposeNetworkAddress   = "network-address"
	PurposeBroadcastAddress = "broadcast-address"
)

// Inclusive range of addresses of one family tagged with one or more
// purposes.
type Range struct {
	First    netip.Addr
	Last     netip.Addr
	Purposes []string
}

// Creates a range. The order of the bounds does not matter.
func NewRange(first, last netip.Addr, purposes ...string) Range {
	first, last = first.Unmap(), last.Unmap()
	if last.Less(first) {
		first, last = last, first
	}
	return Range{First: first, Last: last, Purposes: normalizePurposes(purposes)}
}

// Creates a single address range.
func NewAddrRange(addr netip.Addr, purposes ...string) Range {
	return NewRange(addr, addr, purposes...)
}

// Parses the bounds and creates a range.
func ParseRange(first, last string, purposes ...string) (Range, error) {
	firstAddr, err := netip.ParseAddr(first)
	if err != nil {
		return Range{}, errors.Wrapf(err, "invalid range start %s", first)
	}
	lastAddr, err := netip.ParseAddr(last)
	if err != nil {
		return Range{}, errors.Wrapf(err, "invalid range end %s", last)
	}
	firstAddr, lastAddr = firstAddr.Unmap(), lastAddr.Unmap()
	if firstAddr.Is4() != lastAddr.Is4() {
		return Range{}, errors.Errorf("range %s-%s mixes address families", first, last)
	}
	return NewRange(firstAddr, lastAddr, purposes...), nil
}

// Returns the number of addresses in the range.
func (r Range) Size() *big.Int {
	first := new(big.Int).SetBytes(r.First.AsSlice())
	last := new(big.Int).SetBytes(r.Last.AsSlice())
	size := new(big.Int).Sub(last, first)
	return size.Add(size, big.NewInt(1))
}

// Checks if the address lies in the range.
func (r Range) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.Is4() == r.First.Is4() && r.First.Compare(addr) <= 0 && addr.Compare(r.Last) <= 0
}

// Checks if the range carries the given purpose.
func (r Range) HasPurpose(purpose string) bool {
	return slices.Contains(r.Purposes, purpose)
}

// Returns the range in the first-last (purposes) format.
func (r Range) String() string {
	var bounds string
	if r.First == r.Last {
		bounds = r.First.String()
	} else {
		bounds = fmt.Sprintf("%s-%s", r.First, r.Last)
	}
	if len(r.Purposes) == 0 {
		return bounds
	}
	return fmt.Sprintf("%s (%s)", bounds, strings.Join(r.Purposes, ", "))
}

func (r Range) ipRange() netipx.IPRange {
	return netipx.IPRangeFrom(r.First, r.Last)
}

// Set of sorted, non-overlapping ranges. Overlapping input ranges are split
// at their boundaries and the overlapping pieces carry the union of the
// purposes.
type Set struct {
	ranges []Range
}

// Creates a set from possibly overlapping ranges.
func New(ranges ...Range) *Set {
	return &Set{ranges: normalize(ranges)}
}

// Returns a copy of the ranges ordered by the first address.
func (s *Set) Ranges() []Range {
	return slices.Clone(s.ranges)
}

// Returns the number of ranges in the set.
func (s *Set) Len() int {
	return len(s.ranges)
}

// Checks if any range of the set contains the address.
func (s *Set) Contains(addr netip.Addr) bool {
	_, ok := s.Find(addr)
	return ok
}

// Returns the range containing the address.
func (s *Set) Find(addr netip.Addr) (Range, bool) {
	addr = addr.Unmap()
	i := sort.Search(len(s.ranges), func(i int) bool {
		return addr.Compare(s.ranges[i].Last) <= 0
	})
	if i < len(s.ranges) && s.ranges[i].Contains(addr) {
		return s.ranges[i], true
	}
	return Range{}, false
}

// Returns a new set holding the ranges of both sets.
func (s *Set) Union(other *Set) *Set {
	return New(append(s.Ranges(), other.ranges...)...)
}

// Returns a new set with the given ranges added.
func (s *Set) With(ranges ...Range) *Set {
	return New(append(s.Ranges(), ranges...)...)
}

// Returns the parts of the [first, last] span not covered by the set,
// tagged with the given purpose.
func (s *Set) UnusedRanges(first, last netip.Addr, purpose string) *Set {
	var builder netipx.IPSetBuilder
	builder.AddRange(NewRange(first, last).ipRange())
	for _, r := range s.ranges {
		builder.RemoveRange(r.ipRange())
	}
	free, err := builder.IPSet()
	if err != nil {
		// The builder only reports errors for invalid ranges which
		// NewRange never produces.
		panic(err)
	}
	unused := &Set{}
	for _, r := range free.Ranges() {
		unused.ranges = append(unused.ranges, NewRange(r.From(), r.To(), purpose))
	}
	return unused
}

// Returns the range with the fewest addresses. Among equally sized ranges
// the one with the lowest address wins.
func (s *Set) Smallest() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	smallest := s.ranges[0]
	smallestSize := smallest.Size()
	for _, r := range s.ranges[1:] {
		if size := r.Size(); size.Cmp(smallestSize) < 0 {
			smallest, smallestSize = r, size
		}
	}
	return smallest, true
}

// Returns the total number of addresses in the set.
func (s *Set) Size() *big.Int {
	total := new(big.Int)
	for _, r := range s.ranges {
		total.Add(total, r.Size())
	}
	return total
}

// Returns the ranges in a human readable form.
func (s *Set) String() string {
	items := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		items = append(items, r.String())
	}
	return strings.Join(items, ", ")
}

func normalizePurposes(purposes []string) []string {
	out := make([]string, 0, len(purposes))
	for _, p := range purposes {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Splits the ranges at every boundary so the resulting pieces are either
// fully covered or not covered by each input range, then merges adjacent
// pieces with identical purposes.
func normalize(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	var points []netip.Addr
	for _, r := range ranges {
		points = append(points, r.First)
		if next := r.Last.Next(); next.IsValid() {
			points = append(points, next)
		}
	}
	slices.SortFunc(points, func(a, b netip.Addr) int { return a.Compare(b) })
	points = slices.Compact(points)

	var pieces []Range
	for i, start := range points {
		var purposes []string
		var end netip.Addr
		covered := false
		for _, r := range ranges {
			if !r.Contains(start) {
				continue
			}
			covered = true
			purposes = append(purposes, r.Purposes...)
			if !end.IsValid() || r.Last.Less(end) {
				end = r.Last
			}
		}
		if !covered {
			continue
		}
		if i+1 < len(points) && points[i+1].Is4() == start.Is4() {
			if boundary := points[i+1].Prev(); boundary.Less(end) {
				end = boundary
			}
		}
		pieces = append(pieces, Range{First: start, Last: end, Purposes: normalizePurposes(purposes)})
	}

	merged := pieces[:0]
	for _, piece := range pieces {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.Last.Next() == piece.First && slices.Equal(prev.Purposes, piece.Purposes) {
				prev.Last = piece.Last
				continue
			}
		}
		merged = append(merged, piece)
	}
	return merged
}
