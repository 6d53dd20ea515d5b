// range_set.go implements interval arithmetic over the 256-bit trie key
// space: closed tag ranges and ordered sets of disjoint, non-adjacent
// ranges. The snap engine uses these to account for which slices of the
// account (or storage) key space have been downloaded, which are still
// pending and which are checked out by a worker.
package sync

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/types"
)

// TagFromHash converts a 32-byte node key into its tag (unsigned 256-bit
// position on the key space).
func TagFromHash(h types.Hash) uint256.Int {
	var t uint256.Int
	t.SetBytes32(h[:])
	return t
}

// HashFromTag converts a tag back into its 32-byte node key form.
func HashFromTag(t *uint256.Int) types.Hash {
	b := t.Bytes32()
	return types.BytesToHash(b[:])
}

// TagRange is a closed interval [First, Last] of tags, First <= Last.
type TagRange struct {
	First uint256.Int
	Last  uint256.Int
}

// MakeTagRange builds a closed range; first and last are copied. Panics if
// first > last: range construction from unordered bounds is a bug.
func MakeTagRange(first, last *uint256.Int) TagRange {
	if first.Cmp(last) > 0 {
		panic("sync: inverted tag range")
	}
	var r TagRange
	r.First.Set(first)
	r.Last.Set(last)
	return r
}

// HashTagRange builds a closed range from 32-byte bounds.
func HashTagRange(min, max types.Hash) TagRange {
	first, last := TagFromHash(min), TagFromHash(max)
	return MakeTagRange(&first, &last)
}

// FullTagRange covers the entire key space [0, 2^256-1].
func FullTagRange() TagRange {
	var r TagRange
	r.Last.SetAllOne()
	return r
}

// Size returns the number of tags in the range. The full key space does
// not fit in 256 bits and is reported as (0, true); every other range
// reports (length, false).
func (r TagRange) Size() (uint256.Int, bool) {
	var n uint256.Int
	n.Sub(&r.Last, &r.First)
	if _, overflow := n.AddOverflow(&n, uint256.NewInt(1)); overflow {
		return uint256.Int{}, true
	}
	return n, false
}

// Contains reports whether pt lies inside the range.
func (r TagRange) Contains(pt *uint256.Int) bool {
	return r.First.Cmp(pt) <= 0 && pt.Cmp(&r.Last) <= 0
}

// Overlaps reports whether the two ranges share at least one tag.
func (r TagRange) Overlaps(o TagRange) bool {
	return r.First.Cmp(&o.Last) <= 0 && o.First.Cmp(&r.Last) <= 0
}

// Encloses reports whether o is fully inside r.
func (r TagRange) Encloses(o TagRange) bool {
	return r.First.Cmp(&o.First) <= 0 && o.Last.Cmp(&r.Last) <= 0
}

// Intersection clips o against r. ok is false when they do not overlap.
func (r TagRange) Intersection(o TagRange) (TagRange, bool) {
	if !r.Overlaps(o) {
		return TagRange{}, false
	}
	out := r
	if o.First.Cmp(&out.First) > 0 {
		out.First.Set(&o.First)
	}
	if o.Last.Cmp(&out.Last) < 0 {
		out.Last.Set(&o.Last)
	}
	return out, true
}

// String implements fmt.Stringer for diagnostics.
func (r TagRange) String() string {
	return fmt.Sprintf("[%s, %s]", HashFromTag(&r.First).Hex(), HashFromTag(&r.Last).Hex())
}

// TagRangeSet is an ordered set of disjoint, non-adjacent tag ranges.
//
// Sizes reported by Merge, Reduce, Covered and Total follow the modulo
// convention of the key space: the full 2^256-tag space is reported as
// zero. IsFull disambiguates where it matters.
type TagRangeSet struct {
	ranges []TagRange
}

// NewTagRangeSet creates an empty set.
func NewTagRangeSet() *TagRangeSet {
	return &TagRangeSet{}
}

// NewFullTagRangeSet creates a set covering the entire key space.
func NewFullTagRangeSet() *TagRangeSet {
	s := NewTagRangeSet()
	s.Merge(FullTagRange())
	return s
}

// Len returns the number of disjoint intervals held.
func (s *TagRangeSet) Len() int { return len(s.ranges) }

// IsEmpty reports whether the set covers nothing.
func (s *TagRangeSet) IsEmpty() bool { return len(s.ranges) == 0 }

// IsFull reports whether the set covers the entire key space.
func (s *TagRangeSet) IsFull() bool {
	if len(s.ranges) != 1 {
		return false
	}
	return s.ranges[0].First.IsZero() && s.ranges[0].Last.Eq(&fullLast)
}

var fullLast = func() uint256.Int {
	var x uint256.Int
	x.SetAllOne()
	return x
}()

// Ranges returns a copy of the intervals in ascending order.
func (s *TagRangeSet) Ranges() []TagRange {
	out := make([]TagRange, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Clone returns a deep copy of the set.
func (s *TagRangeSet) Clone() *TagRangeSet {
	return &TagRangeSet{ranges: s.Ranges()}
}

// Clear empties the set.
func (s *TagRangeSet) Clear() { s.ranges = nil }

// Contains reports whether pt is covered.
func (s *TagRangeSet) Contains(pt *uint256.Int) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(pt) >= 0
	})
	return i < len(s.ranges) && s.ranges[i].Contains(pt)
}

// EnclosesRange reports whether every tag of r is covered by a single
// stored interval.
func (s *TagRangeSet) EnclosesRange(r TagRange) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(&r.First) >= 0
	})
	return i < len(s.ranges) && s.ranges[i].Encloses(r)
}

// Merge adds the range to the set, coalescing with overlapping or adjacent
// intervals. It returns the number of tags newly covered (modulo 2^256).
func (s *TagRangeSet) Merge(r TagRange) uint256.Int {
	// Window of stored ranges touching r, including adjacency on both
	// sides (a stored range ending exactly at r.First-1 coalesces).
	lo := r.First
	if !lo.IsZero() {
		lo.SubUint64(&r.First, 1)
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(&lo) >= 0
	})
	hi := r.Last
	if !hi.Eq(&fullLast) {
		hi.AddUint64(&r.Last, 1)
	}

	var (
		overlap = uint256.Int{}
		merged  = r
		j       = i
	)
	for j < len(s.ranges) && s.ranges[j].First.Cmp(&hi) <= 0 {
		if iv, ok := s.ranges[j].Intersection(r); ok {
			n, full := iv.Size()
			if full {
				// r and the stored range are both the full space.
				return uint256.Int{}
			}
			overlap.Add(&overlap, &n)
		}
		if s.ranges[j].First.Cmp(&merged.First) < 0 {
			merged.First.Set(&s.ranges[j].First)
		}
		if s.ranges[j].Last.Cmp(&merged.Last) > 0 {
			merged.Last.Set(&s.ranges[j].Last)
		}
		j++
	}
	s.splice(i, j, []TagRange{merged})

	size, full := r.Size()
	if full {
		size = uint256.Int{}
	}
	var added uint256.Int
	added.Sub(&size, &overlap)
	return added
}

// Reduce removes the range from the set, trimming or splitting stored
// intervals. It returns the number of tags removed (modulo 2^256).
func (s *TagRangeSet) Reduce(r TagRange) uint256.Int {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(&r.First) >= 0
	})
	var (
		removed uint256.Int
		keep    []TagRange
		j       = i
	)
	for j < len(s.ranges) && s.ranges[j].First.Cmp(&r.Last) <= 0 {
		stored := s.ranges[j]
		iv, _ := stored.Intersection(r)
		n, full := iv.Size()
		if full {
			removed = uint256.Int{}
		} else {
			removed.Add(&removed, &n)
		}
		// Left remainder of the stored range.
		if stored.First.Cmp(&r.First) < 0 {
			var last uint256.Int
			last.SubUint64(&r.First, 1)
			keep = append(keep, MakeTagRange(&stored.First, &last))
		}
		// Right remainder of the stored range.
		if stored.Last.Cmp(&r.Last) > 0 {
			var first uint256.Int
			first.AddUint64(&r.Last, 1)
			keep = append(keep, MakeTagRange(&first, &stored.Last))
		}
		j++
	}
	s.splice(i, j, keep)
	return removed
}

// Covered returns the number of tags shared by the set and r (modulo
// 2^256).
func (s *TagRangeSet) Covered(r TagRange) uint256.Int {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(&r.First) >= 0
	})
	var total uint256.Int
	for ; i < len(s.ranges) && s.ranges[i].First.Cmp(&r.Last) <= 0; i++ {
		if iv, ok := s.ranges[i].Intersection(r); ok {
			n, full := iv.Size()
			if full {
				return uint256.Int{}
			}
			total.Add(&total, &n)
		}
	}
	return total
}

// Fetch pops the leading interval from the set, clipped to at most maxLen
// tags (maxLen zero means the full-space length, i.e. no clipping). The
// returned range is removed from the set; ok is false when the set is
// empty.
func (s *TagRangeSet) Fetch(maxLen *uint256.Int) (TagRange, bool) {
	if len(s.ranges) == 0 {
		return TagRange{}, false
	}
	head := s.ranges[0]
	if maxLen != nil && !maxLen.IsZero() {
		size, full := head.Size()
		if full || size.Cmp(maxLen) > 0 {
			var last uint256.Int
			last.Add(&head.First, maxLen)
			last.SubUint64(&last, 1)
			head = MakeTagRange(&head.First, &last)
		}
	}
	s.Reduce(head)
	return head, true
}

// Ge returns the leading covered interval at or after pt: if pt falls
// inside a stored range the result starts at pt, otherwise it is the next
// stored range. ok is false when nothing is covered at or after pt.
func (s *TagRangeSet) Ge(pt *uint256.Int) (TagRange, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(pt) >= 0
	})
	if i >= len(s.ranges) {
		return TagRange{}, false
	}
	out := s.ranges[i]
	if out.First.Cmp(pt) < 0 {
		out.First.Set(pt)
	}
	return out, true
}

// Gt returns the leading covered interval strictly after pt.
func (s *TagRangeSet) Gt(pt *uint256.Int) (TagRange, bool) {
	if pt.Eq(&fullLast) {
		return TagRange{}, false
	}
	var next uint256.Int
	next.AddUint64(pt, 1)
	return s.Ge(&next)
}

// Intersect returns a new set covering the overlap of the set and r.
func (s *TagRangeSet) Intersect(r TagRange) *TagRangeSet {
	out := NewTagRangeSet()
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last.Cmp(&r.First) >= 0
	})
	for ; i < len(s.ranges) && s.ranges[i].First.Cmp(&r.Last) <= 0; i++ {
		if iv, ok := s.ranges[i].Intersection(r); ok {
			out.ranges = append(out.ranges, iv)
		}
	}
	return out
}

// Total returns the number of covered tags and whether the set is full
// (the full space's 2^256 does not fit in 256 bits).
func (s *TagRangeSet) Total() (uint256.Int, bool) {
	var total uint256.Int
	for i := range s.ranges {
		n, full := s.ranges[i].Size()
		if full {
			return uint256.Int{}, true
		}
		if _, overflow := total.AddOverflow(&total, &n); overflow {
			return uint256.Int{}, true
		}
	}
	return total, s.IsFull()
}

// FullFactor reports the covered fraction of the key space in [0, 1].
func (s *TagRangeSet) FullFactor() float64 {
	total, full := s.Total()
	if full {
		return 1.0
	}
	// Scale the top 64 bits; plenty of precision for statistics.
	var top uint256.Int
	top.Rsh(&total, 192)
	return float64(top.Uint64()) / float64(1<<63) / 2
}

// splice replaces s.ranges[i:j] with the given replacement intervals.
func (s *TagRangeSet) splice(i, j int, repl []TagRange) {
	out := make([]TagRange, 0, len(s.ranges)-(j-i)+len(repl))
	out = append(out, s.ranges[:i]...)
	out = append(out, repl...)
	out = append(out, s.ranges[j:]...)
	s.ranges = out
}
