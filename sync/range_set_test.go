package sync

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/types"
)

func tag(u uint64) *uint256.Int { return uint256.NewInt(u) }

func rng(first, last uint64) TagRange {
	return MakeTagRange(tag(first), tag(last))
}

func TestTagRangeSize(t *testing.T) {
	if n, full := rng(10, 19).Size(); full || !n.Eq(tag(10)) {
		t.Fatalf("size: have %s full=%v, want 10", n.Dec(), full)
	}
	if _, full := FullTagRange().Size(); !full {
		t.Fatalf("full range not reported as full")
	}
	if n, full := rng(7, 7).Size(); full || !n.Eq(tag(1)) {
		t.Fatalf("singleton size: have %s", n.Dec())
	}
}

func TestTagRangeSetMerge(t *testing.T) {
	s := NewTagRangeSet()
	if added := s.Merge(rng(10, 19)); !added.Eq(tag(10)) {
		t.Fatalf("first merge added %s, want 10", added.Dec())
	}
	// Overlapping merge only counts the new tags.
	if added := s.Merge(rng(15, 24)); !added.Eq(tag(5)) {
		t.Fatalf("overlap merge added %s, want 5", added.Dec())
	}
	if s.Len() != 1 {
		t.Fatalf("overlapping ranges did not coalesce: %d intervals", s.Len())
	}
	// Adjacent ranges coalesce too.
	s.Merge(rng(25, 30))
	if s.Len() != 1 {
		t.Fatalf("adjacent ranges did not coalesce: %d intervals", s.Len())
	}
	// Disjoint ranges stay apart.
	s.Merge(rng(100, 110))
	if s.Len() != 2 {
		t.Fatalf("disjoint merge: have %d intervals, want 2", s.Len())
	}
	// Re-merging everything is a no-op.
	if added := s.Merge(rng(10, 30)); !added.IsZero() {
		t.Fatalf("idempotent merge added %s", added.Dec())
	}
}

func TestTagRangeSetReduce(t *testing.T) {
	s := NewTagRangeSet()
	s.Merge(rng(0, 99))
	if removed := s.Reduce(rng(40, 59)); !removed.Eq(tag(20)) {
		t.Fatalf("reduce removed %s, want 20", removed.Dec())
	}
	if s.Len() != 2 {
		t.Fatalf("split produced %d intervals, want 2", s.Len())
	}
	if s.Contains(tag(40)) || s.Contains(tag(59)) {
		t.Fatalf("reduced tags still covered")
	}
	if !s.Contains(tag(39)) || !s.Contains(tag(60)) {
		t.Fatalf("edges lost by reduce")
	}
	if removed := s.Reduce(rng(200, 300)); !removed.IsZero() {
		t.Fatalf("reducing uncovered space removed %s", removed.Dec())
	}
}

func TestTagRangeSetCoveredAndIntersect(t *testing.T) {
	s := NewTagRangeSet()
	s.Merge(rng(10, 19))
	s.Merge(rng(30, 39))
	if c := s.Covered(rng(0, 100)); !c.Eq(tag(20)) {
		t.Fatalf("covered: have %s, want 20", c.Dec())
	}
	if c := s.Covered(rng(15, 34)); !c.Eq(tag(10)) {
		t.Fatalf("partial covered: have %s, want 10", c.Dec())
	}
	x := s.Intersect(rng(15, 34))
	if x.Len() != 2 {
		t.Fatalf("intersect interval count: %d", x.Len())
	}
	total, full := x.Total()
	if full || !total.Eq(tag(10)) {
		t.Fatalf("intersect total: %s", total.Dec())
	}
}

func TestTagRangeSetFetch(t *testing.T) {
	s := NewTagRangeSet()
	s.Merge(rng(10, 99))
	iv, ok := s.Fetch(tag(30))
	if !ok {
		t.Fatalf("fetch failed")
	}
	if !iv.First.Eq(tag(10)) || !iv.Last.Eq(tag(39)) {
		t.Fatalf("fetch clipped wrong: %s", iv)
	}
	if s.Contains(tag(39)) {
		t.Fatalf("fetched range still in set")
	}
	if !s.Contains(tag(40)) {
		t.Fatalf("remainder lost")
	}
	// Unbounded fetch drains the head interval.
	iv, ok = s.Fetch(nil)
	if !ok || !iv.First.Eq(tag(40)) || !iv.Last.Eq(tag(99)) {
		t.Fatalf("unbounded fetch: %s ok=%v", iv, ok)
	}
	if _, ok := s.Fetch(nil); ok {
		t.Fatalf("fetch from empty set succeeded")
	}
}

func TestTagRangeSetGeGt(t *testing.T) {
	s := NewTagRangeSet()
	s.Merge(rng(10, 19))
	s.Merge(rng(30, 39))
	if iv, ok := s.Ge(tag(0)); !ok || !iv.First.Eq(tag(10)) {
		t.Fatalf("ge(0): %s ok=%v", iv, ok)
	}
	if iv, ok := s.Ge(tag(15)); !ok || !iv.First.Eq(tag(15)) || !iv.Last.Eq(tag(19)) {
		t.Fatalf("ge(15): %s", iv)
	}
	if iv, ok := s.Gt(tag(19)); !ok || !iv.First.Eq(tag(30)) {
		t.Fatalf("gt(19): %s", iv)
	}
	if _, ok := s.Ge(tag(40)); ok {
		t.Fatalf("ge past the end succeeded")
	}
}

func TestTagRangeSetFullFactor(t *testing.T) {
	s := NewFullTagRangeSet()
	if !s.IsFull() {
		t.Fatalf("full set not full")
	}
	if f := s.FullFactor(); f != 1.0 {
		t.Fatalf("full factor: %f", f)
	}
	// Remove the top half.
	var mid uint256.Int
	mid.SetAllOne()
	mid.Rsh(&mid, 1)
	var midNext uint256.Int
	midNext.AddUint64(&mid, 1)
	var top uint256.Int
	top.SetAllOne()
	s.Reduce(MakeTagRange(&midNext, &top))
	if f := s.FullFactor(); f < 0.49 || f > 0.51 {
		t.Fatalf("half factor: %f", f)
	}
	if NewTagRangeSet().FullFactor() != 0 {
		t.Fatalf("empty factor not zero")
	}
}

// TestLeaseConservation checks the accounting invariant: processed plus
// unprocessed plus outstanding leases always adds up to the full space.
func TestLeaseConservation(t *testing.T) {
	b := NewSnapRangeBatch()
	var leases []TagRange
	maxLen := new(uint256.Int).SetAllOne()
	maxLen.Rsh(maxLen, 3) // 1/8 of the space per lease

	for i := 0; i < 5; i++ {
		iv, ok := b.checkOut(maxLen)
		if !ok {
			t.Fatalf("checkout %d failed", i)
		}
		leases = append(leases, iv)
	}
	// Resolve leases in mixed ways: return, process, process, return...
	for i, iv := range leases {
		if i%2 == 0 {
			b.putBack(iv)
		} else {
			b.markProcessed(iv)
		}
	}
	var total uint256.Int
	overflowed := false
	add := func(s *TagRangeSet) {
		n, full := s.Total()
		if full {
			overflowed = true
			return
		}
		if _, ov := total.AddOverflow(&total, &n); ov {
			overflowed = true
		}
	}
	add(b.Processed)
	add(b.Unprocessed[0])
	add(b.Unprocessed[1])
	// Everything was returned or processed, so the sets must cover the
	// whole space: the sum overflows 2^256 exactly to zero.
	if !overflowed || !total.IsZero() {
		t.Fatalf("conservation broken: total=%s overflow=%v", total.Dec(), overflowed)
	}
}

func TestHashTagRoundtrip(t *testing.T) {
	h := types.HexToHash("0x1a00000000000000000000000000000000000000000000000000000000000000")
	tg := TagFromHash(h)
	if HashFromTag(&tg) != h {
		t.Fatalf("hash/tag roundtrip broken")
	}
}
