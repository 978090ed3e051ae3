package dirty

import (
	"sort"

	"github.com/joshuapare/stmkit/internal/format"
)

// defaultRangeCapacity is the pre-allocated capacity for written ranges.
const defaultRangeCapacity = 64

// Range is a written byte range in heap addresses.
type Range struct {
	Addr uint64
	Len  uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Addr + r.Len }

// Tracker accumulates written ranges of one segment.
//
// NOT thread-safe.
type Tracker struct {
	base     uint64 // address of page 0 for Pages
	ranges   []Range
	merged   []Range // cached coalesce result, nil when stale
	pageSize uint64
}

// NewTracker creates a tracker whose page indexes are relative to base.
func NewTracker(base uint64) *Tracker {
	return &Tracker{
		base:     base,
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: format.PageSize,
	}
}

// Add records a written range. It only appends; merging happens on demand.
func (t *Tracker) Add(addr uint64, length int) {
	if length <= 0 {
		return
	}
	t.ranges = append(t.ranges, Range{Addr: addr, Len: uint64(length)})
	t.merged = nil
}

// Empty reports whether nothing has been recorded since the last Reset.
func (t *Tracker) Empty() bool {
	return len(t.ranges) == 0
}

// Reset clears all tracked ranges.
func (t *Tracker) Reset() {
	t.ranges = t.ranges[:0]
	t.merged = nil
}

// Ranges returns the page-aligned, sorted, merged ranges.
// The result is shared with the tracker until the next Add or Reset.
func (t *Tracker) Ranges() []Range {
	if t.merged == nil && len(t.ranges) > 0 {
		t.merged = t.coalesce()
	}
	return t.merged
}

// Pages returns the indexes (relative to base) of every written page in
// ascending order.
func (t *Tracker) Pages() []int {
	var pages []int
	for _, r := range t.Ranges() {
		for a := r.Addr; a < r.End(); a += t.pageSize {
			pages = append(pages, int((a-t.base)/t.pageSize))
		}
	}
	return pages
}

// Touches reports whether any recorded range covers page (relative to base).
func (t *Tracker) Touches(page int) bool {
	addr := t.base + uint64(page)*t.pageSize
	merged := t.Ranges()
	i := sort.Search(len(merged), func(i int) bool { return merged[i].End() > addr })
	return i < len(merged) && merged[i].Addr <= addr
}

// DebugRanges returns a copy of the raw, uncoalesced ranges.
func (t *Tracker) DebugRanges() []Range {
	result := make([]Range, len(t.ranges))
	copy(result, t.ranges)
	return result
}

// coalesce page-aligns all ranges, sorts them, and merges overlapping or
// adjacent ranges.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := r.Addr &^ (t.pageSize - 1)
		end := (r.End() + t.pageSize - 1) &^ (t.pageSize - 1)
		aligned[i] = Range{Addr: start, Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Addr < aligned[j].Addr
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Addr <= current.End() {
			if next.End() > current.End() {
				current.Len = next.End() - current.Addr
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
