package shadow

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/stmkit/internal/format"
	"github.com/joshuapare/stmkit/internal/mmfile"
)

// NoOwner is the lock byte of an unlocked granule.
const NoOwner uint8 = 0

// Tables holds the write-lock, read-marker and mark-bit tables for a heap
// whose addresses are below the heapEnd passed to New.
type Tables struct {
	granules int
	locks    []atomic.Uint32 // 4 lock bytes per word
	readers  [][]byte        // per segment, one byte per granule
	marks    []uint64        // one bit per granule
	releases []func() error
}

// New sizes the tables for addresses in [0, heapEnd) and segments segments.
func New(heapEnd uint64, segments int) (*Tables, error) {
	if segments <= 0 || segments > 254 {
		return nil, fmt.Errorf("shadow: segment count %d out of range", segments)
	}
	granules := int((heapEnd + format.GranuleMask) >> format.GranuleShift)
	t := &Tables{
		granules: granules,
		locks:    make([]atomic.Uint32, (granules+3)/4),
		readers:  make([][]byte, segments),
		marks:    make([]uint64, (granules+63)/64),
	}
	for i := range segments {
		data, release, err := mmfile.Reserve(granules)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("shadow: read markers for segment %d: %w", i, err)
		}
		t.readers[i] = data[:granules]
		t.releases = append(t.releases, release)
	}
	return t, nil
}

// Close releases the read-marker mappings.
func (t *Tables) Close() error {
	var errs []error
	for _, release := range t.releases {
		if err := release(); err != nil {
			errs = append(errs, err)
		}
	}
	t.releases = nil
	t.readers = nil
	return errors.Join(errs...)
}

// Granules returns the number of granules covered by the tables.
func (t *Tables) Granules() int {
	return t.granules
}

func lockSlot(g int) (int, uint) {
	return g >> 2, uint(g&3) * 8
}

// LockOwner returns the lock byte of granule g.
func (t *Tables) LockOwner(g int) uint8 {
	w, shift := lockSlot(g)
	return uint8(t.locks[w].Load() >> shift)
}

// TryLock claims granule g for owner. It returns the holder after the call
// and whether this call acquired the lock. A granule already held by owner
// returns (owner, false).
func (t *Tables) TryLock(g int, owner uint8) (uint8, bool) {
	w, shift := lockSlot(g)
	word := &t.locks[w]
	for {
		old := word.Load()
		if cur := uint8(old >> shift); cur != NoOwner {
			return cur, false
		}
		if word.CompareAndSwap(old, old|uint32(owner)<<shift) {
			return owner, true
		}
	}
}

// Unlock releases granule g if it is held by owner and reports whether it was.
func (t *Tables) Unlock(g int, owner uint8) bool {
	w, shift := lockSlot(g)
	word := &t.locks[w]
	for {
		old := word.Load()
		if uint8(old>>shift) != owner {
			return false
		}
		if word.CompareAndSwap(old, old&^(0xff<<shift)) {
			return true
		}
	}
}

// ClearLocks releases every lock in granules [from, to) regardless of owner.
func (t *Tables) ClearLocks(from, to int) {
	for g := from; g < to; g++ {
		w, shift := lockSlot(g)
		word := &t.locks[w]
		for {
			old := word.Load()
			if uint8(old>>shift) == NoOwner || word.CompareAndSwap(old, old&^(0xff<<shift)) {
				break
			}
		}
	}
}

// LockedBy counts the granules currently held by owner. It walks the whole
// table and is meant for invariant checks.
func (t *Tables) LockedBy(owner uint8) int {
	n := 0
	for i := range t.locks {
		word := t.locks[i].Load()
		for word != 0 {
			if uint8(word) == owner {
				n++
			}
			word >>= 8
		}
	}
	return n
}

// MarkRead stamps granule g as read by segment seg at version.
func (t *Tables) MarkRead(seg, g int, version uint8) {
	t.readers[seg][g] = version
}

// ReadVersion returns the read marker of segment seg for granule g.
func (t *Tables) ReadVersion(seg, g int) uint8 {
	return t.readers[seg][g]
}

// ResetReadMarkers zeroes every read marker of segment seg.
func (t *Tables) ResetReadMarkers(seg int) {
	mmfile.Discard(t.readers[seg])
}

// ClearReadMarkers zeroes the read markers of granules [from, to) in every segment.
func (t *Tables) ClearReadMarkers(from, to int) {
	for _, r := range t.readers {
		clear(r[from:to])
	}
}

// Mark sets the mark bit of granule g and reports whether it was clear.
func (t *Tables) Mark(g int) bool {
	w, bit := g>>6, uint64(1)<<(g&63)
	if t.marks[w]&bit != 0 {
		return false
	}
	t.marks[w] |= bit
	return true
}

// IsMarked reports whether the mark bit of granule g is set.
func (t *Tables) IsMarked(g int) bool {
	return t.marks[g>>6]&(uint64(1)<<(g&63)) != 0
}

// MarkedCount returns the number of set mark bits.
func (t *Tables) MarkedCount() int {
	n := 0
	for _, w := range t.marks {
		n += bits.OnesCount64(w)
	}
	return n
}

// ClearMarks resets every mark bit.
func (t *Tables) ClearMarks() {
	clear(t.marks)
}
