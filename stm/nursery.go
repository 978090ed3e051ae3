package stm

import (
	"github.com/joshuapare/stmkit/internal/format"
)

// Allocate returns a zeroed object of size bytes, header included, tagged
// with typeID. Small objects are bump-allocated in the segment's nursery;
// objects above Options.LargeObjectSize go straight to old space but stay
// young until the next minor collection.
//
// A full nursery triggers a minor collection, which moves every surviving
// young object. Only references held in the thread's roots are updated, so
// callers must push young references before the next Allocate.
func (tx *Tx) Allocate(size int, typeID uint32) (Ref, error) {
	if err := tx.enter(); err != nil {
		return Nil, err
	}
	defer tx.exit()
	r := tx.rt
	s := tx.seg
	size = format.Align16(max(size, HeaderSize))
	if size > r.opts.LargeObjectSize {
		return tx.allocateOutside(size, typeID), nil
	}
	if s.nurseryUsed+size > len(s.nursery) {
		tx.minorCollect(false)
	}
	off := s.nurseryUsed
	s.nurseryUsed += size
	// Young objects keep their allocated size in the overflow slot, so the
	// nursery can be walked before the host fields are initialized.
	format.PutU32(s.nursery, off+format.OverflowOffset, uint32(size))
	format.PutU64(s.nursery, off+format.WordOffset, uint64(typeID))
	return Ref(format.NurseryStart + uint64(off)), nil
}

// allocateOutside places a large young object in old space.
func (tx *Tx) allocateOutside(size int, typeID uint32) Ref {
	r := tx.rt
	s := tx.seg
	ref := r.allocOld(size)
	r.privatizeObject(s, ref, size)
	r.pages.Zero(s.num, uint64(ref), size)
	r.storeU64(s.num, uint64(ref)+format.WordOffset, uint64(typeID))
	s.youngOutside[ref] = struct{}{}
	return ref
}

// minorState is one minor collection in progress.
type minorState struct {
	tx         *Tx
	committing bool
	queue      []Ref
	copied     int
}

// minorCollect empties the nursery of tx's segment. Survivors are copied
// into old space and large young objects that are still reachable stay in
// place; both become overflow objects of the transaction, or are queued for
// publication when committing. Runs inside a Tx method, so the segment is
// running and the world cannot be stopped meanwhile.
func (tx *Tx) minorCollect(committing bool) {
	r := tx.rt
	s := tx.seg
	m := &minorState{tx: tx, committing: committing}

	// Cards first: an object whose write barrier has been cleared since is
	// traced whole below.
	for _, obj := range s.cardObjects {
		f := r.flags(s.num, obj)
		if f&format.FlagWriteBarrier != 0 {
			m.traceCards(obj)
		}
		r.setFlags(s.num, obj, r.flags(s.num, obj)&^format.FlagCardsSet)
	}
	for _, obj := range s.pointingToNursery {
		m.traceObject(obj)
		r.setFlags(s.num, obj, r.flags(s.num, obj)|format.FlagWriteBarrier)
	}
	tx.tl.forEachRoot(true, false, func(p *Ref) {
		*p = m.forward(*p)
	})
	for len(m.queue) > 0 {
		obj := m.queue[len(m.queue)-1]
		m.queue = m.queue[:len(m.queue)-1]
		m.traceObject(obj)
	}

	dead := 0
	for obj := range s.youngOutside {
		r.freeOld(obj)
		dead++
	}
	used := s.nurseryUsed
	tx.allocated += used
	s.resetNursery()
	s.pointingToNursery = s.pointingToNursery[:0]
	s.cardObjects = s.cardObjects[:0]
	clear(s.cards)
	clear(s.youngOutside)

	r.counters.minor.Add(1)
	r.counters.copiedBytes.Add(uint64(m.copied))
	r.metrics.minor.Inc()
	r.metrics.copiedBytes.Add(float64(m.copied))
	r.logger.Debug("minor collection",
		"segment", s.num, "nursery_used", used, "copied", m.copied,
		"large_freed", dead, "committing", committing)
}

// traceObject rewrites every young reference held by obj.
func (m *minorState) traceObject(obj Ref) {
	r := m.tx.rt
	view := m.tx.seg.num
	r.host.Trace(r.objectView(view, obj), func(off int) {
		m.fix(obj, off)
	})
}

// traceCards rewrites the young references in the marked cards of obj.
func (m *minorState) traceCards(obj Ref) {
	r := m.tx.rt
	s := m.tx.seg
	view := r.objectView(s.num, obj)
	nitems, ok := m.tx.cardItems(obj, r.sizeOf(s.num, obj))
	if !ok {
		m.traceObject(obj)
		return
	}
	per := r.opts.CardItems
	for c := 0; c*per < nitems; c++ {
		if !s.cardMarked(obj, c) {
			continue
		}
		r.host.TraceItems(view, c*per, min((c+1)*per, nitems), func(off int) {
			m.fix(obj, off)
		})
	}
}

func (m *minorState) fix(obj Ref, off int) {
	r := m.tx.rt
	view := m.tx.seg.num
	addr := uint64(obj) + uint64(off)
	old := Ref(r.loadU64(view, addr))
	if nref := m.forward(old); nref != old {
		r.storeU64(view, addr, uint64(nref))
	}
}

// forward returns where a young object lives after the collection, moving
// it on first sight. Old references are returned unchanged.
func (m *minorState) forward(ref Ref) Ref {
	r := m.tx.rt
	s := m.tx.seg
	switch {
	case ref == Nil:
		return Nil
	case r.inNursery(ref):
		off := r.nurseryOff(uint64(ref))
		if format.ReadU32(s.nursery, off+format.FlagsOffset)&format.FlagMoved != 0 {
			return Ref(format.ReadU64(s.nursery, off+format.WordOffset))
		}
		size := int(format.ReadU32(s.nursery, off+format.OverflowOffset))
		nref := r.allocOld(size)
		r.privatizeObject(s, nref, size)
		r.pages.Write(s.num, uint64(nref), s.nursery[off:off+size])
		m.survive(nref)
		format.PutU32(s.nursery, off+format.FlagsOffset, format.FlagMoved)
		format.PutU64(s.nursery, off+format.WordOffset, uint64(nref))
		m.copied += size
		return nref
	default:
		if _, young := s.youngOutside[ref]; young {
			delete(s.youngOutside, ref)
			m.survive(ref)
		}
		return ref
	}
}

// survive tags a young object that now lives in old space and queues it for
// tracing.
func (m *minorState) survive(ref Ref) {
	r := m.tx.rt
	s := m.tx.seg
	if m.committing {
		r.setFlags(s.num, ref, format.FlagWriteBarrier)
		r.setOverflowNumber(s.num, ref, 0)
		s.committedYoung = append(s.committedYoung, ref)
	} else {
		r.setFlags(s.num, ref, format.FlagWriteBarrier|format.FlagOverflow)
		r.setOverflowNumber(s.num, ref, m.tx.overflowNum)
		s.overflow = append(s.overflow, ref)
	}
	m.queue = append(m.queue, ref)
}
