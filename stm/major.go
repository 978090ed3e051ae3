package stm

import (
	"time"

	"github.com/joshuapare/stmkit/internal/format"
	"github.com/joshuapare/stmkit/stm/pages"
)

// markItem is an old object waiting to be traced in one segment view.
type markItem struct {
	ref  Ref
	view int
}

// marker walks the old-space object graph with an explicit worklist. Mark
// bits live in the shadow tables, one per granule.
type marker struct {
	r     *Runtime
	work  []markItem
	count int
}

// mark sets the mark bit of an old object and queues it.
func (m *marker) mark(ref Ref, view int) {
	if ref == Nil || !m.r.inOld(ref) {
		return
	}
	if m.r.tables.Mark(m.r.granule(ref)) {
		m.count++
		m.work = append(m.work, markItem{ref: ref, view: view})
	}
}

// scan queues the references held by ref in view, marked or not.
func (m *marker) scan(ref Ref, view int) {
	m.r.host.Trace(m.r.objectView(view, ref), func(off int) {
		m.mark(Ref(m.r.loadU64(view, uint64(ref)+uint64(off))), view)
	})
}

func (m *marker) drain() {
	for len(m.work) > 0 {
		it := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		m.scan(it.ref, it.view)
	}
}

// majorCollectLocked marks old space from every root and sweeps the rest.
// Requires mu and the world stopped.
func (r *Runtime) majorCollectLocked() {
	start := time.Now()
	m := &marker{r: r}

	for _, ref := range r.prebuilt {
		m.mark(ref, pages.Shared)
	}
	for tl := range r.threads {
		view := pages.Shared
		current, saved := true, false
		if tl.tx != nil {
			view = tl.tx.seg.num
			current = !tl.tx.seg.rolledBack
			saved = true
		}
		tl.forEachRoot(current, saved, func(p *Ref) {
			m.mark(*p, view)
		})
	}
	for _, s := range r.segments {
		if !s.active() {
			continue
		}
		for _, obj := range s.modified {
			r.tables.Mark(r.granule(obj))
			m.scan(obj, pages.Shared)
			m.scan(obj, s.num)
		}
		for _, obj := range s.overflow {
			m.mark(obj, s.num)
		}
		for _, obj := range s.committedYoung {
			m.mark(obj, s.num)
		}
		for obj := range s.youngOutside {
			m.mark(obj, s.num)
		}
		r.scanNursery(m, s)
	}
	m.drain()

	before := r.arena.UsedBytes()
	freedChunks, freed := r.arena.Sweep(func(off, size int64) bool {
		g := int(off >> format.GranuleShift)
		if r.tables.IsMarked(g) {
			return true
		}
		end := g + int(size>>format.GranuleShift)
		r.tables.ClearReadMarkers(g, end)
		r.tables.ClearLocks(g, end)
		return false
	})
	r.tables.ClearMarks()

	for _, s := range r.segments {
		if s.tx == nil {
			r.tables.ResetReadMarkers(s.num)
			s.readVersion = 0
		}
	}
	r.log.compact(r.segments)

	live := r.arena.UsedBytes()
	r.majorThreshold.Store(max(int64(float64(live)*r.opts.MajorGrowth), r.opts.MajorMinThreshold))
	r.majorRequested.Store(false)
	r.shrinkArena()

	r.counters.major.Add(1)
	r.counters.freedBytes.Add(uint64(freed))
	r.metrics.major.Inc()
	r.metrics.majorFreed.Add(float64(freed))
	r.metrics.liveBytes.Set(float64(live))
	r.logger.Info("major collection",
		"marked", m.count,
		"before", before,
		"live", live,
		"freed_chunks", freedChunks,
		"freed_bytes", freed,
		"trigger", r.majorThreshold.Load(),
		"duration", time.Since(start))
}

// scanNursery marks the old objects referenced from a segment's nursery,
// walking it object by object in place.
func (r *Runtime) scanNursery(m *marker, s *segment) {
	for off := 0; off < s.nurseryUsed; {
		m.scan(Ref(format.NurseryStart+uint64(off)), s.num)
		off += int(format.ReadU32(s.nursery, off+format.OverflowOffset))
	}
}

// shrinkArena gives back a free arena tail larger than the initial arena.
func (r *Runtime) shrinkArena() {
	tail := r.arena.TrailingFree()
	if tail < r.opts.InitialArena {
		return
	}
	size := r.arena.Size()
	target := max(size-tail/2, r.opts.InitialArena) &^ (format.PageSize - 1)
	if target >= size {
		return
	}
	if err := r.arena.Resize(target); err != nil {
		r.logger.Debug("old space not shrunk", "size", size, "target", target, "err", err)
		return
	}
	r.logger.Debug("old space shrunk", "from", size, "to", target)
}
