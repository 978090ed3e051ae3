package stm

import (
	"errors"

	"github.com/joshuapare/stmkit/internal/format"
	"github.com/joshuapare/stmkit/stm/alloc"
)

// Address space:
//
//	[0, NurseryStart)             unused, so Nil never names an object
//	[NurseryStart, nurseryEnd)    nursery; every segment has its own bytes
//	[oldStart, heapEnd)           old space, shared and page-privatizable

func (r *Runtime) inNursery(ref Ref) bool {
	return uint64(ref) >= format.NurseryStart && uint64(ref) < r.nurseryEnd
}

func (r *Runtime) inOld(ref Ref) bool {
	return uint64(ref) >= r.oldStart && uint64(ref) < r.heapEnd
}

func (r *Runtime) granule(ref Ref) int {
	return int((uint64(ref) - r.oldStart) >> format.GranuleShift)
}

func (r *Runtime) checkRef(ref Ref) error {
	if (r.inNursery(ref) || r.inOld(ref)) && uint64(ref)&format.GranuleMask == 0 {
		return nil
	}
	return ErrInvalidRef
}

func (r *Runtime) nurseryOff(addr uint64) int { return int(addr - format.NurseryStart) }

func (r *Runtime) loadU64(view int, addr uint64) uint64 {
	if addr < r.nurseryEnd {
		return format.ReadU64(r.segments[view].nursery, r.nurseryOff(addr))
	}
	return r.pages.ReadU64(view, addr)
}

func (r *Runtime) storeU64(view int, addr uint64, v uint64) {
	if addr < r.nurseryEnd {
		format.PutU64(r.segments[view].nursery, r.nurseryOff(addr), v)
		return
	}
	r.pages.WriteU64(view, addr, v)
}

func (r *Runtime) loadU32(view int, addr uint64) uint32 {
	if addr < r.nurseryEnd {
		return format.ReadU32(r.segments[view].nursery, r.nurseryOff(addr))
	}
	return r.pages.ReadU32(view, addr)
}

func (r *Runtime) storeU32(view int, addr uint64, v uint32) {
	if addr < r.nurseryEnd {
		format.PutU32(r.segments[view].nursery, r.nurseryOff(addr), v)
		return
	}
	r.pages.WriteU32(view, addr, v)
}

func (r *Runtime) loadBytes(view int, addr uint64, dst []byte) {
	if addr < r.nurseryEnd {
		off := r.nurseryOff(addr)
		copy(dst, r.segments[view].nursery[off:off+len(dst)])
		return
	}
	r.pages.Read(view, addr, dst)
}

func (r *Runtime) storeBytes(view int, addr uint64, src []byte) {
	if addr < r.nurseryEnd {
		copy(r.segments[view].nursery[r.nurseryOff(addr):], src)
		return
	}
	r.pages.Write(view, addr, src)
}

func (r *Runtime) flags(view int, ref Ref) uint32 {
	return r.loadU32(view, uint64(ref)+format.FlagsOffset)
}

func (r *Runtime) setFlags(view int, ref Ref, f uint32) {
	r.storeU32(view, uint64(ref)+format.FlagsOffset, f)
}

func (r *Runtime) overflowNumber(view int, ref Ref) uint32 {
	return r.loadU32(view, uint64(ref)+format.OverflowOffset)
}

func (r *Runtime) setOverflowNumber(view int, ref Ref, n uint32) {
	r.storeU32(view, uint64(ref)+format.OverflowOffset, n)
}

func (r *Runtime) objectView(view int, ref Ref) ObjectView {
	return ObjectView{rt: r, view: view, ref: ref}
}

// sizeOf returns the granule-aligned size of ref in view.
func (r *Runtime) sizeOf(view int, ref Ref) int {
	return format.Align16(r.host.SizeOf(r.objectView(view, ref)))
}

// allocOld carves size bytes out of the large-object allocator, growing the
// arena as needed. Exhausting the reservation is fatal.
func (r *Runtime) allocOld(size int) Ref {
	for {
		off, err := r.arena.Alloc(size)
		if err == nil {
			if r.arena.UsedBytes() > r.majorThreshold.Load() {
				r.majorRequested.Store(true)
			}
			return Ref(r.oldStart + uint64(off))
		}
		if !errors.Is(err, alloc.ErrNoSpace) {
			r.fatal("allocate old object", err)
		}
		cur := r.arena.Size()
		if cur >= r.arena.Capacity() {
			r.fatal("allocate old object", err)
		}
		next := min(max(cur*2, cur+int64(format.AlignPage(size+2*alloc.TagSize))), r.arena.Capacity())
		if err := r.arena.Grow(next); err != nil {
			r.fatal("grow old space", err)
		}
		r.logger.Debug("old space grown", "from", cur, "to", next)
	}
}

// freeOld releases an old object.
func (r *Runtime) freeOld(ref Ref) {
	if err := r.arena.Free(int64(uint64(ref) - r.oldStart)); err != nil {
		r.fatal("free old object", err)
	}
}

// privatizeObject makes every page of [ref, ref+size) private to seg and
// records the write.
func (r *Runtime) privatizeObject(seg *segment, ref Ref, size int) {
	r.pages.PrivatizeRange(seg.num, uint64(ref), size)
	seg.dirty.Add(uint64(ref), size)
}
