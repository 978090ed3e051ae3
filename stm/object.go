package stm

import (
	"fmt"

	"github.com/joshuapare/stmkit/internal/format"
)

// Ref is the address of an object in the transactional heap.
type Ref uint64

// Nil is the null reference.
const Nil Ref = 0

func (r Ref) String() string { return fmt.Sprintf("%#x", uint64(r)) }

// Host describes the layout of heap objects. All offsets are relative to
// the object start, so the payload begins at HeaderSize. Callbacks run on
// runtime goroutines, sometimes with the world stopped, and must not call
// back into the runtime.
type Host interface {
	// SizeOf returns the object size in bytes, header included.
	SizeOf(obj ObjectView) int

	// Trace calls visit with the offset of every reference field.
	Trace(obj ObjectView, visit func(off int))

	// CardLayout reports where the items of a variable-sized object start
	// and how far apart they are. ok is false for objects without items.
	CardLayout(obj ObjectView) (base, stride int, ok bool)

	// TraceItems calls visit for the reference fields of items [start, stop).
	TraceItems(obj ObjectView, start, stop int, visit func(off int))
}

// HeaderSize is the size of the object header preceding the payload.
const HeaderSize = format.HeaderSize

// ObjectView reads one object through one segment's view of the heap.
type ObjectView struct {
	rt   *Runtime
	view int
	ref  Ref
}

// Ref returns the viewed object.
func (v ObjectView) Ref() Ref { return v.ref }

// TypeID returns the host type id stored in the header.
func (v ObjectView) TypeID() uint32 {
	return uint32(v.rt.loadU64(v.view, uint64(v.ref)+format.WordOffset))
}

// U64 reads the word at off.
func (v ObjectView) U64(off int) uint64 { return v.rt.loadU64(v.view, uint64(v.ref)+uint64(off)) }

// U32 reads the 32-bit value at off.
func (v ObjectView) U32(off int) uint32 { return v.rt.loadU32(v.view, uint64(v.ref)+uint64(off)) }

// RefAt reads the reference at off.
func (v ObjectView) RefAt(off int) Ref { return Ref(v.U64(off)) }
