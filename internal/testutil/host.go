// Package testutil provides a small host object model, object helpers and
// test-sized runtime options for tests and examples.
//
// Three object types are supported:
//
//	Node      32 bytes: header | next Ref | value u64
//	RefArray  header | length u64 | length Refs (card-capable)
//	Blob      header | length u64 | length bytes
package testutil

import (
	"fmt"

	"github.com/joshuapare/stmkit/stm"
)

// Host type ids.
const (
	TypeNode     uint32 = 1
	TypeRefArray uint32 = 2
	TypeBlob     uint32 = 3
)

// Field offsets.
const (
	NodeNext  = stm.HeaderSize
	NodeValue = stm.HeaderSize + 8
	NodeSize  = stm.HeaderSize + 16

	ArrayLen   = stm.HeaderSize
	ArrayItems = stm.HeaderSize + 8

	BlobLen  = stm.HeaderSize
	BlobData = stm.HeaderSize + 8
)

// Host implements stm.Host for the three test types.
type Host struct{}

var _ stm.Host = Host{}

// SizeOf implements stm.Host.
func (Host) SizeOf(obj stm.ObjectView) int {
	switch id := obj.TypeID(); id {
	case TypeNode:
		return NodeSize
	case TypeRefArray:
		return ArrayItems + 8*int(obj.U64(ArrayLen))
	case TypeBlob:
		return BlobData + int(obj.U64(BlobLen))
	default:
		panic(fmt.Sprintf("testutil: unknown type %d at %v", id, obj.Ref()))
	}
}

// Trace implements stm.Host.
func (h Host) Trace(obj stm.ObjectView, visit func(off int)) {
	switch obj.TypeID() {
	case TypeNode:
		visit(NodeNext)
	case TypeRefArray:
		h.TraceItems(obj, 0, int(obj.U64(ArrayLen)), visit)
	}
}

// CardLayout implements stm.Host.
func (Host) CardLayout(obj stm.ObjectView) (base, stride int, ok bool) {
	if obj.TypeID() != TypeRefArray {
		return 0, 0, false
	}
	return ArrayItems, 8, true
}

// TraceItems implements stm.Host.
func (Host) TraceItems(obj stm.ObjectView, start, stop int, visit func(off int)) {
	if obj.TypeID() != TypeRefArray {
		return
	}
	for i := start; i < stop; i++ {
		visit(ArrayItems + 8*i)
	}
}
