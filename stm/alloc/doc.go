// Package alloc implements the old-generation allocator of the transactional
// heap: a segregated free-list allocator with boundary tags over one
// contiguous arena.
//
// # Chunk Layout
//
// Every chunk starts with a 16-byte tag followed by its data:
//
//	0x00  prevSize  uint64
//	0x08  size      uint64  (data bytes, excluding the tag)
//	0x10  data ...
//
// prevSize encodes the state of the chunk and its lower neighbour:
//
//	0              both this chunk and the previous one are in use
//	1              this chunk is free (the previous one is then in use)
//	n > 1          the previous chunk is free and holds n data bytes
//
// The arena ends with a marker chunk whose size is EndMarker. Free neighbours
// are merged on Free by reading the tags, never by scanning.
//
// # Bins
//
// Free chunks live in 84 bins. Small sizes get one bin per 64 bytes, larger
// sizes progressively wider bins (see binIndex). Each bin is a doubly linked
// list. Freed chunks are pushed at the front unsorted; a bin is sorted by
// exact size the first time a search walks it.
//
// # Usage
//
//	a := alloc.New(shared, initial, lock)
//	off, err := a.Alloc(48)
//	if errors.Is(err, alloc.ErrNoSpace) {
//	    _ = a.Grow(a.Size() * 2)
//	}
//	a.Free(off)
//
// # Thread Safety
//
// Every method takes the Locker passed to New, so an Arena may be shared by
// all segments. The same lock guards any other writer of the arena bytes.
package alloc
