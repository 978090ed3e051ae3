package alloc

import "errors"

var (
	// ErrNoSpace indicates that no free chunk is large enough.
	ErrNoSpace = errors.New("alloc: no free chunk large enough")

	// ErrBadRef indicates an offset that is not the data of a chunk.
	ErrBadRef = errors.New("alloc: bad chunk reference")

	// ErrNotAllocated indicates a Free of a chunk that is already free.
	ErrNotAllocated = errors.New("alloc: chunk is not allocated")

	// ErrShrink indicates a Resize that would cut into used chunks.
	ErrShrink = errors.New("alloc: arena tail is not free")

	// ErrCorrupt is returned by Verify when the boundary tags disagree.
	ErrCorrupt = errors.New("alloc: arena corrupt")
)
