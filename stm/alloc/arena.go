package alloc

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/stmkit/internal/format"
)

// Debug flag - set to true to verify the arena after every mutation (compile-time toggle).
const debugAlloc = false

// Runtime debug flag for allocation logging - controlled by STM_LOG_ALLOC env var.
var logAlloc = os.Getenv("STM_LOG_ALLOC") != ""

const (
	// TagSize is the size of the boundary tag in front of every chunk.
	TagSize = 16

	// MinData is the smallest data size handed out.
	MinData = 32

	// minChunk is the smallest split remainder worth keeping: a tag plus MinData.
	minChunk = TagSize + MinData

	// EndMarker is the size field of the terminating chunk.
	EndMarker = 0xDEADBEEF

	bothChunksUsed = 0
	thisChunkFree  = 1

	prevSizeOff = 0
	sizeOff     = 8
)

// Arena is the boundary-tag allocator over data[:size].
type Arena struct {
	mu   sync.Locker
	data []byte
	size int64

	bins  [NumBins]bin
	byOff map[int64]*freeChunk
	pool  sync.Pool

	stats arenaStats
}

type arenaStats struct {
	AllocCalls       int
	FreeCalls        int
	SplitCount       int
	CoalesceForward  int
	CoalesceBackward int
	UsedBytes        int64
	UsedChunks       int
}

// New creates an arena over the first size bytes of data, which must stay
// reserved for the arena's lifetime. Growth is bounded by len(data).
// A nil locker uses a private mutex.
func New(data []byte, size int64, locker sync.Locker) (*Arena, error) {
	if locker == nil {
		locker = &sync.Mutex{}
	}
	if size%format.Granule != 0 || size < 2*TagSize+MinData || size > int64(len(data)) {
		return nil, fmt.Errorf("alloc: invalid arena size %d (capacity %d): %w", size, len(data), ErrNoSpace)
	}
	a := &Arena{
		mu:    locker,
		data:  data,
		size:  size,
		byOff: make(map[int64]*freeChunk, 256),
		pool: sync.Pool{
			New: func() any { return &freeChunk{} },
		},
	}
	for i := range a.bins {
		a.bins[i].init()
	}

	// One free chunk covering everything up to the end marker.
	first := int64(0)
	firstSize := size - 2*TagSize
	a.setPrevSize(first, thisChunkFree)
	a.setSize(first, firstSize)
	a.writeEndMarker(size-TagSize, firstSize)
	a.insert(first, firstSize)
	return a, nil
}

func (a *Arena) prevSize(c int64) int64 { return int64(format.ReadU64(a.data, int(c)+prevSizeOff)) }
func (a *Arena) chunkSize(c int64) int64 {
	return int64(format.ReadU64(a.data, int(c)+sizeOff))
}
func (a *Arena) setPrevSize(c, v int64) { format.PutU64(a.data, int(c)+prevSizeOff, uint64(v)) }
func (a *Arena) setSize(c, v int64)     { format.PutU64(a.data, int(c)+sizeOff, uint64(v)) }

func (a *Arena) writeEndMarker(c, prev int64) {
	a.setPrevSize(c, prev)
	a.setSize(c, EndMarker)
}

func (a *Arena) nextChunk(c int64) int64 { return c + TagSize + a.chunkSize(c) }

func (a *Arena) isEnd(c int64) bool { return c == a.size-TagSize }

func (a *Arena) insert(off, size int64) {
	fc := a.pool.Get().(*freeChunk)
	*fc = freeChunk{off: off, size: size, bin: binIndex(size)}
	a.bins[fc.bin].pushFront(fc)
	a.byOff[off] = fc
}

func (a *Arena) unlink(fc *freeChunk) {
	a.bins[fc.bin].remove(fc)
	delete(a.byOff, fc.off)
	a.pool.Put(fc)
}

// Size returns the current arena size in bytes, tags included.
func (a *Arena) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Capacity returns the largest size the arena can grow to.
func (a *Arena) Capacity() int64 { return int64(len(a.data)) }

// Alloc returns the data offset of a chunk of at least n bytes. The chunk
// contents are not cleared.
func (a *Arena) Alloc(n int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n)
}

func (a *Arena) alloc(n int) (int64, error) {
	a.stats.AllocCalls++
	need := int64(max(format.Align16(n), MinData))

	var fc *freeChunk
	idx := binIndex(need)
	fc = a.bins[idx].firstFit(need)
	for i := idx + 1; fc == nil && i < NumBins; i++ {
		if !a.bins[i].empty() {
			a.bins[i].sort()
			fc = a.bins[i].head.next
		}
	}
	if fc == nil {
		if logAlloc {
			fmt.Fprintf(os.Stderr, "[ALLOC] no fit: need=%d arena=%d used=%d\n", need, a.size, a.stats.UsedBytes)
		}
		return 0, ErrNoSpace
	}

	c, have := fc.off, fc.size
	a.unlink(fc)

	if rest := have - need; rest >= minChunk {
		a.stats.SplitCount++
		tail := c + TagSize + need
		tailSize := rest - TagSize
		a.setSize(c, need)
		a.setPrevSize(tail, thisChunkFree)
		a.setSize(tail, tailSize)
		a.setPrevSize(a.nextChunk(tail), tailSize)
		a.insert(tail, tailSize)
		have = need
	} else {
		a.setPrevSize(c+TagSize+have, bothChunksUsed)
	}
	a.setPrevSize(c, bothChunksUsed)

	a.stats.UsedBytes += have
	a.stats.UsedChunks++
	if debugAlloc {
		a.mustVerify("alloc")
	}
	return c + TagSize, nil
}

// Free releases the chunk whose data starts at off.
func (a *Arena) Free(off int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.free(off)
	return err
}

// free returns the tag offset of the merged free chunk.
func (a *Arena) free(off int64) (int64, error) {
	c := off - TagSize
	if c < 0 || off%format.Granule != 0 || c >= a.size-TagSize {
		return 0, fmt.Errorf("%w: %#x", ErrBadRef, off)
	}
	if a.prevSize(c) == thisChunkFree {
		return 0, fmt.Errorf("%w: %#x", ErrNotAllocated, off)
	}
	a.stats.FreeCalls++
	size := a.chunkSize(c)
	a.stats.UsedBytes -= size
	a.stats.UsedChunks--

	if ps := a.prevSize(c); ps > thisChunkFree {
		prev := c - TagSize - ps
		a.unlink(a.byOff[prev])
		size += TagSize + ps
		c = prev
		a.stats.CoalesceBackward++
	}
	if next := c + TagSize + size; !a.isEnd(next) && a.prevSize(next) == thisChunkFree {
		ns := a.chunkSize(next)
		a.unlink(a.byOff[next])
		size += TagSize + ns
		a.stats.CoalesceForward++
	}

	a.setPrevSize(c, thisChunkFree)
	a.setSize(c, size)
	a.setPrevSize(c+TagSize+size, size)
	a.insert(c, size)
	if debugAlloc {
		a.mustVerify("free")
	}
	return c, nil
}

// ChunkSize returns the data size of the allocated chunk at off.
func (a *Arena) ChunkSize(off int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunkSize(off - TagSize)
}

// Grow extends the arena to at least newSize bytes. It is a no-op when the
// arena is already that large, so concurrent callers may race on it.
func (a *Arena) Grow(newSize int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if newSize <= a.size {
		return nil
	}
	return a.resize(newSize)
}

// Resize grows or shrinks the arena at its high end. Shrinking only cuts
// into a free tail chunk and fails with ErrShrink otherwise.
func (a *Arena) Resize(newSize int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resize(newSize)
}

func (a *Arena) resize(newSize int64) error {
	switch {
	case newSize%format.Granule != 0:
		return fmt.Errorf("alloc: unaligned arena size %d", newSize)
	case newSize == a.size:
		return nil
	case newSize > int64(len(a.data)):
		return fmt.Errorf("alloc: grow to %d exceeds capacity %d: %w", newSize, len(a.data), ErrNoSpace)
	case newSize > a.size:
		return a.grow(newSize)
	default:
		return a.shrink(newSize)
	}
}

func (a *Arena) grow(newSize int64) error {
	if newSize-a.size < minChunk {
		newSize = a.size + minChunk
		if newSize > int64(len(a.data)) {
			return ErrNoSpace
		}
	}
	// The old end marker becomes the tag of a used chunk that is then freed
	// so it merges with a free predecessor.
	old := a.size - TagSize
	a.size = newSize
	a.setSize(old, newSize-TagSize-(old+TagSize))
	a.writeEndMarker(newSize-TagSize, bothChunksUsed)
	a.stats.UsedBytes += a.chunkSize(old)
	a.stats.UsedChunks++
	_, err := a.free(old + TagSize)
	return err
}

func (a *Arena) shrink(newSize int64) error {
	end := a.size - TagSize
	ps := a.prevSize(end)
	if ps <= thisChunkFree {
		return ErrShrink
	}
	tail := end - TagSize - ps
	newEnd := newSize - TagSize
	if newEnd < tail+minChunk {
		return fmt.Errorf("%w: need %d, free tail starts at %d", ErrShrink, newSize, tail)
	}
	fc := a.byOff[tail]
	a.unlink(fc)
	tailSize := newEnd - tail - TagSize
	a.setSize(tail, tailSize)
	a.writeEndMarker(newEnd, tailSize)
	a.size = newSize
	a.insert(tail, tailSize)
	return nil
}

// TrailingFree returns how many bytes a Resize could cut from the end.
func (a *Arena) TrailingFree() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.prevSize(a.size - TagSize)
	if ps <= thisChunkFree {
		return 0
	}
	return ps - MinData
}

func (a *Arena) mustVerify(op string) {
	if err := a.verify(); err != nil {
		panic(fmt.Sprintf("alloc: after %s: %v", op, err))
	}
}
