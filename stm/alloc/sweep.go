package alloc

import "fmt"

// Walk visits every chunk in address order with its data offset, data size
// and state until fn returns false. fn must not call back into the arena.
func (a *Arena) Walk(fn func(off, size int64, free bool) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := int64(0); !a.isEnd(c); c = a.nextChunk(c) {
		if !fn(c+TagSize, a.chunkSize(c), a.prevSize(c) == thisChunkFree) {
			return
		}
	}
}

// Sweep frees every allocated chunk for which keep returns false and
// returns the number of chunks and data bytes released. keep must not call
// back into the arena.
func (a *Arena) Sweep(keep func(off, size int64) bool) (int, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		chunks int
		bytes  int64
	)
	for c := int64(0); !a.isEnd(c); {
		size := a.chunkSize(c)
		if a.prevSize(c) == thisChunkFree || keep(c+TagSize, size) {
			c = a.nextChunk(c)
			continue
		}
		merged, err := a.free(c + TagSize)
		if err != nil {
			panic(fmt.Sprintf("alloc: sweep: %v", err))
		}
		chunks++
		bytes += size
		c = a.nextChunk(merged)
	}
	return chunks, bytes
}

// Verify checks the boundary tags and the free lists: every free chunk is
// binned exactly once, no two free chunks are adjacent, and the chunk data
// plus tags add up to the arena size.
func (a *Arena) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verify()
}

func (a *Arena) verify() error {
	var (
		total     int64
		freeSeen  int
		used      int64
		usedCount int
		prevFree  bool
		prevSize  int64
	)
	c := int64(0)
	for !a.isEnd(c) {
		if c < 0 || c > a.size-TagSize {
			return fmt.Errorf("%w: chunk %#x outside arena", ErrCorrupt, c)
		}
		size := a.chunkSize(c)
		ps := a.prevSize(c)
		free := ps == thisChunkFree
		switch {
		case size < MinData || size%16 != 0:
			return fmt.Errorf("%w: chunk %#x has size %d", ErrCorrupt, c, size)
		case prevFree && free:
			return fmt.Errorf("%w: adjacent free chunks at %#x", ErrCorrupt, c)
		case prevFree && ps != prevSize:
			return fmt.Errorf("%w: chunk %#x prevSize %d, want %d", ErrCorrupt, c, ps, prevSize)
		case !prevFree && !free && ps != bothChunksUsed:
			return fmt.Errorf("%w: chunk %#x prevSize %d, want 0", ErrCorrupt, c, ps)
		}
		if free {
			fc, ok := a.byOff[c]
			if !ok || fc.size != size || fc.bin != binIndex(size) {
				return fmt.Errorf("%w: free chunk %#x not binned", ErrCorrupt, c)
			}
			freeSeen++
		} else {
			used += size
			usedCount++
		}
		total += TagSize + size
		prevFree, prevSize = free, size
		c += TagSize + size
	}
	end := a.size - TagSize
	if c != end || a.chunkSize(end) != EndMarker {
		return fmt.Errorf("%w: end marker at %#x, walk ended at %#x", ErrCorrupt, end, c)
	}
	if ps := a.prevSize(end); (prevFree && ps != prevSize) || (!prevFree && ps != bothChunksUsed) {
		return fmt.Errorf("%w: end marker prevSize %d", ErrCorrupt, ps)
	}
	if total+TagSize != a.size {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", ErrCorrupt, total+TagSize, a.size)
	}
	if freeSeen != len(a.byOff) {
		return fmt.Errorf("%w: %d free chunks walked, %d indexed", ErrCorrupt, freeSeen, len(a.byOff))
	}
	binned := 0
	for i := range a.bins {
		binned += a.bins[i].count
	}
	if binned != freeSeen {
		return fmt.Errorf("%w: %d free chunks binned, %d walked", ErrCorrupt, binned, freeSeen)
	}
	if used != a.stats.UsedBytes || usedCount != a.stats.UsedChunks {
		return fmt.Errorf("%w: used %d/%d chunks, stats say %d/%d",
			ErrCorrupt, used, usedCount, a.stats.UsedBytes, a.stats.UsedChunks)
	}
	return nil
}
