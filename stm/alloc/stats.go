package alloc

// Stats is a snapshot of arena accounting.
type Stats struct {
	Size       int64 // arena bytes, tags included
	Capacity   int64 // reserved bytes the arena may grow into
	UsedBytes  int64 // data bytes of allocated chunks
	UsedChunks int
	FreeBytes  int64 // data bytes of free chunks
	FreeChunks int

	AllocCalls       int
	FreeCalls        int
	SplitCount       int
	CoalesceForward  int
	CoalesceBackward int
}

// Stats returns current arena statistics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Size:             a.size,
		Capacity:         int64(len(a.data)),
		UsedBytes:        a.stats.UsedBytes,
		UsedChunks:       a.stats.UsedChunks,
		FreeChunks:       len(a.byOff),
		AllocCalls:       a.stats.AllocCalls,
		FreeCalls:        a.stats.FreeCalls,
		SplitCount:       a.stats.SplitCount,
		CoalesceForward:  a.stats.CoalesceForward,
		CoalesceBackward: a.stats.CoalesceBackward,
	}
	for _, fc := range a.byOff {
		s.FreeBytes += fc.size
	}
	return s
}

// UsedBytes returns the data bytes of allocated chunks.
func (a *Arena) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.UsedBytes
}
