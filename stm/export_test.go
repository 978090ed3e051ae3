package stm

// WorldStopped reports whether a stop of the world is requested or running.
func (r *Runtime) WorldStopped() bool { return r.stwRequested.Load() }

// InNursery reports whether ref is a young nursery address.
func (r *Runtime) InNursery(ref Ref) bool { return r.inNursery(ref) }

// LockHolder returns the segment holding the write lock of ref, or -1.
func (r *Runtime) LockHolder(ref Ref) int { return int(r.tables.LockOwner(r.granule(ref))) - 1 }
