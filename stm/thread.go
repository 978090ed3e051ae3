package stm

import "sync"

// ThreadLocal is the per-goroutine state of a registered thread: the shadow
// stack of roots and one local object slot. Only the owning goroutine may
// modify it.
type ThreadLocal struct {
	rt *Runtime
	id int

	mu         sync.Mutex // held by collections while they read or rewrite roots
	stack      []Ref
	local      Ref
	savedStack []Ref
	savedLocal Ref

	// guarded by Runtime.mu
	tx      *Tx
	lastSeg int
	active  bool
}

// ID returns the registration number of the thread.
func (tl *ThreadLocal) ID() int { return tl.id }

// Push appends ref to the shadow stack.
func (tl *ThreadLocal) Push(ref Ref) {
	tl.mu.Lock()
	tl.stack = append(tl.stack, ref)
	tl.mu.Unlock()
}

// Pop removes and returns the top of the shadow stack. It panics on an
// empty stack.
func (tl *ThreadLocal) Pop() Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	n := len(tl.stack)
	if n == 0 {
		panic("stm: shadow stack underflow")
	}
	ref := tl.stack[n-1]
	tl.stack = tl.stack[:n-1]
	return ref
}

// At returns slot i of the shadow stack, counted from the bottom.
func (tl *ThreadLocal) At(i int) Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.stack[i]
}

// Set overwrites slot i of the shadow stack.
func (tl *ThreadLocal) Set(i int, ref Ref) {
	tl.mu.Lock()
	tl.stack[i] = ref
	tl.mu.Unlock()
}

// Len returns the shadow stack depth.
func (tl *ThreadLocal) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.stack)
}

// Truncate drops every slot above n.
func (tl *ThreadLocal) Truncate(n int) {
	tl.mu.Lock()
	tl.stack = tl.stack[:n]
	tl.mu.Unlock()
}

// Local returns the thread-local object slot.
func (tl *ThreadLocal) Local() Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.local
}

// SetLocal replaces the thread-local object slot.
func (tl *ThreadLocal) SetLocal(ref Ref) {
	tl.mu.Lock()
	tl.local = ref
	tl.mu.Unlock()
}

// snapshot saves the roots as of transaction start.
func (tl *ThreadLocal) snapshot() {
	tl.mu.Lock()
	tl.savedStack = append(tl.savedStack[:0], tl.stack...)
	tl.savedLocal = tl.local
	tl.mu.Unlock()
}

// restore puts the roots back to the transaction-start snapshot.
func (tl *ThreadLocal) restore() {
	tl.mu.Lock()
	tl.stack = append(tl.stack[:0], tl.savedStack...)
	tl.local = tl.savedLocal
	tl.mu.Unlock()
}

// forEachRoot calls fn with every root slot, current and saved. fn may
// rewrite the slot.
func (tl *ThreadLocal) forEachRoot(current, saved bool, fn func(*Ref)) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if current {
		for i := range tl.stack {
			fn(&tl.stack[i])
		}
		fn(&tl.local)
	}
	if saved {
		for i := range tl.savedStack {
			fn(&tl.savedStack[i])
		}
		fn(&tl.savedLocal)
	}
}
