// Package stm implements a multi-segment software transactional memory
// runtime with an integrated generational garbage collector.
//
// # Overview
//
// Goroutines register as threads and run isolated transactions over one
// shared object heap. Each running transaction is bound to a segment: a
// private nursery plus a copy-on-write view of old space. Writes to old
// objects take a per-object write lock and land in pages privatized by the
// segment; commit publishes them to every other segment while the world is
// stopped. Conflicting transactions are arbitrated by a contention Policy
// and the loser is rolled back.
//
// # Usage
//
//	rt, err := stm.New(host, stm.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	tl := rt.RegisterThread()
//	defer rt.UnregisterThread(tl)
//
//	err = rt.Atomic(ctx, tl, func(tx *stm.Tx) error {
//	    n, err := tx.LoadU64(counter, 16)
//	    if err != nil {
//	        return err
//	    }
//	    return tx.StoreU64(counter, 16, n+1)
//	})
//
// # Objects and Roots
//
// A Ref is a heap address. Every object starts with a 16-byte header; the
// layout of the payload is described by the Host callbacks. Refs that must
// survive an allocation or a commit have to be kept on the thread's shadow
// stack (ThreadLocal.Push) or in its local slot: a minor collection moves
// young objects and rewrites only those roots, and a major collection frees
// every old object that no root reaches.
//
// # Safe Points
//
// Every Tx method is a safe point. Between Tx calls a thread is considered
// parked, so a transaction that is idle never blocks a commit or a
// collection. Shadow-stack contents may only be changed by the owning
// goroutine.
//
// # Errors
//
// A transaction that loses a conflict returns an *AbortError from whatever
// Tx method noticed it; errors.Is(err, ErrAborted) reports true. The
// transaction is already rolled back at that point and the Tx is dead.
// Resource exhaustion panics with a *FatalError.
package stm
