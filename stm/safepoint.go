package stm

import (
	"context"
	"time"
)

// Stopping the world
//
// A segment is running while one of its Tx methods executes. The stopping
// goroutine publishes stwRequested under mu and then waits until no other
// segment is running. Tx methods set running before they look at
// stwRequested and clear it before they notify, so one of the two sides
// always sees the other. The world stays stopped for as long as the owner
// holds mu.

// wake broadcasts the runtime condition.
func (r *Runtime) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// stwBlocks reports whether a stop requested by someone else is pending.
// Requires mu.
func (r *Runtime) stwBlocks(s *segment) bool {
	return r.stwRequested.Load() && r.stwOwner != s
}

func (r *Runtime) othersRunning(self *segment) bool {
	for _, s := range r.segments {
		if s != self && s.running.Load() {
			return true
		}
	}
	return false
}

// stopTheWorld parks every other segment at a safe point. self is the
// caller's segment or nil outside transactions. Requires mu; returns
// errDoomed when self is rolled back while waiting for another stop.
func (r *Runtime) stopTheWorld(self *segment) error {
	if self != nil && self.holdsWorld {
		return nil
	}
	for r.stwRequested.Load() {
		if self != nil {
			self.running.Store(false)
			if self.doomed.Load() {
				return errDoomed
			}
		}
		r.cond.Broadcast()
		r.cond.Wait()
	}
	if self != nil && self.doomed.Load() {
		return errDoomed
	}
	r.stwRequested.Store(true)
	r.stwOwner = self
	if self != nil {
		self.running.Store(true)
	}
	start := time.Now()
	for r.othersRunning(self) {
		r.cond.Wait()
	}
	r.metrics.stwSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// resumeWorld ends a stop unless its owner holds it. Requires mu.
func (r *Runtime) resumeWorld() {
	if o := r.stwOwner; o != nil && o.holdsWorld {
		return
	}
	r.stwRequested.Store(false)
	r.stwOwner = nil
	r.cond.Broadcast()
}

// StopOthers makes tx inevitable and then parks every other segment at its
// next safe point until ResumeOthers or the end of tx. Transactions cannot
// start meanwhile, so without ResumeOthers tx is the only transaction
// running for the rest of its life.
func (tx *Tx) StopOthers(reason string) error {
	if err := tx.BecomeInevitable(reason); err != nil {
		return err
	}
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	r := tx.rt
	s := tx.seg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.holdsWorld {
		return nil
	}
	// An inevitable transaction is never doomed.
	_ = r.stopTheWorld(s)
	s.holdsWorld = true
	r.logger.Debug("other segments stopped", "segment", s.num, "reason", reason)
	return nil
}

// ResumeOthers ends a stop taken by StopOthers. tx stays inevitable.
func (tx *Tx) ResumeOthers() {
	if tx.state == txNone {
		return
	}
	r := tx.rt
	r.mu.Lock()
	r.releaseWorldLocked(tx.seg)
	r.mu.Unlock()
}

// releaseWorldLocked ends the stop s holds, if any. Requires mu.
func (r *Runtime) releaseWorldLocked(s *segment) {
	if !s.holdsWorld {
		return
	}
	s.holdsWorld = false
	r.resumeWorld()
	r.logger.Debug("other segments resumed", "segment", s.num)
}

// enter marks the transaction's segment running. It is the safe point every
// Tx method goes through.
func (tx *Tx) enter() error {
	if tx.state == txNone {
		return ErrNotInTransaction
	}
	s := tx.seg
	s.running.Store(true)
	if !tx.rt.stwRequested.Load() && !s.doomed.Load() {
		return nil
	}
	s.running.Store(false)
	return tx.enterSlow()
}

func (tx *Tx) enterSlow() error {
	r := tx.rt
	s := tx.seg
	r.mu.Lock()
	for {
		if s.doomed.Load() {
			r.mu.Unlock()
			return tx.abortWith(AbortExplicit, "", nil)
		}
		if !r.stwBlocks(s) {
			s.running.Store(true)
			r.mu.Unlock()
			return nil
		}
		r.cond.Wait()
	}
}

// exit parks the segment again at the end of a Tx method.
func (tx *Tx) exit() {
	if tx.state == txNone {
		return
	}
	tx.seg.running.Store(false)
	if tx.rt.stwRequested.Load() {
		tx.rt.wake()
	}
}

// waitLocked parks the segment until ready holds and no foreign stop is
// pending. Requires mu. It fails with errDoomed when the segment is rolled
// back meanwhile, with the context error when the transaction's context
// ends (inevitable transactions ignore it), and with errWaitTimeout once
// deadline passes.
func (tx *Tx) waitLocked(ready func() bool, deadline time.Time) error {
	r := tx.rt
	s := tx.seg
	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), r.wake)
		defer t.Stop()
	}
	if tx.state != txInevitable {
		stop := context.AfterFunc(tx.ctx, r.wake)
		defer stop()
	}
	s.running.Store(false)
	r.cond.Broadcast()
	for {
		if s.doomed.Load() {
			return errDoomed
		}
		if ready() && !r.stwBlocks(s) {
			s.running.Store(true)
			return nil
		}
		if err := tx.ctx.Err(); err != nil && tx.state != txInevitable {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errWaitTimeout
		}
		r.cond.Wait()
	}
}
