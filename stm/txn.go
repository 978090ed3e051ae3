package stm

import (
	"context"
	"errors"
	"time"

	"github.com/joshuapare/stmkit/internal/format"
)

type txState int

const (
	txNone txState = iota
	txRegular
	txInevitable
)

// Tx is one attempt of a transaction, bound to a segment until it commits
// or aborts. A Tx belongs to the goroutine of its thread and must not be
// shared.
type Tx struct {
	rt  *Runtime
	tl  *ThreadLocal
	seg *segment
	ctx context.Context

	state       txState
	stamp       uint64
	attempt     int
	overflowNum uint32
	allocated   int // nursery bytes allocated, across minor collections

	onCommit []func()
	onAbort  []func()
}

// StartTransaction binds tl to a free segment and starts a transaction.
// It blocks while the world is stopped or every segment is busy; ctx bounds
// that wait and every later contention wait of a regular transaction.
func (r *Runtime) StartTransaction(ctx context.Context, tl *ThreadLocal) (*Tx, error) {
	return r.start(ctx, tl, 0)
}

func (r *Runtime) start(ctx context.Context, tl *ThreadLocal, attempt int) (*Tx, error) {
	if tl == nil || tl.rt != r {
		return nil, ErrUnregistered
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !tl.active {
		return nil, ErrUnregistered
	}
	if tl.tx != nil {
		return nil, ErrThreadBusy
	}

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()
	var s *segment
	for {
		if r.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.stwRequested.Load() {
			if s = r.pickSegment(tl); s != nil {
				break
			}
		}
		r.cond.Wait()
	}

	if s.readVersion == 0xff {
		r.tables.ResetReadMarkers(s.num)
		s.readVersion = 0
	}
	s.readVersion++
	r.nextStamp++
	tx := &Tx{
		rt:          r,
		tl:          tl,
		seg:         s,
		ctx:         ctx,
		state:       txRegular,
		stamp:       r.nextStamp,
		attempt:     attempt,
		overflowNum: r.nextOverflow,
	}
	r.nextOverflow++
	if r.nextOverflow == 0 {
		r.nextOverflow = 1
	}

	s.tx = tx
	s.rolledBack = false
	s.doomed.Store(false)
	s.running.Store(false)
	s.seenLog = r.log.head
	tl.tx = tx
	tl.lastSeg = s.num
	tl.snapshot()

	r.logger.Debug("transaction started",
		"thread", tl.id, "segment", s.num, "stamp", tx.stamp, "attempt", attempt)
	return tx, nil
}

// Segment returns the number of the bound segment.
func (tx *Tx) Segment() int { return tx.seg.num }

// Thread returns the thread running the transaction.
func (tx *Tx) Thread() *ThreadLocal { return tx.tl }

// Attempt returns how many aborted attempts preceded this one.
func (tx *Tx) Attempt() int { return tx.attempt }

// Inevitable reports whether the transaction became inevitable.
func (tx *Tx) Inevitable() bool { return tx.state == txInevitable }

// Done reports whether the transaction has committed or aborted.
func (tx *Tx) Done() bool { return tx.state == txNone }

// OnCommit registers fn to run after a successful commit.
func (tx *Tx) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// OnAbort registers fn to run after the transaction rolls back.
func (tx *Tx) OnAbort(fn func()) { tx.onAbort = append(tx.onAbort, fn) }

// ShouldBreak reports whether the transaction has allocated past the fill
// mark of its segment. Long transactions should commit and start a new one
// when it returns true. The mark halves after each consecutive abort.
func (tx *Tx) ShouldBreak() bool {
	if tx.state == txNone {
		return false
	}
	return tx.allocated+tx.seg.nurseryUsed > tx.seg.fillMark
}

// Commit makes the transaction's writes visible to every segment.
func (tx *Tx) Commit() error {
	if err := tx.enter(); err != nil {
		return err
	}
	r := tx.rt
	s := tx.seg

	tx.minorCollect(true)

	r.mu.Lock()
	if err := r.stopTheWorld(s); err != nil {
		r.mu.Unlock()
		return tx.abortWith(AbortExplicit, "", nil)
	}
	if err := tx.validateLocked(); err != nil {
		if r.stwOwner == s {
			r.resumeWorld()
		}
		r.mu.Unlock()
		return tx.failWait(err, AbortWriteRead, "")
	}

	r.assertCommittedLocked(s)
	written := r.publishLocked(s)
	r.log.append(s.num, written)
	r.metrics.privatePages.Set(float64(r.pages.TotalPrivate()))
	r.pages.ReshareAll(s.num)
	s.clearTxLists()
	s.resetNursery()
	s.seenLog = r.log.head
	s.consecutiveAborts = 0
	s.fillMark = len(s.nursery)

	if r.majorRequested.Load() {
		r.majorCollectLocked()
	}
	r.resumeWorld()
	callbacks := tx.onCommit
	revision := r.log.head.Revision
	r.finishLocked(tx)
	r.mu.Unlock()

	r.counters.commits.Add(1)
	r.metrics.commits.Inc()
	r.logger.Debug("transaction committed",
		"segment", s.num, "revision", revision, "written", len(written))
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Validate is a safe point for transactions that run long without calling
// other Tx methods. It returns the abort of a transaction another segment
// rolled back, and otherwise catches the segment up with the commit log so
// that major collections can compact it.
func (tx *Tx) Validate() error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	r := tx.rt
	r.mu.Lock()
	n := r.catchUpLocked(tx.seg)
	r.mu.Unlock()
	r.logger.Debug("transaction validated", "segment", tx.seg.num, "published", n)
	return nil
}

// validateLocked resolves the write-read conflicts of the modified objects
// against every other running segment. Requires mu and the world stopped by
// tx; on a nil return the world is still stopped.
func (tx *Tx) validateLocked() error {
	r := tx.rt
	s := tx.seg
	for {
		defender := r.readConflictLocked(s)
		if defender == nil {
			return nil
		}
		c := Conflict{Kind: WriteRead, Attacker: r.txInfo(tx), Defender: r.txInfo(defender.tx)}
		switch r.arbitrate(c) {
		case AbortDefender:
			r.doomLocked(defender, AbortWriteRead, "")
		case AbortAttacker:
			return errWaitTimeout
		case WaitDefender:
			d := defender.tx
			r.resumeWorld()
			err := tx.waitLocked(func() bool {
				return defender.tx != d || defender.rolledBack
			}, time.Now().Add(r.opts.ContentionWait))
			if err != nil {
				return err
			}
			if err := r.stopTheWorld(s); err != nil {
				return err
			}
		}
	}
}

// readConflictLocked returns a running segment that read one of s's
// modified objects in its current transaction.
func (r *Runtime) readConflictLocked(s *segment) *segment {
	for _, obj := range s.modified {
		g := r.granule(obj)
		for _, o := range r.segments {
			if o == s || !o.active() {
				continue
			}
			if r.tables.ReadVersion(o.num, g) == o.readVersion {
				return o
			}
		}
	}
	return nil
}

// publishLocked copies every object s wrote into the shared view, write
// protects it and releases its lock. It returns the modified objects.
// Requires the world stopped.
func (r *Runtime) publishLocked(s *segment) []Ref {
	written := make([]Ref, 0, len(s.modified))
	for _, obj := range s.modified {
		f := r.flags(s.num, obj)
		r.setFlags(s.num, obj, (f|format.FlagWriteBarrier)&^format.FlagCardsSet)
		r.pages.Publish(s.num, uint64(obj), r.sizeOf(s.num, obj))
		r.tables.Unlock(r.granule(obj), s.owner)
		written = append(written, obj)
	}
	for _, obj := range s.overflow {
		f := r.flags(s.num, obj)
		r.setFlags(s.num, obj, (f|format.FlagWriteBarrier)&^(format.FlagOverflow|format.FlagCardsSet))
		r.setOverflowNumber(s.num, obj, 0)
		r.pages.Publish(s.num, uint64(obj), r.sizeOf(s.num, obj))
	}
	for _, obj := range s.committedYoung {
		r.pages.Publish(s.num, uint64(obj), r.sizeOf(s.num, obj))
	}
	return written
}

// Abort rolls the transaction back and returns the resulting *AbortError.
func (tx *Tx) Abort() error {
	if tx.state == txNone {
		return ErrNotInTransaction
	}
	return tx.abortWith(AbortExplicit, "", nil)
}

// failWait turns a failed wait into an abort.
func (tx *Tx) failWait(err error, kind AbortKind, reason string) error {
	switch {
	case errors.Is(err, errDoomed), errors.Is(err, errWaitTimeout):
		return tx.abortWith(kind, reason, nil)
	default:
		return tx.abortWith(AbortCanceled, reason, err)
	}
}

// abortWith rolls back the segment unless another segment already did and
// finishes the transaction. A doomed segment reports the doomer's kind.
// Requires that the caller neither holds mu nor stops the world.
func (tx *Tx) abortWith(kind AbortKind, reason string, cause error) error {
	r := tx.rt
	s := tx.seg
	r.mu.Lock()
	if tx.state == txNone {
		r.mu.Unlock()
		return ErrNotInTransaction
	}
	s.running.Store(false)
	for r.stwBlocks(s) {
		r.cond.Broadcast()
		r.cond.Wait()
	}
	if s.rolledBack {
		kind, reason, cause = s.doomKind, s.doomReason, nil
	} else {
		r.rollbackSegment(s)
	}
	tx.tl.restore()
	s.consecutiveAborts++
	s.fillMark = max(len(s.nursery)>>min(s.consecutiveAborts, 8), format.PageSize)
	attempt := tx.attempt
	callbacks := tx.onAbort
	r.finishLocked(tx)
	r.mu.Unlock()

	r.counters.aborts[kind].Add(1)
	r.metrics.aborts.WithLabelValues(kind.String()).Inc()
	r.logger.Debug("transaction aborted",
		"segment", s.num, "kind", kind.String(), "reason", reason, "attempt", attempt)
	for _, fn := range callbacks {
		fn()
	}
	return &AbortError{Kind: kind, Reason: reason, Attempt: attempt, cause: cause}
}

// rollbackSegment undoes every effect of the segment's transaction on the
// heap. Requires mu and the segment parked.
func (r *Runtime) rollbackSegment(s *segment) {
	for _, obj := range s.overflow {
		r.freeOld(obj)
	}
	for obj := range s.youngOutside {
		r.freeOld(obj)
	}
	for _, obj := range s.committedYoung {
		r.freeOld(obj)
	}
	for _, obj := range s.modified {
		r.tables.Unlock(r.granule(obj), s.owner)
	}
	r.pages.ReshareAll(s.num)
	s.resetNursery()
	s.clearTxLists()
	s.rolledBack = true
}

// doomLocked rolls back a parked segment on behalf of its owner, who will
// notice at its next safe point. Requires mu and the world stopped.
func (r *Runtime) doomLocked(o *segment, kind AbortKind, reason string) {
	r.rollbackSegment(o)
	o.doomKind, o.doomReason = kind, reason
	o.doomed.Store(true)
	r.logger.Debug("segment doomed", "segment", o.num, "kind", kind.String())
	r.cond.Broadcast()
}

// finishLocked unbinds tx from its segment and thread. Requires mu.
func (r *Runtime) finishLocked(tx *Tx) {
	s := tx.seg
	r.releaseWorldLocked(s)
	s.tx = nil
	s.rolledBack = false
	s.doomed.Store(false)
	s.running.Store(false)
	if r.inevitable == tx {
		r.inevitable = nil
	}
	tx.allocated = 0
	tx.tl.tx = nil
	tx.state = txNone
	r.cond.Broadcast()
}

// BecomeInevitable waits until no other transaction is inevitable and no
// commit is in progress, then makes tx inevitable: from here on it is never
// aborted by contention and ignores its context.
func (tx *Tx) BecomeInevitable(reason string) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if tx.state == txInevitable {
		return nil
	}
	r := tx.rt
	r.mu.Lock()
	for r.inevitable != nil || r.stwBlocks(tx.seg) {
		if cur := r.inevitable; cur != nil {
			c := Conflict{Kind: Inevitable, Attacker: r.txInfo(tx), Defender: r.txInfo(cur)}
			if r.arbitrate(c) == AbortAttacker {
				r.mu.Unlock()
				return tx.abortWith(AbortInevitable, reason, nil)
			}
		}
		err := tx.waitLocked(func() bool { return r.inevitable == nil }, time.Time{})
		if err != nil {
			r.mu.Unlock()
			return tx.failWait(err, AbortInevitable, reason)
		}
	}
	r.inevitable = tx
	tx.state = txInevitable
	r.mu.Unlock()

	r.metrics.inevitableTxs.Inc()
	r.logger.Debug("transaction inevitable", "segment", tx.seg.num, "reason", reason)
	return nil
}

// Collect runs a minor collection, and a major one as well for level 1.
func (tx *Tx) Collect(level int) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	tx.minorCollect(false)
	if level < 1 {
		return nil
	}
	r := tx.rt
	r.mu.Lock()
	if err := r.stopTheWorld(tx.seg); err != nil {
		r.mu.Unlock()
		return tx.abortWith(AbortExplicit, "", nil)
	}
	r.majorCollectLocked()
	r.resumeWorld()
	r.mu.Unlock()
	return nil
}
