package stm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/stmkit/internal/format"
	"github.com/joshuapare/stmkit/internal/mmfile"
	"github.com/joshuapare/stmkit/internal/shadow"
	"github.com/joshuapare/stmkit/stm/alloc"
	"github.com/joshuapare/stmkit/stm/pages"
)

// Runtime owns the heap, the segments and the registered threads.
type Runtime struct {
	opts     Options
	host     Host
	logger   *slog.Logger
	metrics  *metrics
	counters counters

	nurseryEnd uint64
	oldStart   uint64
	heapEnd    uint64

	releaseOld func() error
	pages      *pages.Table
	arena      *alloc.Arena
	tables     *shadow.Tables
	segments   []*segment

	mu           sync.Mutex
	cond         *sync.Cond
	stwRequested atomic.Bool
	stwOwner     *segment // guarded by mu

	// guarded by mu
	inevitable   *Tx
	threads      map[*ThreadLocal]struct{}
	nextThread   int
	nextStamp    uint64
	nextOverflow uint32
	prebuilt     []Ref
	log          *commitLog
	closed       bool

	majorThreshold atomic.Int64
	majorRequested atomic.Bool
}

// New reserves the heap and builds a runtime. A nil opts uses DefaultOptions.
func New(host Host, opts *Options) (*Runtime, error) {
	if host == nil {
		return nil, errors.New("stm: nil host")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		opts:         o,
		host:         host,
		logger:       o.Logger,
		metrics:      newMetrics(o.Registerer),
		nurseryEnd:   format.NurseryStart + uint64(o.NurserySize),
		threads:      make(map[*ThreadLocal]struct{}),
		nextOverflow: 1,
		log:          newCommitLog(),
	}
	r.cond = sync.NewCond(&r.mu)
	r.oldStart = uint64(format.AlignPage(int(r.nurseryEnd)))
	r.heapEnd = r.oldStart + uint64(o.OldSpaceSize)
	r.majorThreshold.Store(o.MajorMinThreshold)

	old, release, err := mmfile.Reserve(int(o.OldSpaceSize))
	if err != nil {
		return nil, fmt.Errorf("stm: reserve old space: %w", err)
	}
	r.releaseOld = release
	r.pages = pages.New(old, r.oldStart, o.Segments)
	r.arena, err = alloc.New(old, o.InitialArena, r.pages.SharedLocker())
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("stm: old-space arena: %w", err)
	}
	r.tables, err = shadow.New(uint64(o.OldSpaceSize), o.Segments)
	if err != nil {
		_ = release()
		return nil, err
	}
	for i := range o.Segments {
		s, err := newSegment(i, o.NurserySize, r.oldStart)
		if err != nil {
			_ = r.release()
			return nil, fmt.Errorf("stm: nursery for segment %d: %w", i, err)
		}
		s.seenLog = r.log.head
		r.segments = append(r.segments, s)
	}

	r.logger.Debug("runtime started",
		"segments", o.Segments,
		"nursery", o.NurserySize,
		"old_space", o.OldSpaceSize,
		"policy", fmt.Sprintf("%T", o.Policy))
	return r, nil
}

func (r *Runtime) release() error {
	var errs []error
	for _, s := range r.segments {
		errs = append(errs, s.releaseNursery())
	}
	if r.tables != nil {
		errs = append(errs, r.tables.Close())
	}
	errs = append(errs, r.releaseOld())
	return errors.Join(errs...)
}

// Close releases the heap. It fails while transactions are running.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	for _, s := range r.segments {
		if s.tx != nil {
			r.mu.Unlock()
			return fmt.Errorf("stm: close with segment %d in a transaction", s.num)
		}
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	r.logger.Debug("runtime closed", "revision", r.Revision())
	return r.release()
}

// Host returns the object-layout callbacks the runtime was built with.
func (r *Runtime) Host() Host { return r.host }

// RegisterThread creates the root set of a new participating thread.
func (r *Runtime) RegisterThread() *ThreadLocal {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextThread++
	tl := &ThreadLocal{rt: r, id: r.nextThread, lastSeg: -1, active: true}
	r.threads[tl] = struct{}{}
	return tl
}

// UnregisterThread drops a thread's roots. A running transaction of the
// thread is aborted first.
func (r *Runtime) UnregisterThread(tl *ThreadLocal) {
	r.mu.Lock()
	tx := tl.tx
	r.mu.Unlock()
	if tx != nil {
		_ = tx.Abort()
	}
	r.mu.Lock()
	delete(r.threads, tl)
	tl.active = false
	r.mu.Unlock()
}

// AllocatePrebuilt allocates a permanent object outside any transaction.
// Prebuilt objects are always roots and start write-protected, so they are
// initialized and modified through transactions like any committed object.
func (r *Runtime) AllocatePrebuilt(size int, typeID uint32) (Ref, error) {
	size = format.Align16(max(size, format.HeaderSize))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Nil, ErrClosed
	}
	_ = r.stopTheWorld(nil)
	defer r.resumeWorld()

	ref := r.allocOld(size)
	buf := make([]byte, size)
	format.PutU32(buf, format.FlagsOffset, format.FlagWriteBarrier|format.FlagPrebuilt)
	format.PutU64(buf, format.WordOffset, uint64(typeID))
	r.pages.Broadcast(uint64(ref), buf)
	r.prebuilt = append(r.prebuilt, ref)
	return ref, nil
}

// Collect runs a major collection from outside any transaction.
func (r *Runtime) Collect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	_ = r.stopTheWorld(nil)
	r.majorCollectLocked()
	r.resumeWorld()
	return nil
}

// CheckInvariants stops the world and verifies the bookkeeping: the
// allocator tags, that a page is private to a segment exactly when the
// segment has written to it, and that every write lock belongs to an object
// in its owner's modified list.
func (r *Runtime) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.stopTheWorld(nil)
	defer r.resumeWorld()
	return r.checkLocked()
}

func (r *Runtime) checkLocked() error {
	if err := r.arena.Verify(); err != nil {
		return err
	}
	for _, s := range r.segments {
		if !s.active() {
			if n := r.pages.PrivateCount(s.num); n != 0 {
				return fmt.Errorf("stm: idle segment %d holds %d private pages", s.num, n)
			}
			if n := r.tables.LockedBy(s.owner); n != 0 {
				return fmt.Errorf("stm: idle segment %d holds %d write locks", s.num, n)
			}
			continue
		}
		private := r.pages.PrivatePages(s.num)
		written := s.dirty.Pages()
		if len(private) != len(written) {
			return fmt.Errorf("stm: segment %d has %d private pages but wrote %d", s.num, len(private), len(written))
		}
		for i := range private {
			if private[i] != written[i] {
				return fmt.Errorf("stm: segment %d page %d private without a write", s.num, private[i])
			}
		}
		for _, obj := range s.modified {
			if owner := r.tables.LockOwner(r.granule(obj)); owner != s.owner {
				return fmt.Errorf("stm: modified object %v of segment %d locked by %d", obj, s.num, owner)
			}
		}
		if n := r.tables.LockedBy(s.owner); n != len(s.modified) {
			return fmt.Errorf("stm: segment %d holds %d locks for %d modified objects", s.num, n, len(s.modified))
		}
	}
	return nil
}

// fatal logs and panics with a *FatalError.
func (r *Runtime) fatal(op string, err error) {
	r.logger.Error("fatal runtime condition", "op", op, "err", err)
	panic(&FatalError{Op: op, Err: err})
}

// pickSegment returns a free segment, preferring the thread's previous one.
// Requires mu.
func (r *Runtime) pickSegment(tl *ThreadLocal) *segment {
	if tl.lastSeg >= 0 && r.segments[tl.lastSeg].tx == nil {
		return r.segments[tl.lastSeg]
	}
	for _, s := range r.segments {
		if s.tx == nil {
			return s
		}
	}
	return nil
}

