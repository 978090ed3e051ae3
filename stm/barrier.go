package stm

import (
	"time"

	"github.com/joshuapare/stmkit/internal/format"
)

// ReadBarrier records that the transaction read obj. Reads through the Load
// accessors run it implicitly.
func (tx *Tx) ReadBarrier(obj Ref) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	return tx.readBarrier(obj)
}

func (tx *Tx) readBarrier(obj Ref) error {
	r := tx.rt
	if err := r.checkRef(obj); err != nil {
		return err
	}
	if r.inOld(obj) {
		r.tables.MarkRead(tx.seg.num, r.granule(obj), tx.seg.readVersion)
	}
	return nil
}

// WriteBarrier prepares obj for modification: a committed object is locked
// for the transaction and copied into the segment's private pages. Stores
// through the accessors run it implicitly.
func (tx *Tx) WriteBarrier(obj Ref) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	return tx.writeBarrier(obj)
}

func (tx *Tx) writeBarrier(obj Ref) error {
	r := tx.rt
	s := tx.seg
	if err := r.checkRef(obj); err != nil {
		return err
	}
	if r.inNursery(obj) {
		return nil
	}
	f := r.flags(s.num, obj)
	if f&format.FlagWriteBarrier == 0 {
		return nil
	}
	if err := tx.acquire(obj, f); err != nil {
		return err
	}
	r.setFlags(s.num, obj, r.flags(s.num, obj)&^format.FlagWriteBarrier)
	s.pointingToNursery = append(s.pointingToNursery, obj)
	return nil
}

// WriteBarrierCard prepares item index of obj for modification. Objects
// below Options.CardThreshold, or without a card layout, take the plain
// write barrier. Larger ones only get the card holding the item marked, so
// the next minor collection traces that card instead of the whole object.
func (tx *Tx) WriteBarrierCard(obj Ref, index int) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	return tx.writeBarrierCard(obj, index)
}

func (tx *Tx) writeBarrierCard(obj Ref, index int) error {
	r := tx.rt
	s := tx.seg
	if err := r.checkRef(obj); err != nil {
		return err
	}
	if r.inNursery(obj) {
		return nil
	}
	f := r.flags(s.num, obj)
	if f&format.FlagWriteBarrier == 0 {
		return nil
	}
	size := r.sizeOf(s.num, obj)
	nitems, ok := tx.cardItems(obj, size)
	if !ok {
		return tx.writeBarrier(obj)
	}
	if index < 0 || index >= nitems {
		return ErrInvalidRef
	}
	if err := tx.acquire(obj, f); err != nil {
		return err
	}
	ncards := (nitems + r.opts.CardItems - 1) / r.opts.CardItems
	if s.setCard(obj, index/r.opts.CardItems, ncards) {
		s.cardObjects = append(s.cardObjects, obj)
		r.setFlags(s.num, obj, r.flags(s.num, obj)|format.FlagCardsSet)
	}
	return nil
}

// cardItems returns the item count of a card-marked object.
func (tx *Tx) cardItems(obj Ref, size int) (int, bool) {
	r := tx.rt
	if size < r.opts.CardThreshold {
		return 0, false
	}
	base, stride, ok := r.host.CardLayout(r.objectView(tx.seg.num, obj))
	if !ok || stride <= 0 || base >= size {
		return 0, false
	}
	return (size - base) / stride, true
}

// acquire makes obj writable by tx: the transaction's own overflow objects
// already are, anything else is locked and privatized on first use.
func (tx *Tx) acquire(obj Ref, f uint32) error {
	r := tx.rt
	s := tx.seg
	if f&format.FlagOverflow != 0 && r.overflowNumber(s.num, obj) == tx.overflowNum {
		return nil
	}
	g := r.granule(obj)
	for {
		holder, ok := r.tables.TryLock(g, s.owner)
		if ok {
			r.privatizeObject(s, obj, r.sizeOf(s.num, obj))
			s.modified = append(s.modified, obj)
			return nil
		}
		if holder == s.owner {
			return nil
		}
		if err := tx.writeConflict(g, holder); err != nil {
			return err
		}
	}
}

// writeConflict arbitrates a write-write conflict on granule g, held by
// holder. A nil return means the lock should be tried again.
func (tx *Tx) writeConflict(g int, holder uint8) error {
	r := tx.rt
	s := tx.seg
	r.mu.Lock()
	other := r.segments[holder-1]
	if other.tx == nil || r.tables.LockOwner(g) != holder {
		r.mu.Unlock()
		return nil
	}
	c := Conflict{Kind: WriteWrite, Attacker: r.txInfo(tx), Defender: r.txInfo(other.tx)}
	switch r.arbitrate(c) {
	case AbortAttacker:
		r.mu.Unlock()
		return tx.abortWith(AbortWriteWrite, "", nil)
	case AbortDefender:
		if err := r.stopTheWorld(s); err != nil {
			r.mu.Unlock()
			return tx.abortWith(AbortWriteWrite, "", nil)
		}
		if other.tx != nil && !other.rolledBack && r.tables.LockOwner(g) == holder {
			r.doomLocked(other, AbortWriteWrite, "")
		}
		r.resumeWorld()
		r.mu.Unlock()
		return nil
	default:
		err := tx.waitLocked(func() bool {
			return r.tables.LockOwner(g) != holder
		}, time.Now().Add(r.opts.ContentionWait))
		r.mu.Unlock()
		if err != nil {
			return tx.failWait(err, AbortWriteWrite, "")
		}
		return nil
	}
}
