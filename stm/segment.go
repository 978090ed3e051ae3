package stm

import (
	"sync/atomic"

	"github.com/joshuapare/stmkit/internal/mmfile"
	"github.com/joshuapare/stmkit/stm/dirty"
)

// segment is one of the fixed transaction slots.
//
// Fields below tx are owned by the bound transaction while its segment is
// running and by the world-stopping goroutine otherwise.
type segment struct {
	num   int
	owner uint8 // write-lock owner byte

	nursery        []byte
	releaseNursery func() error
	nurseryUsed    int
	fillMark       int

	running atomic.Bool // inside a Tx method
	doomed  atomic.Bool // rolled back by another segment, owner must finish

	// guarded by Runtime.mu
	tx         *Tx
	rolledBack bool
	doomKind   AbortKind
	doomReason string
	holdsWorld bool // keeps its stop of the world across Tx methods
	seenLog    *LogEntry

	readVersion uint8

	modified          []Ref
	overflow          []Ref
	youngOutside      map[Ref]struct{}
	pointingToNursery []Ref
	cardObjects       []Ref
	cards             map[Ref][]uint64
	committedYoung    []Ref
	dirty             *dirty.Tracker

	consecutiveAborts int
}

func newSegment(num, nurserySize int, oldStart uint64) (*segment, error) {
	nursery, release, err := mmfile.Reserve(nurserySize)
	if err != nil {
		return nil, err
	}
	return &segment{
		num:            num,
		owner:          uint8(num + 1),
		nursery:        nursery,
		releaseNursery: release,
		fillMark:       nurserySize,
		youngOutside:   make(map[Ref]struct{}),
		cards:          make(map[Ref][]uint64),
		dirty:          dirty.NewTracker(oldStart),
	}, nil
}

// resetNursery zeroes the used part of the nursery.
func (s *segment) resetNursery() {
	if s.nurseryUsed > 0 {
		mmfile.Discard(s.nursery[:s.nurseryUsed])
		s.nurseryUsed = 0
	}
}

// clearTxLists forgets every per-transaction list.
func (s *segment) clearTxLists() {
	s.modified = s.modified[:0]
	s.overflow = s.overflow[:0]
	clear(s.youngOutside)
	s.pointingToNursery = s.pointingToNursery[:0]
	s.cardObjects = s.cardObjects[:0]
	clear(s.cards)
	s.committedYoung = s.committedYoung[:0]
	s.dirty.Reset()
}

// active reports whether the segment runs a transaction that has not been
// rolled back. Requires Runtime.mu.
func (s *segment) active() bool {
	return s.tx != nil && !s.rolledBack
}

// setCard marks card c of obj and reports whether obj had no marked card.
func (s *segment) setCard(obj Ref, c, ncards int) bool {
	bits, ok := s.cards[obj]
	if !ok {
		bits = make([]uint64, (ncards+63)/64)
		s.cards[obj] = bits
	}
	bits[c>>6] |= 1 << (c & 63)
	return !ok
}

func (s *segment) cardMarked(obj Ref, c int) bool {
	bits, ok := s.cards[obj]
	return ok && c>>6 < len(bits) && bits[c>>6]&(1<<(c&63)) != 0
}
