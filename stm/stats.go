package stm

import (
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// counters mirrors the metrics for Stats without reading collectors back.
type counters struct {
	commits     atomic.Uint64
	aborts      [AbortCanceled + 1]atomic.Uint64
	minor       atomic.Uint64
	major       atomic.Uint64
	copiedBytes atomic.Uint64
	freedBytes  atomic.Uint64
}

// Stats is a snapshot of runtime activity.
type Stats struct {
	Commits          uint64
	Aborts           map[AbortKind]uint64
	MinorCollections uint64
	MajorCollections uint64
	CopiedBytes      uint64
	FreedBytes       uint64

	ArenaSize     int64
	OldUsedBytes  int64
	MajorTrigger  int64
	PrivatePages  int
	Revision      uint64
	LogEntries    int
	PrebuiltCount int
}

// TotalAborts sums the aborts of every kind.
func (s Stats) TotalAborts() uint64 {
	var n uint64
	for _, v := range s.Aborts {
		n += v
	}
	return n
}

// String renders the snapshot with grouped digits.
func (s Stats) String() string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("commits=%d aborts=%d minor=%d major=%d copied=%d freed=%d arena=%d used=%d trigger=%d private=%d rev=%d",
		s.Commits, s.TotalAborts(), s.MinorCollections, s.MajorCollections, s.CopiedBytes, s.FreedBytes,
		s.ArenaSize, s.OldUsedBytes, s.MajorTrigger, s.PrivatePages, s.Revision)
}

// Stats returns current counters and heap figures.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Commits:          r.counters.commits.Load(),
		Aborts:           make(map[AbortKind]uint64),
		MinorCollections: r.counters.minor.Load(),
		MajorCollections: r.counters.major.Load(),
		CopiedBytes:      r.counters.copiedBytes.Load(),
		FreedBytes:       r.counters.freedBytes.Load(),
		ArenaSize:        r.arena.Size(),
		OldUsedBytes:     r.arena.UsedBytes(),
		MajorTrigger:     r.majorThreshold.Load(),
		PrivatePages:     r.pages.TotalPrivate(),
	}
	for k := range r.counters.aborts {
		if n := r.counters.aborts[k].Load(); n > 0 {
			s.Aborts[AbortKind(k)] = n
		}
	}
	r.mu.Lock()
	s.Revision = r.log.head.Revision
	s.LogEntries = r.log.n
	s.PrebuiltCount = len(r.prebuilt)
	r.mu.Unlock()
	return s
}
