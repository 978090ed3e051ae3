package stm

// LogEntry records the old objects one commit published.
type LogEntry struct {
	Segment  int
	Revision uint64
	Written  []Ref

	next *LogEntry
}

// commitLog is an append-only chain of entries starting at root. Entries
// are immutable once appended. Requires Runtime.mu.
type commitLog struct {
	root *LogEntry
	head *LogEntry
	n    int // entries after root
}

func newCommitLog() *commitLog {
	root := &LogEntry{Segment: -1}
	return &commitLog{root: root, head: root}
}

func (l *commitLog) append(seg int, written []Ref) *LogEntry {
	e := &LogEntry{
		Segment:  seg,
		Revision: l.head.Revision + 1,
		Written:  written,
	}
	l.head.next = e
	l.head = e
	l.n++
	return e
}

// since returns the entries appended after e.
func (l *commitLog) since(e *LogEntry) []*LogEntry {
	var out []*LogEntry
	for c := e.next; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

// catchUpLocked moves s past every entry appended since it last looked and
// returns how many objects those entries published. Read markers already
// doomed s for any of them it had read. Requires mu.
func (r *Runtime) catchUpLocked(s *segment) int {
	n := 0
	for _, e := range r.log.since(s.seenLog) {
		n += len(e.Written)
	}
	s.seenLog = r.log.head
	return n
}

// compact drops every entry before head once all segments have seen it.
// Idle segments are caught up first.
func (l *commitLog) compact(segments []*segment) bool {
	for _, s := range segments {
		if s.tx == nil {
			s.seenLog = l.head
		}
		if s.seenLog != l.head {
			return false
		}
	}
	if l.root == l.head {
		return false
	}
	root := &LogEntry{Segment: -1, Revision: l.head.Revision}
	for _, s := range segments {
		s.seenLog = root
	}
	l.root, l.head, l.n = root, root, 0
	return true
}

// CommitLog returns a copy of the retained log entries, oldest first.
func (r *Runtime) CommitLog() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, 0, r.log.n)
	for e := r.log.root.next; e != nil; e = e.next {
		out = append(out, LogEntry{
			Segment:  e.Segment,
			Revision: e.Revision,
			Written:  append([]Ref(nil), e.Written...),
		})
	}
	return out
}

// Revision returns the number of commits so far.
func (r *Runtime) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.head.Revision
}
