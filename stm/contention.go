package stm

// ConflictKind classifies a conflict between two transactions.
type ConflictKind int

const (
	// WriteWrite: the attacker's write barrier found the object locked by
	// the defender.
	WriteWrite ConflictKind = iota

	// WriteRead: the committing attacker modified an object the defender
	// has read.
	WriteRead

	// Inevitable: the attacker wants to become inevitable while the
	// defender is.
	Inevitable
)

func (k ConflictKind) String() string {
	switch k {
	case WriteWrite:
		return "write-write"
	case WriteRead:
		return "write-read"
	case Inevitable:
		return "inevitable"
	default:
		return "unknown"
	}
}

func (k ConflictKind) abortKind() AbortKind {
	switch k {
	case WriteWrite:
		return AbortWriteWrite
	case WriteRead:
		return AbortWriteRead
	default:
		return AbortInevitable
	}
}

// TxInfo describes one side of a conflict.
type TxInfo struct {
	Segment    int
	Stamp      uint64 // start order; larger is younger
	Attempt    int
	Inevitable bool
	Doomed     bool
}

// Conflict is handed to a Policy.
type Conflict struct {
	Kind     ConflictKind
	Attacker TxInfo
	Defender TxInfo
}

// Decision is the outcome of arbitration.
type Decision int

const (
	AbortAttacker Decision = iota
	AbortDefender
	WaitDefender
)

func (d Decision) String() string {
	switch d {
	case AbortAttacker:
		return "abort-attacker"
	case AbortDefender:
		return "abort-defender"
	case WaitDefender:
		return "wait-defender"
	default:
		return "unknown"
	}
}

// Policy arbitrates conflicts. The runtime overrides decisions that would
// abort an inevitable transaction or pause on a write-write conflict.
type Policy interface {
	Resolve(c Conflict) Decision
}

// PauseIfYounger aborts the younger side of a write-write conflict. A
// younger committer pauses for an older reader; an older one aborts it.
type PauseIfYounger struct{}

func (PauseIfYounger) Resolve(c Conflict) Decision {
	younger := c.Attacker.Stamp > c.Defender.Stamp
	switch c.Kind {
	case WriteWrite:
		if younger {
			return AbortAttacker
		}
		return AbortDefender
	case WriteRead:
		if younger {
			return WaitDefender
		}
		return AbortDefender
	default:
		return WaitDefender
	}
}

// AbortYounger always aborts the transaction that started later.
type AbortYounger struct{}

func (AbortYounger) Resolve(c Conflict) Decision {
	if c.Kind == Inevitable {
		return WaitDefender
	}
	if c.Attacker.Stamp > c.Defender.Stamp {
		return AbortAttacker
	}
	return AbortDefender
}

// AlwaysAbortAttacker makes the transaction that noticed the conflict give up.
type AlwaysAbortAttacker struct{}

func (AlwaysAbortAttacker) Resolve(Conflict) Decision { return AbortAttacker }

// AlwaysAbortDefender sacrifices the other transaction whenever allowed.
type AlwaysAbortDefender struct{}

func (AlwaysAbortDefender) Resolve(Conflict) Decision { return AbortDefender }

// arbitrate applies the policy and then the rules no policy may break:
// an inevitable transaction is never aborted, a doomed defender is waited
// on, and a write-write conflict never pauses on a live defender.
func (r *Runtime) arbitrate(c Conflict) Decision {
	d := r.opts.Policy.Resolve(c)
	switch {
	case c.Defender.Doomed:
		if c.Kind == WriteRead {
			// Already parked and rolled back; nothing left to wait for.
			d = AbortDefender
		} else {
			d = WaitDefender
		}
	case d == AbortDefender && c.Defender.Inevitable:
		if c.Kind == WriteWrite {
			d = AbortAttacker
		} else {
			d = WaitDefender
		}
	case d == AbortAttacker && c.Attacker.Inevitable:
		d = AbortDefender
	case d == WaitDefender && c.Kind == WriteRead && c.Attacker.Inevitable:
		// A bounded pause would end in aborting the inevitable committer.
		d = AbortDefender
	case d == WaitDefender && c.Kind == WriteWrite:
		d = AbortAttacker
		if c.Attacker.Inevitable {
			d = AbortDefender
		}
	}
	r.metrics.conflicts.WithLabelValues(c.Kind.String(), d.String()).Inc()
	return d
}

// txInfo snapshots tx for arbitration. Requires mu.
func (r *Runtime) txInfo(tx *Tx) TxInfo {
	return TxInfo{
		Segment:    tx.seg.num,
		Stamp:      tx.stamp,
		Attempt:    tx.attempt,
		Inevitable: r.inevitable == tx,
		Doomed:     tx.seg.rolledBack,
	}
}
