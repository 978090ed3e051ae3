package stm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedPolicy Decision

func (p fixedPolicy) Resolve(Conflict) Decision { return Decision(p) }

func Test_Arbitrate(t *testing.T) {
	older := TxInfo{Segment: 0, Stamp: 1}
	younger := TxInfo{Segment: 1, Stamp: 2}
	inev := func(i TxInfo) TxInfo { i.Inevitable = true; return i }
	doomed := func(i TxInfo) TxInfo { i.Doomed = true; return i }

	tests := []struct {
		name     string
		policy   Policy
		conflict Conflict
		want     Decision
	}{
		{"ww younger attacker", PauseIfYounger{}, Conflict{WriteWrite, younger, older}, AbortAttacker},
		{"ww older attacker", PauseIfYounger{}, Conflict{WriteWrite, older, younger}, AbortDefender},
		{"wr younger committer pauses", PauseIfYounger{}, Conflict{WriteRead, younger, older}, WaitDefender},
		{"wr older committer", PauseIfYounger{}, Conflict{WriteRead, older, younger}, AbortDefender},
		{"inevitable request waits", PauseIfYounger{}, Conflict{Inevitable, younger, older}, WaitDefender},

		{"ww inevitable defender", PauseIfYounger{}, Conflict{WriteWrite, older, inev(younger)}, AbortAttacker},
		{"wr inevitable defender", PauseIfYounger{}, Conflict{WriteRead, older, inev(younger)}, WaitDefender},
		{"ww inevitable attacker", PauseIfYounger{}, Conflict{WriteWrite, inev(younger), older}, AbortDefender},
		{"wr inevitable attacker", PauseIfYounger{}, Conflict{WriteRead, inev(younger), older}, AbortDefender},

		{"ww doomed defender", AlwaysAbortAttacker{}, Conflict{WriteWrite, younger, doomed(older)}, WaitDefender},
		{"wr doomed defender", AlwaysAbortAttacker{}, Conflict{WriteRead, younger, doomed(older)}, AbortDefender},

		{"ww never pauses", fixedPolicy(WaitDefender), Conflict{WriteWrite, older, younger}, AbortAttacker},
		{"ww inevitable never pauses", fixedPolicy(WaitDefender), Conflict{WriteWrite, inev(older), younger}, AbortDefender},

		{"abort younger", AbortYounger{}, Conflict{WriteRead, younger, older}, AbortAttacker},
		{"abort younger inevitable", AbortYounger{}, Conflict{Inevitable, older, younger}, WaitDefender},
		{"always defender", AlwaysAbortDefender{}, Conflict{WriteRead, younger, older}, AbortDefender},
		{"always defender spares inevitable", AlwaysAbortDefender{}, Conflict{Inevitable, younger, inev(older)}, WaitDefender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Runtime{opts: Options{Policy: tt.policy}, metrics: newMetrics(nil)}
			got := r.arbitrate(tt.conflict)
			require.Equal(t, tt.want, got, "got %v", got)
		})
	}
}

func Test_ConflictKind_AbortKind(t *testing.T) {
	require.Equal(t, AbortWriteWrite, WriteWrite.abortKind())
	require.Equal(t, AbortWriteRead, WriteRead.abortKind())
	require.Equal(t, AbortInevitable, Inevitable.abortKind())
	require.Equal(t, "write-read", WriteRead.String())
	require.Equal(t, "wait-defender", WaitDefender.String())
}

func Test_AbortError(t *testing.T) {
	err := &AbortError{Kind: AbortWriteWrite, Reason: "hot key", Attempt: 2}
	require.ErrorIs(t, err, ErrAborted)
	require.True(t, IsAbort(fmt.Errorf("wrapped: %w", err)))
	require.Equal(t, "stm: transaction aborted (write-write): hot key", err.Error())
	require.Nil(t, errors.Unwrap(err))

	canceled := &AbortError{Kind: AbortCanceled, cause: context.Canceled}
	require.ErrorIs(t, canceled, context.Canceled)
	require.ErrorIs(t, canceled, ErrAborted)
	require.Contains(t, canceled.Error(), "context canceled")

	require.False(t, IsAbort(ErrClosed))
	require.Equal(t, "AbortKind(42)", AbortKind(42).String())

	fe := &FatalError{Op: "grow", Err: errors.New("no space")}
	require.Equal(t, "stm: fatal: grow: no space", fe.Error())
	require.ErrorIs(t, fe, fe.Err)
}

func Test_CommitLog_Compact(t *testing.T) {
	l := newCommitLog()
	segs := []*segment{{num: 0}, {num: 1}}
	for _, s := range segs {
		s.seenLog = l.head
	}
	busy := &Tx{}
	segs[1].tx = busy

	l.append(0, []Ref{0x1000})
	l.append(0, nil)
	require.Len(t, l.since(segs[1].seenLog), 2)
	require.False(t, l.compact(segs), "segment 1 has not seen the entries")

	segs[1].seenLog = l.head
	require.True(t, l.compact(segs))
	require.Zero(t, l.n)
	require.Equal(t, uint64(2), l.head.Revision)
	require.Empty(t, l.since(segs[0].seenLog))
	require.False(t, l.compact(segs), "nothing left to drop")

	e := l.append(1, nil)
	require.Equal(t, uint64(3), e.Revision)
}
