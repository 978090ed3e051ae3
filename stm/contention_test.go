package stm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/stmkit/internal/testutil"
	"github.com/joshuapare/stmkit/stm"
)

func Test_WriteWrite_YoungerAttackerAborts(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	older := begin(t, rt, a)
	younger := begin(t, rt, b)
	require.NoError(t, older.StoreU64(root, testutil.NodeValue, 1))

	err := younger.StoreU64(root, testutil.NodeValue, 2)
	requireAbort(t, err, stm.AbortWriteWrite)
	require.True(t, younger.Done())
	require.Equal(t, older.Segment(), rt.LockHolder(root))

	require.NoError(t, older.Commit())
	require.Equal(t, uint64(1), readValue(t, rt, b, root))

	// The retry runs without the conflict.
	retry := begin(t, rt, b)
	require.NoError(t, retry.StoreU64(root, testutil.NodeValue, 2))
	require.NoError(t, retry.Commit())
	require.Equal(t, uint64(2), readValue(t, rt, a, root))
	mustCheck(t, rt)
}

func Test_WriteWrite_OlderAttackerDoomsHolder(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	older := begin(t, rt, a)
	younger := begin(t, rt, b)
	var youngerAborted bool
	younger.OnAbort(func() { youngerAborted = true })
	require.NoError(t, younger.StoreU64(root, testutil.NodeValue, 2))

	require.NoError(t, older.StoreU64(root, testutil.NodeValue, 1))
	require.Equal(t, older.Segment(), rt.LockHolder(root))
	require.False(t, younger.Done(), "the holder notices at its next safe point")

	_, err := younger.LoadU64(root, testutil.NodeValue)
	requireAbort(t, err, stm.AbortWriteWrite)
	require.True(t, youngerAborted)

	require.NoError(t, older.Commit())
	require.Equal(t, uint64(1), readValue(t, rt, b, root))
	mustCheck(t, rt)
}

func Test_WriteWrite_InevitableWins(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	older := begin(t, rt, a)
	require.NoError(t, older.StoreU64(root, testutil.NodeValue, 1))

	younger := begin(t, rt, b)
	require.NoError(t, younger.BecomeInevitable("io"))
	require.True(t, younger.Inevitable())
	require.NoError(t, younger.StoreU64(root, testutil.NodeValue, 2))
	require.Equal(t, younger.Segment(), rt.LockHolder(root))

	requireAbort(t, older.Commit(), stm.AbortWriteWrite)
	require.NoError(t, younger.Commit())
	require.Equal(t, uint64(2), readValue(t, rt, a, root))
}

func Test_WriteRead_InevitableReaderNotDoomed(t *testing.T) {
	opts := testutil.SmallOptions()
	opts.ContentionWait = 5 * time.Millisecond
	rt := newRuntime(t, opts)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	writer := begin(t, rt, a)
	reader := begin(t, rt, b)
	require.NoError(t, reader.BecomeInevitable(""))
	_, err := reader.LoadU64(root, testutil.NodeValue)
	require.NoError(t, err)

	require.NoError(t, writer.StoreU64(root, testutil.NodeValue, 5))
	requireAbort(t, writer.Commit(), stm.AbortWriteRead)

	v, err := reader.LoadU64(root, testutil.NodeValue)
	require.NoError(t, err)
	require.Zero(t, v)
	require.NoError(t, reader.Commit())
}

func Test_Inevitable_SecondWaits(t *testing.T) {
	rt := newRuntime(t, nil)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	first := begin(t, rt, a)
	require.NoError(t, first.BecomeInevitable("first"))
	require.NoError(t, first.BecomeInevitable("again"), "idempotent")

	second := begin(t, rt, b)
	done := make(chan error, 1)
	go func() { done <- second.BecomeInevitable("second") }()

	select {
	case err := <-done:
		t.Fatalf("second transaction became inevitable alongside the first: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, first.Commit())
	require.NoError(t, <-done)
	require.True(t, second.Inevitable())
	require.NoError(t, second.Commit())
}

func Test_Inevitable_WaitHonorsContext(t *testing.T) {
	rt := newRuntime(t, nil)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	first := begin(t, rt, a)
	require.NoError(t, first.BecomeInevitable(""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second, err := rt.StartTransaction(ctx, b)
	require.NoError(t, err)

	err = second.BecomeInevitable("blocked")
	requireAbort(t, err, stm.AbortCanceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, second.Done())

	// The inevitable transaction ignores its own context.
	require.NoError(t, first.Commit())
}

func Test_Inevitable_PolicyMayRefuse(t *testing.T) {
	opts := testutil.SmallOptions()
	opts.Policy = stm.AlwaysAbortAttacker{}
	rt := newRuntime(t, opts)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	first := begin(t, rt, a)
	require.NoError(t, first.BecomeInevitable(""))
	second := begin(t, rt, b)
	err := second.BecomeInevitable("syscall")
	requireAbort(t, err, stm.AbortInevitable)

	var ae *stm.AbortError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "syscall", ae.Reason)
	require.NoError(t, first.Commit())
}

// gateHost blocks the first SizeOf call after arm until release is closed.
type gateHost struct {
	testutil.Host
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGateHost() *gateHost {
	return &gateHost{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateHost) SizeOf(obj stm.ObjectView) int {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Host.SizeOf(obj)
}

func Test_Inevitable_WaitsForCommitInProgress(t *testing.T) {
	gate := newGateHost()
	rt := newRuntimeWith(t, gate, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	other := begin(t, rt, b)
	committer := begin(t, rt, a)
	require.NoError(t, committer.StoreU64(root, testutil.NodeValue, 3))
	rev := rt.Revision()

	gate.armed.Store(true)
	committed := make(chan error, 1)
	go func() { committed <- committer.Commit() }()
	<-gate.entered
	require.True(t, rt.WorldStopped())

	inevitable := make(chan error, 1)
	go func() { inevitable <- other.BecomeInevitable("") }()
	select {
	case err := <-inevitable:
		t.Fatalf("became inevitable during a commit: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-committed)
	require.NoError(t, <-inevitable)
	require.Equal(t, rev+1, rt.Revision())
	require.False(t, rt.WorldStopped())

	v, err := other.LoadU64(root, testutil.NodeValue)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)
	require.NoError(t, other.Commit())
}

func Test_StopOthers_ParksOtherSegments(t *testing.T) {
	rt := newRuntime(t, nil)
	mine, theirs := newRoot(t, rt), newRoot(t, rt)
	a, b, c := rt.RegisterThread(), rt.RegisterThread(), rt.RegisterThread()

	other := begin(t, rt, b)
	tx := begin(t, rt, a)
	require.NoError(t, tx.StopOthers("maintenance"))
	require.True(t, tx.Inevitable())
	require.True(t, rt.WorldStopped())
	require.NoError(t, tx.StopOthers("again"), "idempotent")

	loaded := make(chan error, 1)
	go func() {
		_, err := other.LoadU64(theirs, testutil.NodeValue)
		loaded <- err
	}()
	started := make(chan error, 1)
	go func() {
		fresh, err := rt.StartTransaction(context.Background(), c)
		if err == nil {
			err = fresh.Commit()
		}
		started <- err
	}()
	select {
	case err := <-loaded:
		t.Fatalf("parked segment ran: %v", err)
	case err := <-started:
		t.Fatalf("transaction started during the stop: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The stopping transaction keeps working, collections included.
	require.NoError(t, tx.StoreU64(mine, testutil.NodeValue, 4))
	require.NoError(t, tx.Collect(1))
	require.True(t, rt.WorldStopped())

	require.NoError(t, tx.Commit())
	require.NoError(t, <-loaded)
	require.NoError(t, <-started)
	require.NoError(t, other.Commit())
	require.Equal(t, uint64(4), readValue(t, rt, b, mine))
	mustCheck(t, rt)
}

func Test_StopOthers_Resume(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	other := begin(t, rt, b)
	tx := begin(t, rt, a)
	require.NoError(t, tx.StopOthers(""))

	loaded := make(chan error, 1)
	go func() {
		_, err := other.LoadU64(root, testutil.NodeValue)
		loaded <- err
	}()
	select {
	case err := <-loaded:
		t.Fatalf("parked segment ran: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	tx.ResumeOthers()
	require.NoError(t, <-loaded)
	require.False(t, rt.WorldStopped())
	require.True(t, tx.Inevitable())
	require.NoError(t, other.Commit())
	require.NoError(t, tx.Commit())

	// Aborting ends the stop as well.
	tx = begin(t, rt, a)
	require.NoError(t, tx.StopOthers(""))
	requireAbort(t, tx.Abort(), stm.AbortExplicit)
	require.False(t, rt.WorldStopped())
	require.Equal(t, uint64(0), readValue(t, rt, b, root))
}
