package stm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/stmkit/internal/testutil"
	"github.com/joshuapare/stmkit/stm"
)

// newRuntime creates a runtime over testutil.Host and closes it when the
// test ends. A nil opts uses testutil.SmallOptions.
func newRuntime(t *testing.T, opts *stm.Options) *stm.Runtime {
	t.Helper()
	return newRuntimeWith(t, testutil.Host{}, opts)
}

// newRuntimeWith is like newRuntime but with a custom host, usually one
// wrapping testutil.Host.
func newRuntimeWith(t *testing.T, host stm.Host, opts *stm.Options) *stm.Runtime {
	t.Helper()
	if opts == nil {
		opts = testutil.SmallOptions()
	}
	rt, err := stm.New(host, opts)
	require.NoError(t, err, "Failed to create runtime")
	t.Cleanup(func() {
		require.NoError(t, rt.Close(), "Failed to close runtime")
	})
	return rt
}

// mustCheck fails the test when the runtime bookkeeping is inconsistent.
func mustCheck(t *testing.T, rt *stm.Runtime) {
	t.Helper()
	require.NoError(t, rt.CheckInvariants(), "Invariant check failed")
}

// newRoot allocates a prebuilt node used as a global root.
func newRoot(t *testing.T, rt *stm.Runtime) stm.Ref {
	t.Helper()
	root, err := rt.AllocatePrebuilt(testutil.NodeSize, testutil.TypeNode)
	require.NoError(t, err)
	return root
}

func begin(t *testing.T, rt *stm.Runtime, tl *stm.ThreadLocal) *stm.Tx {
	t.Helper()
	tx, err := rt.StartTransaction(context.Background(), tl)
	require.NoError(t, err)
	return tx
}

// readValue reads the value of node in a fresh transaction on tl.
func readValue(t *testing.T, rt *stm.Runtime, tl *stm.ThreadLocal, node stm.Ref) uint64 {
	t.Helper()
	tx := begin(t, rt, tl)
	v, err := testutil.NodeValueOf(tx, node)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return v
}

// buildList prepends n nodes valued 0..n-1 to a list kept in stack slot
// slot of tx's thread and returns the final head.
func buildList(t *testing.T, tx *stm.Tx, slot, n int) stm.Ref {
	t.Helper()
	tl := tx.Thread()
	for i := range n {
		node, err := testutil.NewNode(tx, uint64(i))
		require.NoError(t, err)
		require.NoError(t, tx.StoreRef(node, testutil.NodeNext, tl.At(slot)))
		tl.Set(slot, node)
	}
	return tl.At(slot)
}

func requireAbort(t *testing.T, err error, kind stm.AbortKind) {
	t.Helper()
	require.ErrorIs(t, err, stm.ErrAborted)
	var ae *stm.AbortError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, kind, ae.Kind, "abort kind: %v", ae)
}
