package stm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/stmkit/internal/testutil"
	"github.com/joshuapare/stmkit/stm"
)

func descending(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(n - 1 - i)
	}
	return out
}

func Test_Minor_PreservesReachableList(t *testing.T) {
	rt := newRuntime(t, nil)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	tx := begin(t, rt, a)
	a.Push(stm.Nil)
	head := buildList(t, tx, 0, 2000)
	require.Positive(t, rt.Stats().MinorCollections, "2000 nodes overflow a 16 KiB nursery")

	got, err := testutil.ListValues(tx, head)
	require.NoError(t, err)
	require.Equal(t, descending(2000), got)
	mustCheck(t, rt)
	require.NoError(t, tx.Commit())

	head = a.At(0)
	require.False(t, rt.InNursery(head))

	reader := begin(t, rt, b)
	got, err = testutil.ListValues(reader, head)
	require.NoError(t, err)
	require.Equal(t, descending(2000), got)
	require.NoError(t, reader.Commit())
	mustCheck(t, rt)
}

func Test_Minor_UpdatesOldToYoungPointers(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	tl := rt.RegisterThread()

	tx := begin(t, rt, tl)
	node, err := testutil.NewNode(tx, 9)
	require.NoError(t, err)
	require.True(t, rt.InNursery(node))
	require.NoError(t, tx.StoreRef(root, testutil.NodeNext, node))
	require.NoError(t, tx.Collect(0))

	moved, err := tx.LoadRef(root, testutil.NodeNext)
	require.NoError(t, err)
	require.NotEqual(t, node, moved)
	require.False(t, rt.InNursery(moved))
	v, err := testutil.NodeValueOf(tx, moved)
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)

	// Overflow objects are writable without taking a lock.
	require.NoError(t, tx.StoreU64(moved, testutil.NodeValue, 10))
	require.Equal(t, -1, rt.LockHolder(moved))
	require.NoError(t, tx.Commit())

	next := begin(t, rt, tl)
	head, err := next.LoadRef(root, testutil.NodeNext)
	require.NoError(t, err)
	require.Equal(t, moved, head)
	v, err = testutil.NodeValueOf(next, head)
	require.NoError(t, err)
	require.Equal(t, uint64(10), v)

	// Once committed, the object is protected again.
	require.NoError(t, next.StoreU64(head, testutil.NodeValue, 11))
	require.Equal(t, next.Segment(), rt.LockHolder(head))
	require.NoError(t, next.Commit())
	mustCheck(t, rt)
}

func Test_Minor_CardMarking(t *testing.T) {
	rt := newRuntime(t, nil)
	tl := rt.RegisterThread()

	tx := begin(t, rt, tl)
	arr, err := testutil.NewRefArray(tx, 100)
	require.NoError(t, err)
	tl.Push(arr)
	require.NoError(t, tx.Collect(0))
	arr = tl.At(0)
	require.False(t, rt.InNursery(arr))

	node, err := testutil.NewNode(tx, 77)
	require.NoError(t, err)
	require.NoError(t, tx.StoreRefItem(arr, 50, node))
	require.ErrorIs(t, tx.StoreRefItem(arr, 200, node), stm.ErrInvalidRef)
	require.NoError(t, tx.Collect(0))

	item, err := tx.LoadRefItem(arr, 50)
	require.NoError(t, err)
	require.False(t, rt.InNursery(item))
	v, err := testutil.NodeValueOf(tx, item)
	require.NoError(t, err)
	require.Equal(t, uint64(77), v)
	require.NoError(t, tx.Commit())

	// A committed array takes the lock on its first card write.
	next := begin(t, rt, tl)
	fresh, err := testutil.NewNode(next, 78)
	require.NoError(t, err)
	require.NoError(t, next.StoreRefItem(arr, 3, fresh))
	require.Equal(t, next.Segment(), rt.LockHolder(arr))
	mustCheck(t, rt)
	require.NoError(t, next.Commit())

	check := begin(t, rt, tl)
	for idx, want := range map[int]uint64{3: 78, 50: 77} {
		item, err := check.LoadRefItem(arr, idx)
		require.NoError(t, err)
		require.False(t, rt.InNursery(item))
		v, err := testutil.NodeValueOf(check, item)
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
	empty, err := check.LoadRefItem(arr, 4)
	require.NoError(t, err)
	require.Equal(t, stm.Nil, empty)
	require.NoError(t, check.Commit())
}

func Test_Major_FreesGarbage(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	tl := rt.RegisterThread()

	tx := begin(t, rt, tl)
	tl.Push(stm.Nil)
	tl.Push(stm.Nil)
	buildList(t, tx, 0, 500)
	buildList(t, tx, 1, 1000)
	live := tl.At(0)
	require.NoError(t, tx.StoreRef(root, testutil.NodeNext, live))
	require.NoError(t, tx.Commit())
	tl.Truncate(0)

	before := rt.Stats()
	require.NoError(t, rt.Collect())
	after := rt.Stats()
	require.Equal(t, before.MajorCollections+1, after.MajorCollections)
	require.GreaterOrEqual(t, after.FreedBytes-before.FreedBytes, uint64(1000*testutil.NodeSize))
	require.LessOrEqual(t, after.OldUsedBytes, before.OldUsedBytes-1000*testutil.NodeSize)
	require.GreaterOrEqual(t, after.MajorTrigger, int64(1<<20))
	mustCheck(t, rt)

	check := begin(t, rt, tl)
	head, err := check.LoadRef(root, testutil.NodeNext)
	require.NoError(t, err)
	got, err := testutil.ListValues(check, head)
	require.NoError(t, err)
	require.Equal(t, descending(500), got)
	require.NoError(t, check.Commit())
}

func Test_Major_KeepsPrivateGraphs(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	a, b := rt.RegisterThread(), rt.RegisterThread()

	// Only a's private copy of root reaches the list.
	writer := begin(t, rt, a)
	a.Push(stm.Nil)
	buildList(t, writer, 0, 700)
	require.NoError(t, writer.StoreRef(root, testutil.NodeNext, a.At(0)))
	require.NoError(t, writer.Collect(0))
	a.Truncate(0)

	require.NoError(t, rt.Collect())
	mustCheck(t, rt)

	// An idle thread sees the committed root.
	reader := begin(t, rt, b)
	next, err := reader.LoadRef(root, testutil.NodeNext)
	require.NoError(t, err)
	require.Equal(t, stm.Nil, next)
	require.NoError(t, reader.Commit())

	require.NoError(t, writer.Commit())
	check := begin(t, rt, b)
	head, err := check.LoadRef(root, testutil.NodeNext)
	require.NoError(t, err)
	got, err := testutil.ListValues(check, head)
	require.NoError(t, err)
	require.Equal(t, descending(700), got)
	require.NoError(t, check.Commit())
}

func Test_Major_InsideTransaction(t *testing.T) {
	rt := newRuntime(t, nil)
	tl := rt.RegisterThread()

	tx := begin(t, rt, tl)
	tl.Push(stm.Nil)
	buildList(t, tx, 0, 1500)
	require.NoError(t, tx.Collect(1))
	require.Equal(t, uint64(1), rt.Stats().MajorCollections)

	got, err := testutil.ListValues(tx, tl.At(0))
	require.NoError(t, err)
	require.Equal(t, descending(1500), got)
	mustCheck(t, rt)
	require.NoError(t, tx.Commit())
}

func Test_Major_CompactsCommitLog(t *testing.T) {
	rt := newRuntime(t, nil)
	root := newRoot(t, rt)
	tl := rt.RegisterThread()

	for i := range 3 {
		tx := begin(t, rt, tl)
		require.NoError(t, tx.StoreU64(root, testutil.NodeValue, uint64(i)))
		require.NoError(t, tx.Commit())
	}
	require.Len(t, rt.CommitLog(), 3)

	require.NoError(t, rt.Collect())
	require.Empty(t, rt.CommitLog())
	require.Equal(t, uint64(3), rt.Revision())

	tx := begin(t, rt, tl)
	require.NoError(t, tx.StoreU64(root, testutil.NodeValue, 9))
	require.NoError(t, tx.Commit())
	log := rt.CommitLog()
	require.Len(t, log, 1)
	require.Equal(t, uint64(4), log[0].Revision)
}

func Test_Major_TriggeredByVolume(t *testing.T) {
	opts := testutil.SmallOptions()
	opts.MajorMinThreshold = 256 << 10
	rt := newRuntime(t, opts)
	tl := rt.RegisterThread()

	// Each round commits 64 KiB of blobs that the next round drops.
	for range 8 {
		tx := begin(t, rt, tl)
		for range 16 {
			blob, err := testutil.NewBlob(tx, make([]byte, 4<<10))
			require.NoError(t, err)
			tl.Push(blob)
		}
		require.NoError(t, tx.Commit())
		tl.Truncate(0)
	}
	st := rt.Stats()
	require.Positive(t, st.MajorCollections)
	require.Less(t, st.OldUsedBytes, int64(512<<10))
	mustCheck(t, rt)
}
