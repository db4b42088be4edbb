package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"dexcrow/core/types"
	"dexcrow/storage"
)

type record struct {
	Name   string
	Amount *big.Int
}

func TestKVPutGetCommit(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	require.NoError(t, mgr.KVPut([]byte("a"), record{Name: "alpha", Amount: big.NewInt(7)}))

	var got record
	ok, err := mgr.KVGet([]byte("a"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", got.Name)
	require.Zero(t, db.Len(), "writes must stay buffered until commit")

	require.NoError(t, mgr.Commit())
	require.Equal(t, 1, db.Len())

	fresh := NewManager(db)
	ok, err = fresh.KVGet([]byte("a"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), got.Amount.Int64())
}

func TestRevertToSnapshotRestoresWritesAndEvents(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVPut([]byte("k"), uint64(1)))
	mgr.Emit(&types.Event{Type: "first"})

	snap := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("k"), uint64(2)))
	require.NoError(t, mgr.KVPut([]byte("other"), uint64(3)))
	require.NoError(t, mgr.KVAppend([]byte("list"), []byte{0x01}))
	mgr.Emit(&types.Event{Type: "second"})

	require.NoError(t, mgr.RevertToSnapshot(snap))

	var v uint64
	ok, err := mgr.KVGet([]byte("k"), &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)

	ok, err = mgr.KVGet([]byte("other"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	var list [][]byte
	require.NoError(t, mgr.KVGetList([]byte("list"), &list))
	require.Empty(t, list)

	pending := mgr.PendingEvents()
	require.Len(t, pending, 1)
	require.Equal(t, "first", pending[0].EventType())

	require.ErrorIs(t, mgr.RevertToSnapshot(snap), ErrInvalidSnapshot)
}

func TestNestedSnapshots(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	outer := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("x"), uint64(1)))
	inner := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("x"), uint64(2)))

	require.NoError(t, mgr.RevertToSnapshot(inner))
	var v uint64
	_, err := mgr.KVGet([]byte("x"), &v)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	require.NoError(t, mgr.RevertToSnapshot(outer))
	ok, err := mgr.KVGet([]byte("x"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVDeleteCommitsRemoval(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	require.NoError(t, mgr.KVPut([]byte("gone"), uint64(9)))
	require.NoError(t, mgr.Commit())

	require.NoError(t, mgr.KVDelete([]byte("gone")))
	ok, err := mgr.KVGet([]byte("gone"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.Commit())
	require.Zero(t, db.Len())
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVAppend([]byte("idx"), []byte("a")))
	require.NoError(t, mgr.KVAppend([]byte("idx"), []byte("b")))
	require.NoError(t, mgr.KVAppend([]byte("idx"), []byte("a")))

	var list [][]byte
	require.NoError(t, mgr.KVGetList([]byte("idx"), &list))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, list)
}

func TestDrainEvents(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	mgr.Emit(&types.Event{Type: "one"})
	mgr.Emit(nil)
	drained := mgr.DrainEvents()
	require.Len(t, drained, 1)
	require.Empty(t, mgr.PendingEvents())
}
