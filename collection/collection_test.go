package collection

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/storage"
	"github.com/waspdb/waspdb/types"
)

func openTestOpLog(t *testing.T) *storage.OpLog {
	t.Helper()
	oplog, err := storage.OpenOpLog(storageOpLogPath(t), zerolog.Nop())
	require.NoError(t, err)
	return oplog
}

func TestInsertUpdateDeleteRoundTrip(t *testing.T) {
	oplog := openTestOpLog(t)
	defer oplog.Close()

	c := New("users", oplog, 16, zerolog.Nop())
	defer c.Close()

	doc := document.New()
	doc.Set("name", "alice")
	require.NoError(t, c.Insert(doc))

	got, ok := c.Get(doc.ID)
	require.True(t, ok)
	require.Equal(t, "alice", got.Fields[0].Value)

	updated := document.New()
	updated.Set("name", "alice2")
	require.NoError(t, c.Update(doc.ID, updated))

	got, ok = c.Get(doc.ID)
	require.True(t, ok)
	require.Equal(t, "alice2", got.Fields[0].Value)

	require.NoError(t, c.Delete(doc.ID))
	_, ok = c.Get(doc.ID)
	require.False(t, ok)

	ops, err := oplog.ReadAll()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, types.OpInsert, ops[0].Kind)
	require.Equal(t, types.OpUpdate, ops[1].Kind)
	require.Equal(t, types.OpDelete, ops[2].Kind)
}

func TestEphemeralRejectedOutsideTempCollection(t *testing.T) {
	oplog := openTestOpLog(t)
	defer oplog.Close()

	c := New("users", oplog, 16, zerolog.Nop())
	defer c.Close()

	doc := document.NewEphemeral(0)
	err := c.Insert(doc)
	require.Error(t, err)
}

func TestEphemeralAllowedInTempCollection(t *testing.T) {
	oplog := openTestOpLog(t)
	defer oplog.Close()

	c := New(document.TempCollectionName, oplog, 16, zerolog.Nop())
	defer c.Close()

	doc := document.NewEphemeral(0)
	require.NoError(t, c.Insert(doc))
}

func TestCreateIndexEmitsDeltasOnInsert(t *testing.T) {
	oplog := openTestOpLog(t)
	defer oplog.Close()

	c := New("users", oplog, 16, zerolog.Nop())
	defer c.Close()

	_, err := c.CreateIndex("age", types.IndexHash, nil)
	require.NoError(t, err)

	doc := document.New()
	doc.Set("age", int64(30))
	require.NoError(t, c.Insert(doc))

	ids, ok := c.Indexes().LookupEq("age", mustKeyForTest(int64(30)))
	require.True(t, ok)
	require.Len(t, ids, 1)

	deltas, err := oplog.ReadIndexDeltas()
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	require.Equal(t, types.DeltaAdd, deltas[0].Op)
	require.Equal(t, "age", deltas[0].Field)
}

func mustKeyForTest(v interface{}) types.DeltaKey {
	k, ok := types.DeltaKeyFromValue(v)
	if !ok {
		panic("collection_test: no DeltaKey encoding")
	}
	return k
}

// storageOpLogPath builds a per-test temp oplog file path.
func storageOpLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "oplog.wasp")
}
