package api

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/query"
	"github.com/waspdb/waspdb/storage"
	"github.com/waspdb/waspdb/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateCollectionAndInsert(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateCollection("people"))

	doc := document.New()
	doc.Set("name", "bob")
	doc.Set("age", int64(40))
	id, err := db.InsertDocument("people", doc)
	require.NoError(t, err)
	require.NotEqual(t, document.ID{}, id)

	count, err := db.Count("people", types.Filter{Kind: types.FilterTrue})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestInsertUpdateDeleteLifecycle(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateCollection("people"))

	doc := document.New()
	doc.Set("age", int64(10))
	id, err := db.InsertDocument("people", doc)
	require.NoError(t, err)

	updated := document.New()
	updated.Set("age", int64(20))
	existed, err := db.UpdateDocument("people", id, updated)
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = db.DeleteDocument("people", id)
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = db.DeleteDocument("people", id)
	require.NoError(t, err)
	require.False(t, existed)
}

func TestRenameAndListCollections(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateCollection("a"))
	require.NoError(t, db.RenameCollection("a", "b"))
	require.ElementsMatch(t, []string{"b"}, db.ListCollectionNames())
}

func TestCreateIndexAndDropIndex(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateCollection("people"))

	doc := document.New()
	doc.Set("age", int64(30))
	_, err := db.InsertDocument("people", doc)
	require.NoError(t, err)

	require.NoError(t, db.CreateIndex("people", "age", types.IndexHash))
	require.NoError(t, db.DropIndex("people", "age"))
}

func TestFindUnknownCollectionErrors(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Find(context.Background(), "missing", types.Filter{Kind: types.FilterTrue}, query.FindOptions{})
	require.Error(t, err)
}

func TestCheckpointWritesSnapshot(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateCollection("people"))
	doc := document.New()
	doc.Set("name", "carol")
	_, err := db.InsertDocument("people", doc)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "checkpoint.db")
	require.NoError(t, db.Checkpoint(out))

	snap, err := storage.ReadSnapshot(out)
	require.NoError(t, err)
	require.Len(t, snap.Operations, 1)

	ops, err := db.oplog.ReadAll()
	require.NoError(t, err)
	require.Empty(t, ops, "checkpoint truncates the oplog")

	count, err := db.Count("people", types.Filter{Kind: types.FilterTrue})
	require.NoError(t, err)
	require.Equal(t, 1, count, "cache-resident documents remain queryable after checkpoint")
}
