// Package api is the embedding surface: open/close a database, manage
// collections, and issue document CRUD and queries against it, mirroring
// the teacher's own api.DB façade shape (Open/OpenReadOnly-style
// constructors, error-wrapped with a package prefix).
package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/waspdb/waspdb/collection"
	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/query"
	"github.com/waspdb/waspdb/storage"
	"github.com/waspdb/waspdb/types"
)

// Options tunes an Open call: construction-time knobs rather than a
// config-file loader (SPEC_FULL.md §1a).
type Options struct {
	CacheCapacityPerCollection int
	Logger                     *zerolog.Logger
	ReadRateLimiter            *rate.Limiter // nil disables rate limiting
}

// DefaultCacheCapacity is used when Options.CacheCapacityPerCollection is
// left zero.
const DefaultCacheCapacity = 1024

// DB is the embedding surface over one on-disk database directory: a
// shared OpLog plus one Collection per named bucket of
// documents.
type DB struct {
	dir   string
	oplog *storage.OpLog

	mu          sync.RWMutex
	collections map[string]*collection.Collection

	cacheCapacity int
	limiter       *rate.Limiter
	log           zerolog.Logger
}

// Open opens or creates a database rooted at dir.
func Open(dir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("api: create database directory: %w", err)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	oplog, err := storage.OpenOpLog(filepath.Join(dir, "oplog.wasp"), log)
	if err != nil {
		return nil, fmt.Errorf("api: open oplog: %w", err)
	}

	cacheCap := opts.CacheCapacityPerCollection
	if cacheCap <= 0 {
		cacheCap = DefaultCacheCapacity
	}

	db := &DB{
		dir:           dir,
		oplog:         oplog,
		collections:   make(map[string]*collection.Collection),
		cacheCapacity: cacheCap,
		limiter:       opts.ReadRateLimiter,
		log:           log.With().Str("component", "db").Logger(),
	}

	if err := db.replayOpLog(); err != nil {
		oplog.Close()
		return nil, fmt.Errorf("api: replay oplog: %w", err)
	}
	return db, nil
}

// replayOpLog cannot rebuild per-collection cache contents on startup:
// types.Operation carries no collection identifier (it's Insert{document}/
// Update{id, new_document}/Delete{id} only), so a durable operation in
// oplog.wasp can't be routed to the collection it belongs to without that
// collection already being registered and the id already known to it. This
// warns rather than silently dropping prior data when reopening a
// populated database directory, since the caller has no other signal that
// replay did nothing.
func (db *DB) replayOpLog() error {
	ops, err := db.oplog.ReadAll()
	if err != nil {
		return fmt.Errorf("read oplog: %w", err)
	}
	if len(ops) > 0 {
		db.log.Warn().Int("operations", len(ops)).Msg("oplog has durable operations from a prior session that cannot be routed to a collection without a collection identifier on Operation; reopen with CreateCollection before relying on prior data, or restore from a checkpoint")
	}
	return nil
}

// Close closes the shared OpLog and every collection's background
// workers.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, c := range db.collections {
		c.Close()
	}
	return db.oplog.Close()
}

// CreateCollection registers a new named collection.
func (db *DB) CreateCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[name]; exists {
		return fmt.Errorf("api: collection %q already exists", name)
	}
	db.collections[name] = collection.New(name, db.oplog, db.cacheCapacity, db.log)
	return nil
}

// DeleteCollection removes a collection and stops its background workers.
func (db *DB) DeleteCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	if !ok {
		return fmt.Errorf("api: collection %q not found", name)
	}
	c.Close()
	delete(db.collections, name)
	return nil
}

// RenameCollection renames an existing collection in place.
func (db *DB) RenameCollection(oldName, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[oldName]
	if !ok {
		return fmt.Errorf("api: collection %q not found", oldName)
	}
	if _, exists := db.collections[newName]; exists {
		return fmt.Errorf("api: collection %q already exists", newName)
	}
	c.Name = newName
	db.collections[newName] = c
	delete(db.collections, oldName)
	return nil
}

// ListCollectionNames returns every registered collection name.
func (db *DB) ListCollectionNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.collections))
	for name := range db.collections {
		out = append(out, name)
	}
	return out
}

func (db *DB) collection(name string) (*collection.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	if !ok {
		return nil, fmt.Errorf("api: collection %q not found", name)
	}
	return c, nil
}

// InsertDocument inserts doc into coll and returns its id.
func (db *DB) InsertDocument(coll string, doc *document.Document) (document.ID, error) {
	c, err := db.collection(coll)
	if err != nil {
		return document.ID{}, err
	}
	if err := c.Insert(doc); err != nil {
		return document.ID{}, fmt.Errorf("api: insert into %q: %w", coll, err)
	}
	return doc.ID, nil
}

// UpdateDocument replaces the document with id in coll, returning whether
// it previously existed.
func (db *DB) UpdateDocument(coll string, id document.ID, newDoc *document.Document) (bool, error) {
	c, err := db.collection(coll)
	if err != nil {
		return false, err
	}
	_, existed := c.Get(id)
	if err := c.Update(id, newDoc); err != nil {
		return existed, fmt.Errorf("api: update in %q: %w", coll, err)
	}
	return existed, nil
}

// DeleteDocument removes id from coll, returning whether it existed.
func (db *DB) DeleteDocument(coll string, id document.ID) (bool, error) {
	c, err := db.collection(coll)
	if err != nil {
		return false, err
	}
	_, existed := c.Get(id)
	if err := c.Delete(id); err != nil {
		return existed, fmt.Errorf("api: delete from %q: %w", coll, err)
	}
	return existed, nil
}

// planner builds a query.Planner over coll's live cache snapshot. The
// snapshot function only has visibility into documents already resident
// in the HotCache — cold documents evicted from cache are out of scope
// for an unindexed scan, matching an in-memory-first query model.
func (db *DB) planner(coll string) (*query.Planner, *collection.Collection, error) {
	c, err := db.collection(coll)
	if err != nil {
		return nil, nil, err
	}
	return query.NewPlanner(c, c.Documents), c, nil
}

// Find evaluates filter against coll and returns a Cursor honoring opts.
// Rate-limited if a ReadRateLimiter was configured at Open.
func (db *DB) Find(ctx context.Context, coll string, filter types.Filter, opts query.FindOptions) (*query.Cursor, error) {
	if db.limiter != nil {
		if err := db.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("api: rate limited: %w", err)
		}
	}
	p, _, err := db.planner(coll)
	if err != nil {
		return nil, err
	}
	return p.Find(ctx, filter, opts)
}

// Count evaluates filter against coll and returns the match count.
func (db *DB) Count(coll string, filter types.Filter) (int, error) {
	p, _, err := db.planner(coll)
	if err != nil {
		return 0, err
	}
	return p.Count(filter), nil
}

// CreateIndex registers a kind-backed index on field for coll, rebuilt from
// the collection's current cache-resident documents.
func (db *DB) CreateIndex(coll, field string, kind types.IndexKind) error {
	c, err := db.collection(coll)
	if err != nil {
		return err
	}
	_, err = c.CreateIndex(field, kind, c.Documents())
	return err
}

// DropIndex removes a registered index from coll.
func (db *DB) DropIndex(coll, field string) error {
	c, err := db.collection(coll)
	if err != nil {
		return err
	}
	return c.DropIndex(field)
}

// Checkpoint writes a durable snapshot of every collection's current
// OpLog-visible operations and registered indexes to output, then
// truncates the OpLog (SPEC_FULL.md §9 open question 2: always truncate).
func (db *DB) Checkpoint(output string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ops, err := db.oplog.ReadAll()
	if err != nil {
		return fmt.Errorf("api: read oplog for checkpoint: %w", err)
	}

	indexes := make(map[string][]storage.IndexDescriptor, len(db.collections))
	for name, c := range db.collections {
		var descs []storage.IndexDescriptor
		for _, field := range c.Indexes().Fields() {
			kind, _ := c.Indexes().Kind(field)
			descs = append(descs, storage.IndexDescriptor{Field: field, Kind: kind})
		}
		indexes[name] = descs
	}

	snap := &storage.Snapshot{
		Version:    storage.SnapshotCurrentVersion,
		Operations: ops,
		Indexes:    indexes,
	}
	if err := storage.WriteSnapshotAtomic(output, snap, db.log); err != nil {
		return fmt.Errorf("api: write checkpoint: %w", err)
	}
	return db.oplog.Truncate()
}
