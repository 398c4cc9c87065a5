// Package collection implements CollectionOps: the write-path mediator
// that keeps the OpLog, HotCache, and IndexManager consistent for one
// named collection, grounded on the original collection/ops.rs.
package collection

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/cache"
	"github.com/waspdb/waspdb/concurrency"
	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/index"
	"github.com/waspdb/waspdb/storage"
	"github.com/waspdb/waspdb/types"
)

// Collection owns one named bucket of documents: its HotCache and
// IndexManager are exclusive, but it shares the OpLog with every other
// collection in the database (SPEC_FULL.md §3 "Ownership").
type Collection struct {
	Name string

	oplog     storage.Engine
	cache     *cache.HotCache
	indexes   *index.Manager
	buildLock *concurrency.BuildLock

	log zerolog.Logger
}

// New creates a Collection backed by the given shared OpLog.
func New(name string, oplog storage.Engine, cacheCapacity int, log zerolog.Logger) *Collection {
	l := log.With().Str("collection", name).Logger()
	return &Collection{
		Name:      name,
		oplog:     oplog,
		cache:     cache.New(cacheCapacity, l),
		indexes:   index.NewManager(),
		buildLock: concurrency.NewBuildLock(),
		log:       l,
	}
}

// Close stops the collection's background workers (e.g. the cache's TTL
// purge job).
func (c *Collection) Close() {
	c.cache.Close()
}

// indexedFields lists the fields this collection currently maintains
// indexes for.
func (c *Collection) indexedFields() []string {
	return c.indexes.Fields()
}

// Insert appends Op::Insert, inserts into HotCache, updates IndexManager,
// and emits an Idx{Add} delta for each indexed field present in doc
// (SPEC_FULL.md §4.10).
func (c *Collection) Insert(doc *document.Document) error {
	if doc.Metadata.Type == document.Ephemeral && c.Name != document.TempCollectionName {
		return fmt.Errorf("collection: ephemeral document cannot be inserted into %q, only %q",
			c.Name, document.TempCollectionName)
	}

	c.buildLock.AcquireShared()
	defer c.buildLock.ReleaseShared()

	if err := c.oplog.Append(types.Insert(doc)); err != nil {
		// Apply in-memory anyway and log — SPEC_FULL.md §9 open question 1.
		c.log.Warn().Err(err).Str("op", "insert").Msg("oplog append failed, applying in-memory state anyway")
	}

	c.cache.Insert(doc)
	c.indexes.Insert(doc)

	for _, field := range c.indexedFields() {
		kind, _ := c.indexes.Kind(field)
		val, ok := doc.GetPath(splitPath(field))
		if !ok {
			continue
		}
		key, ok := types.DeltaKeyFromValue(val)
		if !ok {
			continue
		}
		delta := types.IndexDelta{Collection: c.Name, Field: field, Kind: kind, Op: types.DeltaAdd, Key: key, ID: doc.ID}
		if err := c.oplog.AppendIndexDelta(delta); err != nil {
			c.log.Warn().Err(err).Str("op", "insert-delta").Msg("oplog index delta append failed")
		}
	}
	return nil
}

// Update reads the old document from cache, appends Op::Update, removes
// the old doc from indexes and inserts the new one, then emits Remove
// deltas for old indexed fields followed by Add deltas for new ones.
func (c *Collection) Update(id document.ID, newDoc *document.Document) error {
	c.buildLock.AcquireShared()
	defer c.buildLock.ReleaseShared()

	oldDoc, hadOld := c.cache.Get(id)

	if err := c.oplog.Append(types.Update(id, newDoc)); err != nil {
		c.log.Warn().Err(err).Str("op", "update").Msg("oplog append failed, applying in-memory state anyway")
	}

	if hadOld {
		c.indexes.Remove(oldDoc)
	}
	newDoc.ID = id
	c.cache.Insert(newDoc)
	c.indexes.Insert(newDoc)

	for _, field := range c.indexedFields() {
		kind, _ := c.indexes.Kind(field)
		path := splitPath(field)

		if hadOld {
			if oldVal, ok := oldDoc.GetPath(path); ok {
				if key, ok := types.DeltaKeyFromValue(oldVal); ok {
					delta := types.IndexDelta{Collection: c.Name, Field: field, Kind: kind, Op: types.DeltaRemove, Key: key, ID: id}
					if err := c.oplog.AppendIndexDelta(delta); err != nil {
						c.log.Warn().Err(err).Str("op", "update-delta-remove").Msg("oplog index delta append failed")
					}
				}
			}
		}
		if newVal, ok := newDoc.GetPath(path); ok {
			if key, ok := types.DeltaKeyFromValue(newVal); ok {
				delta := types.IndexDelta{Collection: c.Name, Field: field, Kind: kind, Op: types.DeltaAdd, Key: key, ID: id}
				if err := c.oplog.AppendIndexDelta(delta); err != nil {
					c.log.Warn().Err(err).Str("op", "update-delta-add").Msg("oplog index delta append failed")
				}
			}
		}
	}
	return nil
}

// Delete appends Op::Delete, removes the document from cache and indexes,
// and emits Remove deltas for its indexed fields.
func (c *Collection) Delete(id document.ID) error {
	c.buildLock.AcquireShared()
	defer c.buildLock.ReleaseShared()

	oldDoc, hadOld := c.cache.Get(id)

	if err := c.oplog.Append(types.Delete(id)); err != nil {
		c.log.Warn().Err(err).Str("op", "delete").Msg("oplog append failed, applying in-memory state anyway")
	}

	c.cache.Remove(id)
	if hadOld {
		c.indexes.Remove(oldDoc)
		for _, field := range c.indexedFields() {
			kind, _ := c.indexes.Kind(field)
			val, ok := oldDoc.GetPath(splitPath(field))
			if !ok {
				continue
			}
			key, ok := types.DeltaKeyFromValue(val)
			if !ok {
				continue
			}
			delta := types.IndexDelta{Collection: c.Name, Field: field, Kind: kind, Op: types.DeltaRemove, Key: key, ID: id}
			if err := c.oplog.AppendIndexDelta(delta); err != nil {
				c.log.Warn().Err(err).Str("op", "delete-delta").Msg("oplog index delta append failed")
			}
		}
	}
	return nil
}

// Get returns a cached document by id.
func (c *Collection) Get(id document.ID) (*document.Document, bool) {
	return c.cache.Get(id)
}

// Documents returns every live document currently resident in the
// collection's cache, for building an unindexed query scan snapshot.
func (c *Collection) Documents() []*document.Document {
	return c.cache.Items()
}

// CreateIndex acquires the collection's exclusive build lock, registers a
// new index, and rebuilds it from the current cache snapshot.
func (c *Collection) CreateIndex(field string, kind types.IndexKind, snapshot []*document.Document) (*index.Descriptor, error) {
	if err := c.buildLock.AcquireExclusive(); err != nil {
		return nil, err
	}
	defer c.buildLock.ReleaseExclusive()
	return c.indexes.CreateIndex(field, kind, snapshot)
}

// DropIndex removes a registered index under the exclusive build lock.
func (c *Collection) DropIndex(field string) error {
	if err := c.buildLock.AcquireExclusive(); err != nil {
		return err
	}
	defer c.buildLock.ReleaseExclusive()
	return c.indexes.DropIndex(field)
}

// Indexes exposes the collection's IndexManager for the query planner.
func (c *Collection) Indexes() *index.Manager {
	return c.indexes
}

// OpLog exposes the shared storage engine for the query planner's overlay
// merge.
func (c *Collection) OpLog() storage.Engine {
	return c.oplog
}

func splitPath(field string) []string {
	var out []string
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '.' {
			out = append(out, field[start:i])
			start = i + 1
		}
	}
	out = append(out, field[start:])
	return out
}
