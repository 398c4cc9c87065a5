// Package index implements IndexManager's in-memory per-field indexes:
// an equality-only HashIndex and an ordered BTreeIndex backed by
// google/btree, keyed by the same fixed-width lexical encoding the
// teacher's on-disk B-tree used for ValueToKey.
package index

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

// idSet is a small set of document ids.
type idSet map[document.ID]struct{}

func (s idSet) add(id document.ID)    { s[id] = struct{}{} }
func (s idSet) remove(id document.ID) { delete(s, id) }

func (s idSet) slice() []document.ID {
	out := make([]document.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// HashIndex supports equality lookups only: map<EqKey, set<id>>.
type HashIndex struct {
	mu      sync.RWMutex
	buckets map[string]idSet
	hits    uint64
	misses  uint64
}

func newHashIndex() *HashIndex {
	return &HashIndex{buckets: make(map[string]idSet)}
}

func (h *HashIndex) insert(key types.DeltaKey, id document.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key.String()
	set, ok := h.buckets[k]
	if !ok {
		set = make(idSet)
		h.buckets[k] = set
	}
	set.add(id)
}

func (h *HashIndex) remove(key types.DeltaKey, id document.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key.String()
	if set, ok := h.buckets[k]; ok {
		set.remove(id)
		if len(set) == 0 {
			delete(h.buckets, k)
		}
	}
}

func (h *HashIndex) lookupEq(key types.DeltaKey) []document.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.buckets[key.String()]
	if !ok {
		h.misses++
		return nil
	}
	h.hits++
	return set.slice()
}

// btreeItem is a single ordered entry: (lexical key, document id). Ties
// (same key, different id) are broken by id so btree.Item ordering stays
// total.
type btreeItem struct {
	key types.DeltaKey
	id  document.ID
}

func (a btreeItem) Less(than btree.Item) bool {
	b := than.(btreeItem)
	ak, bk := a.key.String(), b.key.String()
	if ak != bk {
		return ak < bk
	}
	return a.id.String() < b.id.String()
}

// BTreeIndex supports equality (degenerate range) and inclusive/exclusive
// range scans, ordered by OrdKey — the lexical DeltaKey encoding.
type BTreeIndex struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	hits   uint64
	misses uint64
}

func newBTreeIndex() *BTreeIndex {
	return &BTreeIndex{tree: btree.New(32)}
}

func (b *BTreeIndex) insert(key types.DeltaKey, id document.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.ReplaceOrInsert(btreeItem{key: key, id: id})
}

func (b *BTreeIndex) remove(key types.DeltaKey, id document.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Delete(btreeItem{key: key, id: id})
}

func (b *BTreeIndex) lookupEq(key types.DeltaKey) []document.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []document.ID
	b.tree.AscendRange(
		btreeItem{key: key, id: document.ID{}},
		btreeItem{key: keyUpperBound(key), id: document.ID{}},
		func(item btree.Item) bool {
			it := item.(btreeItem)
			if it.key.String() == key.String() {
				out = append(out, it.id)
			}
			return true
		},
	)
	if len(out) == 0 {
		b.misses++
	} else {
		b.hits++
	}
	return out
}

// keyUpperBound returns a sentinel DeltaKey whose String() sorts strictly
// after every key equal to k, bounding an equality AscendRange scan.
func keyUpperBound(k types.DeltaKey) types.DeltaKey {
	if k.Kind == types.DeltaKeyStr {
		return types.DeltaKey{Kind: types.DeltaKeyStr, Str: k.Str + "\xff"}
	}
	return types.DeltaKey{Kind: types.DeltaKeyStr, Str: k.String() + "\xff"}
}

// RangeBound describes one side of a range scan.
type RangeBound struct {
	Key       types.DeltaKey
	Inclusive bool
	Open      bool // true means unbounded on this side
}

// lookupRange scans [min, max] (or open-ended) in ascending order.
func (b *BTreeIndex) lookupRange(min, max RangeBound) []document.ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []document.ID
	fn := func(item btree.Item) bool {
		it := item.(btreeItem)
		if !min.Open && !min.Inclusive && it.key.String() == min.Key.String() {
			return true
		}
		if !max.Open {
			cmp := it.key.String()
			if max.Inclusive {
				if cmp > max.Key.String() {
					return false
				}
			} else if cmp >= max.Key.String() {
				return false
			}
		}
		out = append(out, it.id)
		return true
	}
	if min.Open {
		b.tree.Ascend(fn)
	} else {
		b.tree.AscendGreaterOrEqual(btreeItem{key: min.Key, id: document.ID{}}, fn)
	}
	if len(out) == 0 {
		b.misses++
	} else {
		b.hits++
	}
	return out
}

// Stats reports hit/miss counters for one index.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Descriptor identifies one registered index.
type Descriptor struct {
	Field     string
	Kind      types.IndexKind
	BuildTime time.Duration
}

type indexEntry struct {
	kind      types.IndexKind
	hash      *HashIndex
	btreeIdx  *BTreeIndex
	buildTime time.Duration
}

// Manager owns every index registered for one collection, keyed by field
// path (SPEC_FULL.md §4.9).
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]*indexEntry
}

// NewManager creates an empty IndexManager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*indexEntry)}
}

// CreateIndex registers a new index on field and rebuilds it from docs —
// the caller is responsible for holding the collection's exclusive build
// lock around this call.
func (m *Manager) CreateIndex(field string, kind types.IndexKind, docs []*document.Document) (*Descriptor, error) {
	m.mu.Lock()
	if _, exists := m.indexes[field]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("index: index on field %q already exists", field)
	}
	entry := &indexEntry{kind: kind}
	switch kind {
	case types.IndexHash:
		entry.hash = newHashIndex()
	case types.IndexBTree:
		entry.btreeIdx = newBTreeIndex()
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("index: unknown index kind %v", kind)
	}
	m.indexes[field] = entry
	m.mu.Unlock()

	start := time.Now()
	path := splitPath(field)
	for _, doc := range docs {
		val, ok := doc.GetPath(path)
		if !ok {
			continue
		}
		key, ok := types.DeltaKeyFromValue(val)
		if !ok {
			continue
		}
		m.insertInto(entry, key, doc.ID)
	}
	entry.buildTime = time.Since(start)

	return &Descriptor{Field: field, Kind: kind, BuildTime: entry.buildTime}, nil
}

// DropIndex removes a registered index.
func (m *Manager) DropIndex(field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[field]; !ok {
		return fmt.Errorf("index: no index on field %q", field)
	}
	delete(m.indexes, field)
	return nil
}

// Fields lists every field currently indexed.
func (m *Manager) Fields() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.indexes))
	for f := range m.indexes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Kind reports which index kind backs field, if any.
func (m *Manager) Kind(field string) (types.IndexKind, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.indexes[field]
	if !ok {
		return 0, false
	}
	return e.kind, true
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

func (m *Manager) entry(field string) *indexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[field]
}

func (m *Manager) insertInto(e *indexEntry, key types.DeltaKey, id document.ID) {
	switch e.kind {
	case types.IndexHash:
		e.hash.insert(key, id)
	case types.IndexBTree:
		e.btreeIdx.insert(key, id)
	}
}

// Insert updates every registered index whose field is present in doc.
func (m *Manager) Insert(doc *document.Document) {
	for _, field := range m.Fields() {
		e := m.entry(field)
		if e == nil {
			continue
		}
		val, ok := doc.GetPath(splitPath(field))
		if !ok {
			continue
		}
		key, ok := types.DeltaKeyFromValue(val)
		if !ok {
			continue
		}
		m.insertInto(e, key, doc.ID)
	}
}

// Remove removes doc's entries from every registered index that indexes a
// field present in it.
func (m *Manager) Remove(doc *document.Document) {
	for _, field := range m.Fields() {
		e := m.entry(field)
		if e == nil {
			continue
		}
		val, ok := doc.GetPath(splitPath(field))
		if !ok {
			continue
		}
		key, ok := types.DeltaKeyFromValue(val)
		if !ok {
			continue
		}
		switch e.kind {
		case types.IndexHash:
			e.hash.remove(key, doc.ID)
		case types.IndexBTree:
			e.btreeIdx.remove(key, doc.ID)
		}
	}
}

// LookupEq returns candidate ids for an equality match on field, plus
// whether the field is indexed at all.
func (m *Manager) LookupEq(field string, key types.DeltaKey) ([]document.ID, bool) {
	e := m.entry(field)
	if e == nil {
		return nil, false
	}
	switch e.kind {
	case types.IndexHash:
		return e.hash.lookupEq(key), true
	case types.IndexBTree:
		return e.btreeIdx.lookupEq(key), true
	}
	return nil, false
}

// LookupRange returns candidate ids within [min, max] for a B-tree-backed
// field; ok is false if the field has no B-tree index.
func (m *Manager) LookupRange(field string, min, max RangeBound) ([]document.ID, bool) {
	e := m.entry(field)
	if e == nil || e.kind != types.IndexBTree {
		return nil, false
	}
	return e.btreeIdx.lookupRange(min, max), true
}

// Stats reports hit/miss counters for field's index.
func (m *Manager) Stats(field string) (Stats, bool) {
	e := m.entry(field)
	if e == nil {
		return Stats{}, false
	}
	switch e.kind {
	case types.IndexHash:
		e.hash.mu.RLock()
		defer e.hash.mu.RUnlock()
		return Stats{Hits: e.hash.hits, Misses: e.hash.misses}, true
	case types.IndexBTree:
		e.btreeIdx.mu.RLock()
		defer e.btreeIdx.mu.RUnlock()
		return Stats{Hits: e.btreeIdx.hits, Misses: e.btreeIdx.misses}, true
	}
	return Stats{}, false
}
