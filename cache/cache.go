// Package cache implements HotCache, the in-memory document cache each
// collection reads from: TTL-first eviction with an LRU/LFU fallback,
// grounded on the original cache/core.rs and reworked onto
// hashicorp/golang-lru/v2's simplelru.LRU for the underlying store.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/document"
)

// EvictionMode selects how HotCache picks victims once it is at capacity.
type EvictionMode int

const (
	TtlFirst EvictionMode = iota
	TtlOnly
	LruOnly
	LfuOnly
	Hybrid
)

// Config is HotCache's runtime-adjustable tuning, mirroring the original's
// CacheConfig.
type Config struct {
	Capacity          int
	EvictionMode      EvictionMode
	MaxSamples        int
	BatchSize         int
	PurgeIntervalSecs uint64
}

// DefaultConfig matches the original's Default impl.
func DefaultConfig(capacity int) Config {
	return Config{
		Capacity:          capacity,
		EvictionMode:      TtlFirst,
		MaxSamples:        32,
		BatchSize:         8,
		PurgeIntervalSecs: 30,
	}
}

// Metrics accumulates atomic counters describing cache activity.
type Metrics struct {
	Inserts       uint64
	Hits          uint64
	Misses        uint64
	Removes       uint64
	TTLEvictions  uint64
	LRUEvictions  uint64
	MemoryBytes   uint64
	TotalInsertNs uint64
	TotalGetNs    uint64
	TotalRemoveNs uint64
}

// Snapshot is a point-in-time copy of Metrics, safe to read without races.
type Snapshot struct {
	Inserts       uint64
	Hits          uint64
	Misses        uint64
	Removes       uint64
	TTLEvictions  uint64
	LRUEvictions  uint64
	MemoryBytes   uint64
	TotalInsertNs uint64
	TotalGetNs    uint64
	TotalRemoveNs uint64
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		Inserts:       atomic.LoadUint64(&m.Inserts),
		Hits:          atomic.LoadUint64(&m.Hits),
		Misses:        atomic.LoadUint64(&m.Misses),
		Removes:       atomic.LoadUint64(&m.Removes),
		TTLEvictions:  atomic.LoadUint64(&m.TTLEvictions),
		LRUEvictions:  atomic.LoadUint64(&m.LRUEvictions),
		MemoryBytes:   atomic.LoadUint64(&m.MemoryBytes),
		TotalInsertNs: atomic.LoadUint64(&m.TotalInsertNs),
		TotalGetNs:    atomic.LoadUint64(&m.TotalGetNs),
		TotalRemoveNs: atomic.LoadUint64(&m.TotalRemoveNs),
	}
}

// approximateDocSize estimates a document's memory footprint for the
// MemoryBytes gauge: field count times a fixed overhead plus encoded value
// lengths, cheap enough to run on every insert.
func approximateDocSize(d *document.Document) int {
	size := 64 // id + metadata overhead, matches the original's fixed base
	for _, f := range d.Fields {
		size += len(f.Name) + 16
		if s, ok := f.Value.(string); ok {
			size += len(s)
		}
		if b, ok := f.Value.([]byte); ok {
			size += len(b)
		}
	}
	return size
}

// HotCache is a thread-safe document cache with TTL-first eviction and an
// LRU/LFU fallback once at capacity, grounded on cache/core.rs's Cache.
type HotCache struct {
	mu    sync.RWMutex
	store *simplelru.LRU[document.ID, *document.Document]

	configMu sync.RWMutex
	config   Config

	metrics Metrics

	evictionMu sync.Mutex
	freq       map[document.ID]uint64
	sizes      map[document.ID]int

	cron *cron.Cron
	log  zerolog.Logger
}

// New builds a HotCache with the given capacity and default tuning, and
// starts its background TTL purge cron job.
func New(capacity int, log zerolog.Logger) *HotCache {
	return NewWithConfig(DefaultConfig(capacity), log)
}

// NewWithConfig builds a HotCache with explicit tuning.
func NewWithConfig(cfg Config, log zerolog.Logger) *HotCache {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	store, _ := simplelru.NewLRU[document.ID, *document.Document](cfg.Capacity, nil)
	c := &HotCache{
		store:  store,
		config: cfg,
		freq:   make(map[document.ID]uint64),
		sizes:  make(map[document.ID]int),
		log:    log.With().Str("component", "hotcache").Logger(),
	}

	c.cron = cron.New()
	interval := time.Duration(cfg.PurgeIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_, _ = c.cron.AddFunc(every(interval), func() {
		n := c.PurgeExpiredNow()
		if n > 0 {
			c.log.Debug().Int("evicted", n).Msg("background ttl purge")
		}
	})
	c.cron.Start()
	return c
}

// every builds a cron spec firing roughly every d, matching robfig/cron's
// "@every" pseudo-schedule.
func every(d time.Duration) string {
	return "@every " + d.String()
}

// Close stops the background purge job.
func (c *HotCache) Close() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Insert adds or replaces a document in the cache, evicting as needed
// beforehand to honor the TTL-first policy.
func (c *HotCache) Insert(doc *document.Document) {
	start := time.Now()
	c.enforceCapacity()

	approx := approximateDocSize(doc)
	c.evictionMu.Lock()
	if prev, ok := c.sizes[doc.ID]; ok {
		atomic.AddUint64(&c.metrics.MemoryBytes, ^uint64(prev-1))
	}
	c.sizes[doc.ID] = approx
	c.evictionMu.Unlock()
	atomic.AddUint64(&c.metrics.MemoryBytes, uint64(approx))

	c.mu.Lock()
	c.store.Add(doc.ID, doc)
	c.mu.Unlock()

	c.evictionMu.Lock()
	c.freq[doc.ID] = 1
	c.evictionMu.Unlock()

	atomic.AddUint64(&c.metrics.Inserts, 1)
	atomic.AddUint64(&c.metrics.TotalInsertNs, uint64(time.Since(start).Nanoseconds()))
}

// Get retrieves a clone of a document, lazily evicting it first if it has
// expired.
func (c *HotCache) Get(id document.ID) (*document.Document, bool) {
	start := time.Now()
	c.mu.Lock()
	doc, ok := c.store.Get(id)
	if !ok {
		c.mu.Unlock()
		atomic.AddUint64(&c.metrics.Misses, 1)
		atomic.AddUint64(&c.metrics.TotalGetNs, uint64(time.Since(start).Nanoseconds()))
		return nil, false
	}
	if expired(doc) {
		c.store.Remove(id)
		c.mu.Unlock()
		c.dropTracking(id)
		atomic.AddUint64(&c.metrics.TTLEvictions, 1)
		atomic.AddUint64(&c.metrics.Misses, 1)
		atomic.AddUint64(&c.metrics.TotalGetNs, uint64(time.Since(start).Nanoseconds()))
		return nil, false
	}
	c.mu.Unlock()

	c.evictionMu.Lock()
	c.freq[id]++
	c.evictionMu.Unlock()

	atomic.AddUint64(&c.metrics.Hits, 1)
	atomic.AddUint64(&c.metrics.TotalGetNs, uint64(time.Since(start).Nanoseconds()))
	return doc.Clone(), true
}

// Items returns every non-expired document currently resident in the
// cache, without affecting recency or frequency tracking. Used to build
// a full-scan snapshot for unindexed queries.
func (c *HotCache) Items() []*document.Document {
	c.mu.Lock()
	keys := c.store.Keys()
	docs := make([]*document.Document, 0, len(keys))
	for _, id := range keys {
		if doc, ok := c.store.Peek(id); ok && !expired(doc) {
			docs = append(docs, doc)
		}
	}
	c.mu.Unlock()
	return docs
}

func expired(doc *document.Document) bool {
	exp, ok := doc.Metadata.ExpiresAt()
	return ok && time.Now().After(exp)
}

// Remove evicts id from the cache if present.
func (c *HotCache) Remove(id document.ID) bool {
	start := time.Now()
	c.mu.Lock()
	ok := c.store.Remove(id)
	c.mu.Unlock()
	if ok {
		atomic.AddUint64(&c.metrics.Removes, 1)
		c.dropTracking(id)
	}
	atomic.AddUint64(&c.metrics.TotalRemoveNs, uint64(time.Since(start).Nanoseconds()))
	return ok
}

func (c *HotCache) dropTracking(id document.ID) {
	c.evictionMu.Lock()
	if sz, ok := c.sizes[id]; ok {
		delete(c.sizes, id)
		atomic.AddUint64(&c.metrics.MemoryBytes, ^uint64(sz-1))
	}
	delete(c.freq, id)
	c.evictionMu.Unlock()
}

// Clear empties the cache entirely.
func (c *HotCache) Clear() {
	c.mu.Lock()
	c.store.Purge()
	c.mu.Unlock()
	c.evictionMu.Lock()
	c.freq = make(map[document.ID]uint64)
	c.sizes = make(map[document.ID]int)
	c.evictionMu.Unlock()
}

// PurgeExpiredNow forces a TTL sweep and returns the number of entries
// evicted; exposed for tests so they don't need to sleep out a cron tick.
func (c *HotCache) PurgeExpiredNow() int {
	c.mu.Lock()
	keys := c.store.Keys()
	var expiredKeys []document.ID
	for _, k := range keys {
		if doc, ok := c.store.Peek(k); ok && expired(doc) {
			expiredKeys = append(expiredKeys, k)
		}
	}
	for _, k := range expiredKeys {
		c.store.Remove(k)
	}
	c.mu.Unlock()

	for _, k := range expiredKeys {
		c.dropTracking(k)
	}
	if len(expiredKeys) > 0 {
		atomic.AddUint64(&c.metrics.TTLEvictions, uint64(len(expiredKeys)))
	}
	return len(expiredKeys)
}

// MetricsSnapshot returns a consistent copy of the cache's metrics.
func (c *HotCache) MetricsSnapshot() Snapshot {
	return c.metrics.snapshot()
}

// SetEvictionMode changes the eviction policy at runtime.
func (c *HotCache) SetEvictionMode(mode EvictionMode) {
	c.configMu.Lock()
	c.config.EvictionMode = mode
	c.configMu.Unlock()
}

// SetCapacity resizes the underlying store.
func (c *HotCache) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.configMu.Lock()
	c.config.Capacity = capacity
	c.configMu.Unlock()
	c.mu.Lock()
	c.store.Resize(capacity)
	c.mu.Unlock()
}

// enforceCapacity evicts TTL-expired entries first, then falls back to
// LRU/LFU sampling, mirroring cache/core.rs's enforce_capacity.
func (c *HotCache) enforceCapacity() {
	c.evictionMu.Lock()
	defer c.evictionMu.Unlock()

	c.configMu.RLock()
	cfg := c.config
	c.configMu.RUnlock()

	c.mu.RLock()
	length := c.store.Len()
	c.mu.RUnlock()

	if length < cfg.Capacity {
		return
	}
	needed := (length + 1) - cfg.Capacity
	if needed <= 0 {
		return
	}

	if cfg.EvictionMode == TtlFirst || cfg.EvictionMode == TtlOnly || cfg.EvictionMode == Hybrid {
		evictedTotal := 0
		for evictedTotal < needed && evictedTotal < cfg.BatchSize {
			n := c.purgeExpiredLocked()
			if n == 0 {
				break
			}
			evictedTotal += n
		}
		needed -= evictedTotal
		if needed < 0 {
			needed = 0
		}
	}

	if cfg.EvictionMode == TtlOnly {
		return
	}

	for needed > 0 {
		c.mu.Lock()
		keys := c.store.Keys()
		if len(keys) == 0 {
			c.mu.Unlock()
			break
		}
		batchSize := cfg.BatchSize
		if needed < batchSize {
			batchSize = needed
		}
		sampleCount := cfg.MaxSamples
		if len(keys) < sampleCount {
			sampleCount = len(keys)
		}
		// Keys() returns oldest-to-newest; sample from the tail end
		// (most-recent side of the LRU ordering is irrelevant here —
		// candidates are the least-recently-used entries at the front).
		candidates := append([]document.ID(nil), keys[:sampleCount]...)

		var victims []document.ID
		switch cfg.EvictionMode {
		case LruOnly:
			if len(candidates) > batchSize {
				candidates = candidates[:batchSize]
			}
			victims = candidates
		default: // Hybrid, TtlFirst fallback, LfuOnly
			type scored struct {
				freq uint64
				id   document.ID
			}
			ranked := make([]scored, len(candidates))
			for i, k := range candidates {
				ranked[i] = scored{freq: c.freq[k], id: k}
			}
			sort.Slice(ranked, func(i, j int) bool { return ranked[i].freq < ranked[j].freq })
			if len(ranked) > batchSize {
				ranked = ranked[:batchSize]
			}
			for _, r := range ranked {
				victims = append(victims, r.id)
			}
		}

		evictedThisRound := 0
		for _, id := range victims {
			if c.store.Remove(id) {
				atomic.AddUint64(&c.metrics.LRUEvictions, 1)
				if sz, ok := c.sizes[id]; ok {
					delete(c.sizes, id)
					atomic.AddUint64(&c.metrics.MemoryBytes, ^uint64(sz-1))
				}
				delete(c.freq, id)
				evictedThisRound++
				needed--
				if needed == 0 {
					break
				}
			}
		}
		c.mu.Unlock()
		if evictedThisRound == 0 {
			break
		}
	}
}

// purgeExpiredLocked assumes evictionMu is already held by the caller.
func (c *HotCache) purgeExpiredLocked() int {
	c.mu.Lock()
	keys := c.store.Keys()
	var expiredKeys []document.ID
	for _, k := range keys {
		if doc, ok := c.store.Peek(k); ok && expired(doc) {
			expiredKeys = append(expiredKeys, k)
		}
	}
	for _, k := range expiredKeys {
		c.store.Remove(k)
	}
	c.mu.Unlock()

	for _, k := range expiredKeys {
		if sz, ok := c.sizes[k]; ok {
			delete(c.sizes, k)
			atomic.AddUint64(&c.metrics.MemoryBytes, ^uint64(sz-1))
		}
		delete(c.freq, k)
	}
	if len(expiredKeys) > 0 {
		atomic.AddUint64(&c.metrics.TTLEvictions, uint64(len(expiredKeys)))
	}
	return len(expiredKeys)
}
