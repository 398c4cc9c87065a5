package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/waspdb/waspdb/document"
)

func TestTTLFirstEvictionUnderPressure(t *testing.T) {
	cfg := Config{Capacity: 2, EvictionMode: TtlFirst, MaxSamples: 8, BatchSize: 4, PurgeIntervalSecs: 3600}
	c := NewWithConfig(cfg, zerolog.Nop())
	defer c.Close()

	expiring := document.NewEphemeral(50 * time.Millisecond)
	c.Insert(expiring)

	longLived := document.New()
	c.Insert(longLived)

	time.Sleep(80 * time.Millisecond)

	fresh := document.New()
	c.Insert(fresh)

	_, ok := c.Get(expiring.ID)
	require.False(t, ok, "ttl-expired document must be gone")

	_, ok = c.Get(longLived.ID)
	require.True(t, ok, "non-expired document must survive a ttl-first eviction pass")

	_, ok = c.Get(fresh.ID)
	require.True(t, ok)
}

func TestInsertGetRemoveRoundTrip(t *testing.T) {
	c := New(16, zerolog.Nop())
	defer c.Close()

	doc := document.New()
	doc.Set("name", "alice")
	c.Insert(doc)

	got, ok := c.Get(doc.ID)
	require.True(t, ok)
	require.Equal(t, "alice", got.Fields[0].Value)

	require.True(t, c.Remove(doc.ID))
	_, ok = c.Get(doc.ID)
	require.False(t, ok)
}

func TestLRUFallbackEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := Config{Capacity: 2, EvictionMode: LruOnly, MaxSamples: 8, BatchSize: 1, PurgeIntervalSecs: 3600}
	c := NewWithConfig(cfg, zerolog.Nop())
	defer c.Close()

	a := document.New()
	b := document.New()
	c.Insert(a)
	c.Insert(b)

	// touch a so b becomes the lru victim
	c.Get(a.ID)

	third := document.New()
	c.Insert(third)

	_, aOK := c.Get(a.ID)
	_, bOK := c.Get(b.ID)
	_, thirdOK := c.Get(third.ID)
	require.True(t, aOK)
	require.True(t, thirdOK)
	require.False(t, bOK)
}

func TestPurgeExpiredNow(t *testing.T) {
	c := New(8, zerolog.Nop())
	defer c.Close()

	doc := document.NewEphemeral(10 * time.Millisecond)
	c.Insert(doc)
	time.Sleep(30 * time.Millisecond)

	n := c.PurgeExpiredNow()
	require.Equal(t, 1, n)

	snap := c.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.TTLEvictions)
}
