package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, cfg types.CacheStoreConfig, opts ...StoreOption) *MemoryStore {
	t.Helper()

	store, err := NewMemoryStore(context.Background(), logger.NewNop(), &types.CacheConfig{
		Enabled:          true,
		Type:             "memory",
		CacheStoreConfig: cfg,
	}, opts...)
	require.NoError(t, err)

	return store
}

func TestMemoryStore_SetGetWithinTTL(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute}, WithClock(clock.Now))

	require.NoError(t, store.Set("doc:1", map[string]string{"title": "A"}, types.WithTTL(time.Second)))

	value, ok := store.Get("doc:1")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"title": "A"}, value)

	clock.Advance(1100 * time.Millisecond)

	value, ok = store.Get("doc:1")
	assert.False(t, ok)
	assert.Nil(t, value)

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.TotalSizeBytes)
}

func TestMemoryStore_DefaultTTLApplied(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: 5 * time.Second}, WithClock(clock.Now))

	require.NoError(t, store.Set("k", "v"))

	entry, ok := store.GetEntry("k")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, entry.TTL)

	clock.Advance(6 * time.Second)
	_, ok = store.Get("k")
	assert.False(t, ok)
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{MaxEntries: 2, DefaultTTL: time.Minute})

	require.NoError(t, store.Set("a", 1))
	require.NoError(t, store.Set("b", 2))

	_, ok := store.Get("a")
	require.True(t, ok)

	require.NoError(t, store.Set("c", 3))

	_, ok = store.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	a, ok := store.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, a)

	c, ok := store.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, c)

	assert.Equal(t, uint64(1), store.Stats().Evictions)
}

func TestMemoryStore_MemoryBoundEviction(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{MaxMemoryBytes: 10, DefaultTTL: time.Minute})

	require.NoError(t, store.Set("a", "12345"))
	require.NoError(t, store.Set("b", "12345"))
	assert.Equal(t, int64(10), store.Stats().TotalSizeBytes)

	require.NoError(t, store.Set("c", "123"))

	stats := store.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(8), stats.TotalSizeBytes)

	_, ok := store.Get("a")
	assert.False(t, ok)
}

func TestMemoryStore_SizeAccountingOnReplaceAndRemove(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute})

	require.NoError(t, store.Set("a", "1234"))
	require.NoError(t, store.Set("b", "12"))
	require.NoError(t, store.Set("a", "123456"))
	assert.Equal(t, int64(8), store.Stats().TotalSizeBytes)

	assert.True(t, store.Remove("a"))
	assert.False(t, store.Remove("a"))
	assert.Equal(t, int64(2), store.Stats().TotalSizeBytes)

	store.Clear()
	stats := store.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.TotalSizeBytes)
}

func TestMemoryStore_EmptyKey(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{})
	assert.ErrorIs(t, store.Set("", 1), types.ErrCacheKeyEmpty)
}

func TestMemoryStore_HitRate(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute})
	assert.Equal(t, float64(0), store.Stats().HitRate)

	require.NoError(t, store.Set("k", 1))
	store.Get("k")
	store.Get("k")
	store.Get("k")
	store.Get("missing")

	stats := store.Stats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
}

func TestMemoryStore_Compression(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute, CompressionThreshold: 64})

	payload := []byte(strings.Repeat(`{"row":"value"},`, 200))
	require.NoError(t, store.Set("big", payload))

	entry, ok := store.GetEntry("big")
	require.True(t, ok)
	assert.True(t, entry.Compressed)
	assert.Less(t, entry.SizeBytes, int64(len(payload)))
	assert.Equal(t, payload, entry.Value)
	assert.Equal(t, entry.SizeBytes, store.Stats().TotalSizeBytes)

	resp := &types.Response{Status: 200, Body: payload}
	require.NoError(t, store.Set("resp", resp))

	value, ok := store.Get("resp")
	require.True(t, ok)
	restored := value.(*types.Response)
	assert.Equal(t, 200, restored.Status)
	assert.Equal(t, payload, restored.Body)
}

func TestMemoryStore_IncompressibleStoredRaw(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute, CompressionThreshold: 1})

	require.NoError(t, store.Set("tiny", "ab"))

	entry, ok := store.GetEntry("tiny")
	require.True(t, ok)
	assert.False(t, entry.Compressed)
	assert.Equal(t, "ab", entry.Value)
}

type brokenCodec struct{}

func (brokenCodec) Name() string { return "broken" }

func (brokenCodec) Encode(data []byte) ([]byte, error) { return data[:1], nil }

func (brokenCodec) Decode([]byte) ([]byte, error) { return nil, errors.New("bad frame") }

func TestMemoryStore_CorruptEntrySelfHeals(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute, CompressionThreshold: 2}, WithCodec(brokenCodec{}))

	require.NoError(t, store.Set("k", "payload"))

	_, ok := store.Get("k")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.TotalSizeBytes)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestMemoryStore_InvalidatePattern(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute})

	for _, key := range []string{"GET:/api/users/1", "GET:/api/users/2", "GET:/api/docs/1", "other"} {
		require.NoError(t, store.Set(key, key))
	}

	removed, err := store.InvalidatePattern("GET:/api/users/*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = store.InvalidatePattern(`re:^GET:/api/docs/\d+$`)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := store.Get("other")
	assert.True(t, ok)

	_, err = store.InvalidatePattern("re:(")
	assert.ErrorIs(t, err, types.ErrCachePatternInvalid)

	_, err = store.InvalidatePattern("")
	assert.ErrorIs(t, err, types.ErrCachePatternInvalid)

	multiline := "POST:http://api.test/notes:{}:line one\nline two"
	require.NoError(t, store.Set(multiline, "note"))
	removed, err = store.InvalidatePattern("POST:*/notes*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok = store.Get(multiline)
	assert.False(t, ok)
}

func TestMemoryStore_Prefetch(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute, PrefetchConcurrency: 2})
	require.NoError(t, store.Set("cached", "already"))

	var mu sync.Mutex
	loaded := make(map[string]int)

	err := store.Prefetch(context.Background(), []string{"cached", "a", "fail", "b", "a"}, func(ctx context.Context, key string) (interface{}, error) {
		mu.Lock()
		loaded[key]++
		mu.Unlock()

		if key == "fail" {
			return nil, errors.New("upstream down")
		}
		return "loaded:" + key, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCachePrefetchFailed)
	assert.Contains(t, err.Error(), "upstream down")

	assert.Equal(t, map[string]int{"a": 1, "fail": 1, "b": 1}, loaded)

	for _, key := range []string{"a", "b"} {
		value, ok := store.Get(key)
		require.True(t, ok)
		assert.Equal(t, "loaded:"+key, value)
	}

	value, _ := store.Get("cached")
	assert.Equal(t, "already", value)
}

func TestMemoryStore_SetConfigEvictsImmediately(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{MaxEntries: 10, DefaultTTL: time.Minute})

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("k%d", i), i))
	}

	maxEntries := 2
	require.NoError(t, store.SetConfig(types.CacheStoreConfigUpdate{MaxEntries: &maxEntries}))

	assert.Equal(t, 2, store.Stats().Entries)
	assert.Equal(t, 2, store.Config().MaxEntries)

	_, ok := store.Get("k4")
	assert.True(t, ok)
	_, ok = store.Get("k0")
	assert.False(t, ok)

	negative := -1
	assert.ErrorIs(t, store.SetConfig(types.CacheStoreConfigUpdate{MaxEntries: &negative}), types.ErrConfigValidateFailed)
	assert.Equal(t, 2, store.Config().MaxEntries)
}

func TestMemoryStore_EvictRemovesExpiredFirst(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: time.Minute}, WithClock(clock.Now))

	require.NoError(t, store.Set("short", 1, types.WithTTL(time.Second)))
	require.NoError(t, store.Set("long", 2, types.WithTTL(time.Hour)))

	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, store.Evict())
	assert.Equal(t, 1, store.Stats().Entries)
	assert.Equal(t, uint64(0), store.Stats().Evictions)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{DefaultTTL: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})

	require.NoError(t, store.Start())
	assert.True(t, store.IsRunning())
	assert.ErrorIs(t, store.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, store.Set("k", 1))
	assert.Eventually(t, func() bool {
		return store.Stats().Entries == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Stop())
	assert.False(t, store.IsRunning())
	assert.ErrorIs(t, store.Stop(), types.ErrServerNotRunning)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := newTestStore(t, types.CacheStoreConfig{MaxEntries: 50, DefaultTTL: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (worker*j)%80)
				_ = store.Set(key, "value")
				store.Get(key)
			}
		}(i)
	}
	wg.Wait()

	stats := store.Stats()
	assert.LessOrEqual(t, stats.Entries, 50)
	assert.Equal(t, int64(stats.Entries*len("value")), stats.TotalSizeBytes)
}
