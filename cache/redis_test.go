package cache

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
)

func newRedisStore(t *testing.T, cfg types.CacheStoreConfig, redisConfig *RedisConfig) *RedisStore {
	t.Helper()

	store, err := NewRedisStore(context.Background(), logger.NewNop(), &types.CacheConfig{
		Enabled:          true,
		Type:             "redis",
		Config:           redisConfig,
		CacheStoreConfig: cfg,
	})
	require.NoError(t, err)
	return store
}

// liveRedisStore connects to REDIS_ADDR and skips when it is unset.
func liveRedisStore(t *testing.T, cfg types.CacheStoreConfig) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	host, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	store := newRedisStore(t, cfg, &RedisConfig{
		Host:        host,
		Port:        port,
		DialTimeout: time.Second,
		KeyPrefix:   "test:" + strings.ReplaceAll(t.Name(), "/", "-"),
		Codec:       "brotli",
	})
	require.NoError(t, store.Start())
	t.Cleanup(func() {
		store.Clear()
		_ = store.Stop()
	})
	store.Clear()

	return store
}

func TestRedisStore_EnvelopeRoundTrip(t *testing.T) {
	store := newRedisStore(t, types.CacheStoreConfig{}, &RedisConfig{Codec: "brotli", CompressionLevel: 5})
	body := []byte(strings.Repeat(`{"title":"Quarterly report"},`, 100))

	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{"bytes", []byte("raw"), []byte("raw")},
		{"string", "text", "text"},
		{"response", &types.Response{Status: 200, Headers: map[string]string{"Etag": "v1"}, Body: body},
			&types.Response{Status: 200, Headers: map[string]string{"Etag": "v1"}, Body: body}},
		{"json", map[string]interface{}{"id": "1"}, map[string]interface{}{"id": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := store.wrap(tt.value, 64)
			require.NoError(t, err)

			got, err := store.unwrap(envelope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	envelope, err := store.wrap(&types.Response{Status: 200, Body: body}, 64)
	require.NoError(t, err)
	assert.True(t, envelope.Compressed)
	assert.Less(t, envelope.SizeBytes, int64(len(body)))

	envelope, err = store.wrap([]byte("short"), 64)
	require.NoError(t, err)
	assert.False(t, envelope.Compressed)

	_, err = store.unwrap(&redisEnvelope{Kind: "unknown"})
	assert.Error(t, err)
}

func TestRedisStore_RejectsUnknownCodec(t *testing.T) {
	_, err := NewRedisStore(context.Background(), logger.NewNop(), &types.CacheConfig{
		Enabled: true,
		Type:    "redis",
		Config:  &RedisConfig{Codec: "zstd"},
	})
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)
}

func TestRedisStore_Live(t *testing.T) {
	store := liveRedisStore(t, types.CacheStoreConfig{MaxEntries: 3, DefaultTTL: time.Minute})

	for i := range 3 {
		require.NoError(t, store.Set("GET:http://api.test/documents/"+strconv.Itoa(i), []byte("doc")))
	}

	_, ok := store.Get("GET:http://api.test/documents/0")
	require.True(t, ok)

	require.NoError(t, store.Set("GET:http://api.test/reports/1", "report"))
	_, ok = store.Get("GET:http://api.test/documents/1")
	assert.False(t, ok)
	assert.Equal(t, 3, store.Stats().Entries)
	assert.Equal(t, uint64(1), store.Stats().Evictions)

	removed, err := store.InvalidatePattern("GET:*/documents/*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	value, ok := store.Get("GET:http://api.test/reports/1")
	require.True(t, ok)
	assert.Equal(t, "report", value)

	_, err = store.InvalidatePattern("re:(")
	assert.ErrorIs(t, err, types.ErrCachePatternInvalid)
}
