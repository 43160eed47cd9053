package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

const (
	redisIndexSuffix = "__lru"
	redisScanChunk   = 256

	kindBytes    = "bytes"
	kindString   = "string"
	kindResponse = "response"
	kindJSON     = "json"
)

// RedisConfig holds backend options from cache.config when cache.type is redis.
type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	Codec              string        `json:"codec"`
	CompressionLevel   int           `json:"compression_level"`
}

// redisEnvelope is the stored form of one entry. Data carries the payload,
// compressed when Compressed is set.
type redisEnvelope struct {
	Kind       string            `json:"kind"`
	Data       []byte            `json:"data"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	TTL        time.Duration     `json:"ttl"`
	Validator  string            `json:"validator,omitempty"`
	SizeBytes  int64             `json:"size_bytes"`
	Compressed bool              `json:"compressed"`
}

// RedisStore is a CacheStore shared between processes. Recency is kept in a
// sorted set next to the entries so the entry bound is enforced across all
// clients of the same prefix.
type RedisStore struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	redisConfig     *RedisConfig
	client          *redis.Client
	codec           Codec
	now             func() time.Time
	mu              sync.RWMutex
	config          types.CacheStoreConfig
	hits            uint64
	misses          uint64
	evictions       uint64
	expirations     uint64
	state           atomic.Value
	cleanupDone     chan struct{}
	shutdownTimeout time.Duration
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-reliability",
		Codec:              "brotli",
		CompressionLevel:   5,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	if err := validateStoreConfig(config.CacheStoreConfig); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &RedisStore{
		ctx:             storeCtx,
		cancel:          cancel,
		logger:          logger,
		redisConfig:     redisConfig,
		config:          config.CacheStoreConfig,
		now:             time.Now,
		shutdownTimeout: 10 * time.Second,
	}

	switch redisConfig.Codec {
	case "brotli", "br":
		store.codec = NewBrotliCodec(redisConfig.CompressionLevel)
	case "none", "":
	default:
		cancel()
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "codec: %s", redisConfig.Codec)
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (r *RedisStore) Get(key string) (interface{}, bool) {
	entry, ok := r.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

func (r *RedisStore) GetEntry(key string) (*types.CacheEntry, bool) {
	if key == "" {
		return nil, false
	}

	raw, err := r.client.Get(r.ctx, r.dataKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Error("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		} else {
			r.client.ZRem(r.ctx, r.indexKey(), key)
		}
		atomic.AddUint64(&r.misses, 1)
		return nil, false
	}

	var envelope redisEnvelope
	if err := utils.Unmarshal(raw, &envelope); err != nil {
		r.dropCorrupt(key, err)
		return nil, false
	}

	now := r.now()
	entry := &types.CacheEntry{
		Key:        key,
		CreatedAt:  envelope.CreatedAt,
		TTL:        envelope.TTL,
		Validator:  envelope.Validator,
		SizeBytes:  envelope.SizeBytes,
		Compressed: envelope.Compressed,
	}
	if entry.Expired(now) {
		r.Remove(key)
		atomic.AddUint64(&r.expirations, 1)
		atomic.AddUint64(&r.misses, 1)
		return nil, false
	}

	value, err := r.unwrap(&envelope)
	if err != nil {
		r.dropCorrupt(key, err)
		return nil, false
	}
	entry.Value = value

	r.client.ZAdd(r.ctx, r.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
	atomic.AddUint64(&r.hits, 1)

	return entry, true
}

func (r *RedisStore) Set(key string, value interface{}, opts ...types.CacheSetOption) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	cfg := r.Config()
	setOpts := types.CacheSetOptions{TTL: cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&setOpts)
	}

	envelope, err := r.wrap(value, cfg.CompressionThreshold)
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "encode %s: %v", key, err)
	}

	if cfg.MaxMemoryBytes > 0 && envelope.SizeBytes > cfg.MaxMemoryBytes {
		return types.Errorf(types.ErrCacheOperationFailed, "entry of %d bytes exceeds max_memory_bytes", envelope.SizeBytes)
	}

	now := r.now()
	envelope.CreatedAt = now
	envelope.TTL = setOpts.TTL
	envelope.Validator = setOpts.Validator

	data, err := utils.Marshal(envelope)
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "marshal %s: %v", key, err)
	}

	_, err = r.client.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(r.ctx, r.dataKey(key), data, setOpts.TTL)
		pipe.ZAdd(r.ctx, r.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to write cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}

	if cfg.MaxEntries > 0 {
		r.trim(cfg.MaxEntries)
	}

	return nil
}

func (r *RedisStore) Remove(key string) bool {
	if key == "" {
		return false
	}

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(r.ctx, r.dataKey(key))
		pipe.ZRem(r.ctx, r.indexKey(), key)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to remove cache entry", zap.String("key", key), zap.Error(err))
		return false
	}

	return del.Val() > 0
}

func (r *RedisStore) Clear() {
	keys, err := r.client.ZRange(r.ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		r.logger.Error("Failed to list cache index", zap.Error(err))
		return
	}

	r.removeKeys(keys)
	r.client.Del(r.ctx, r.indexKey())
}

func (r *RedisStore) InvalidatePattern(pattern string) (int, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	keys, err := r.client.ZRange(r.ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, types.Errorf(types.ErrCacheOperationFailed, "list index: %v", err)
	}

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}

	return r.removeKeys(matched), nil
}

// Prefetch loads every key without a live entry, like MemoryStore.Prefetch.
func (r *RedisStore) Prefetch(ctx context.Context, keys []string, loader types.CacheLoader) error {
	if loader == nil || len(keys) == 0 {
		return nil
	}

	limit := r.Config().PrefetchConcurrency
	if limit <= 0 {
		limit = defaultPrefetchConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	var errMu sync.Mutex
	var errs []error

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if r.client.Exists(ctx, r.dataKey(key)).Val() > 0 {
			continue
		}

		g.Go(func() error {
			value, err := loader(ctx, key)
			if err == nil {
				err = r.Set(key, value)
			}
			if err != nil {
				r.logger.Warn("Cache prefetch failed", zap.String("key", key), zap.Error(err))
				errMu.Lock()
				errs = append(errs, types.WrapError(err, key))
				errMu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrCachePrefetchFailed, errors.Join(errs...))
	}

	return nil
}

// Evict drops index members whose entries redis already expired, then trims
// the least recently used entries down to max_entries.
func (r *RedisStore) Evict() int {
	keys, err := r.client.ZRange(r.ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		r.logger.Error("Failed to list cache index", zap.Error(err))
		return 0
	}

	var stale []interface{}
	for start := 0; start < len(keys); start += redisScanChunk {
		chunk := keys[start:min(start+redisScanChunk, len(keys))]

		dataKeys := make([]string, len(chunk))
		for i, key := range chunk {
			dataKeys[i] = r.dataKey(key)
		}

		values, err := r.client.MGet(r.ctx, dataKeys...).Result()
		if err != nil {
			r.logger.Error("Failed to probe cache entries", zap.Error(err))
			return 0
		}
		for i, value := range values {
			if value == nil {
				stale = append(stale, chunk[i])
			}
		}
	}

	removed := 0
	if len(stale) > 0 {
		r.client.ZRem(r.ctx, r.indexKey(), stale...)
		removed += len(stale)
		atomic.AddUint64(&r.expirations, uint64(len(stale)))
	}

	if maxEntries := r.Config().MaxEntries; maxEntries > 0 {
		removed += r.trim(maxEntries)
	}

	return removed
}

func (r *RedisStore) Stats() types.CacheStats {
	hits := atomic.LoadUint64(&r.hits)
	misses := atomic.LoadUint64(&r.misses)

	stats := types.CacheStats{
		Hits:        hits,
		Misses:      misses,
		Entries:     int(r.client.ZCard(r.ctx, r.indexKey()).Val()),
		Evictions:   atomic.LoadUint64(&r.evictions),
		Expirations: atomic.LoadUint64(&r.expirations),
	}

	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats
}

func (r *RedisStore) SetConfig(update types.CacheStoreConfigUpdate) error {
	r.mu.Lock()
	next := r.config
	if update.MaxEntries != nil {
		next.MaxEntries = *update.MaxEntries
	}
	if update.DefaultTTL != nil {
		next.DefaultTTL = *update.DefaultTTL
	}
	if update.MaxMemoryBytes != nil {
		next.MaxMemoryBytes = *update.MaxMemoryBytes
	}
	if update.CompressionThreshold != nil {
		next.CompressionThreshold = *update.CompressionThreshold
	}

	if err := validateStoreConfig(next); err != nil {
		r.mu.Unlock()
		return err
	}
	r.config = next
	r.mu.Unlock()

	if next.MaxEntries > 0 {
		if removed := r.trim(next.MaxEntries); removed > 0 {
			r.logger.Info("Cache config updated, entries evicted", zap.Int("removed", removed))
		}
	}

	return nil
}

func (r *RedisStore) Config() types.CacheStoreConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

func (r *RedisStore) Start() error {
	if !r.state.CompareAndSwap(MemoryStateStopped, MemoryStateStarting) {
		r.logger.Warn("Cache store is already running")
		return types.ErrServerAlreadyRunning
	}

	if r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}

	pingCtx, cancel := context.WithTimeout(r.ctx, r.redisConfig.DialTimeout)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.state.Store(MemoryStateStopped)
		return types.WrapError(err, "failed to connect to redis")
	}

	r.cleanupDone = make(chan struct{})
	if interval := r.Config().CleanupInterval; interval > 0 {
		go r.startCleanupRoutine(r.ctx, interval, r.cleanupDone)
	} else {
		close(r.cleanupDone)
	}

	r.state.Store(MemoryStateRunning)
	r.logger.Info("Redis cache store started", zap.String("prefix", r.redisConfig.KeyPrefix))
	return nil
}

// Stop leaves entries in redis; other clients may still be reading them.
func (r *RedisStore) Stop() error {
	if !r.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopping) {
		r.logger.Warn("Redis cache store is not running")
		return types.ErrServerNotRunning
	}

	defer r.state.Store(MemoryStateStopped)

	r.cancel()

	select {
	case <-r.cleanupDone:
	case <-time.After(r.shutdownTimeout):
		r.logger.Warn("Cleanup routine stop timeout")
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return r.state.Load().(MemoryState) == MemoryStateRunning
}

func (r *RedisStore) startCleanupRoutine(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.Evict(); removed > 0 {
				r.logger.Debug("Redis cache cleanup", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// trim pops the oldest index members beyond maxEntries and deletes their data.
func (r *RedisStore) trim(maxEntries int) int {
	excess := r.client.ZCard(r.ctx, r.indexKey()).Val() - int64(maxEntries)
	if excess <= 0 {
		return 0
	}

	victims, err := r.client.ZPopMin(r.ctx, r.indexKey(), excess).Result()
	if err != nil {
		r.logger.Error("Failed to trim cache index", zap.Error(err))
		return 0
	}

	dataKeys := make([]string, 0, len(victims))
	for _, victim := range victims {
		if key, ok := victim.Member.(string); ok {
			dataKeys = append(dataKeys, r.dataKey(key))
		}
	}
	if len(dataKeys) > 0 {
		r.client.Del(r.ctx, dataKeys...)
	}

	atomic.AddUint64(&r.evictions, uint64(len(victims)))
	return len(victims)
}

func (r *RedisStore) removeKeys(keys []string) int {
	removed := 0
	for start := 0; start < len(keys); start += redisScanChunk {
		chunk := keys[start:min(start+redisScanChunk, len(keys))]

		dataKeys := make([]string, len(chunk))
		members := make([]interface{}, len(chunk))
		for i, key := range chunk {
			dataKeys[i] = r.dataKey(key)
			members[i] = key
		}

		var del *redis.IntCmd
		_, err := r.client.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(r.ctx, dataKeys...)
			pipe.ZRem(r.ctx, r.indexKey(), members...)
			return nil
		})
		if err != nil {
			r.logger.Error("Failed to remove cache entries", zap.Error(err))
			continue
		}
		removed += int(del.Val())
	}
	return removed
}

func (r *RedisStore) wrap(value interface{}, threshold int64) (*redisEnvelope, error) {
	envelope := &redisEnvelope{}

	switch v := value.(type) {
	case []byte:
		envelope.Kind, envelope.Data = kindBytes, v
	case string:
		envelope.Kind, envelope.Data = kindString, []byte(v)
	case *types.Response:
		envelope.Kind, envelope.Data = kindResponse, v.Body
		envelope.Status, envelope.Headers = v.Status, v.Headers
	default:
		data, err := utils.Marshal(value)
		if err != nil {
			return nil, err
		}
		envelope.Kind, envelope.Data = kindJSON, data
	}

	envelope.SizeBytes = int64(len(envelope.Data))

	if r.codec != nil && threshold > 0 && envelope.SizeBytes > threshold {
		encoded, err := r.codec.Encode(envelope.Data)
		if err == nil && len(encoded) < len(envelope.Data) {
			envelope.Data = encoded
			envelope.Compressed = true
			envelope.SizeBytes = int64(len(encoded))
		}
	}

	return envelope, nil
}

func (r *RedisStore) unwrap(envelope *redisEnvelope) (interface{}, error) {
	data := envelope.Data
	if envelope.Compressed {
		if r.codec == nil {
			return nil, types.NewErrorf("entry compressed but no codec configured")
		}
		decoded, err := r.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		data = decoded
	}

	switch envelope.Kind {
	case kindBytes:
		return data, nil
	case kindString:
		return string(data), nil
	case kindResponse:
		return &types.Response{Status: envelope.Status, Headers: envelope.Headers, Body: data}, nil
	case kindJSON:
		var value interface{}
		if err := utils.Unmarshal(data, &value); err != nil {
			return nil, err
		}
		return value, nil
	default:
		return nil, types.NewErrorf("unknown entry kind %s", strconv.Quote(envelope.Kind))
	}
}

func (r *RedisStore) dropCorrupt(key string, cause error) {
	r.Remove(key)
	atomic.AddUint64(&r.misses, 1)
	r.logger.Error("Dropped corrupt cache entry",
		zap.String("key", key),
		zap.Error(types.Errorf(types.ErrCacheEntryCorrupt, "%v", cause)))
}

func (r *RedisStore) dataKey(key string) string {
	if r.redisConfig.KeyPrefix == "" {
		return key
	}
	return r.redisConfig.KeyPrefix + ":" + key
}

func (r *RedisStore) indexKey() string {
	return r.dataKey(redisIndexSuffix)
}
