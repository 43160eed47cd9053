package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-reliability/types"
)

var customCacheCreators = make(map[string]types.CacheStoreCreator)

func RegisterCacheStore(cacheStoreName string, creator types.CacheStoreCreator) {
	customCacheCreators[cacheStoreName] = creator
}

func NewCacheStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...StoreOption) (types.CacheStore, error) {
	cacheConfig := config.GetConfig().Cache

	if cacheConfig == nil || !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	var impl types.CacheStore
	var err error

	switch cacheConfig.Type {
	case "memory", "":
		impl, err = NewMemoryStore(ctx, logger, cacheConfig, opts...)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, cacheConfig)
	default:
		if creator, exists := customCacheCreators[cacheConfig.Type]; exists {
			impl, err = creator(cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedCacheStore(logger, metrics, impl), nil
}

type instrumentedCacheStore struct {
	impl    types.CacheStore
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedCacheStore(logger types.Logger, metrics types.MetricsManager, impl types.CacheStore) types.CacheStore {
	return &instrumentedCacheStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (ics *instrumentedCacheStore) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := ics.impl.Get(key)

	ics.recordMetric("get", hitOrMiss(exists), time.Since(start))
	return value, exists
}

func (ics *instrumentedCacheStore) GetEntry(key string) (*types.CacheEntry, bool) {
	start := time.Now()
	entry, exists := ics.impl.GetEntry(key)

	ics.recordMetric("get", hitOrMiss(exists), time.Since(start))
	return entry, exists
}

func (ics *instrumentedCacheStore) Set(key string, value interface{}, opts ...types.CacheSetOption) error {
	start := time.Now()
	err := ics.impl.Set(key, value, opts...)

	ics.recordMetric("set", resultOf(err), time.Since(start))
	ics.recordSize()
	return err
}

func (ics *instrumentedCacheStore) Remove(key string) bool {
	start := time.Now()
	removed := ics.impl.Remove(key)

	result := "success"
	if !removed {
		result = "absent"
	}

	ics.recordMetric("remove", result, time.Since(start))
	ics.recordSize()
	return removed
}

func (ics *instrumentedCacheStore) Clear() {
	start := time.Now()
	ics.impl.Clear()

	ics.recordMetric("clear", "success", time.Since(start))
	ics.recordSize()
}

func (ics *instrumentedCacheStore) InvalidatePattern(pattern string) (int, error) {
	start := time.Now()
	removed, err := ics.impl.InvalidatePattern(pattern)

	ics.recordMetric("invalidate", resultOf(err), time.Since(start))
	ics.recordSize()
	return removed, err
}

func (ics *instrumentedCacheStore) Prefetch(ctx context.Context, keys []string, loader types.CacheLoader) error {
	start := time.Now()
	err := ics.impl.Prefetch(ctx, keys, loader)

	ics.recordMetric("prefetch", resultOf(err), time.Since(start))
	return err
}

func (ics *instrumentedCacheStore) Evict() int {
	start := time.Now()
	removed := ics.impl.Evict()

	ics.recordMetric("evict", "success", time.Since(start))
	if removed > 0 {
		ics.metrics.Counter("cache_evicted_entries_total", nil).Add(float64(removed))
	}
	ics.recordSize()
	return removed
}

func (ics *instrumentedCacheStore) Stats() types.CacheStats {
	return ics.impl.Stats()
}

func (ics *instrumentedCacheStore) SetConfig(update types.CacheStoreConfigUpdate) error {
	start := time.Now()
	err := ics.impl.SetConfig(update)

	ics.recordMetric("set_config", resultOf(err), time.Since(start))
	ics.recordSize()
	return err
}

func (ics *instrumentedCacheStore) Config() types.CacheStoreConfig {
	return ics.impl.Config()
}

func (ics *instrumentedCacheStore) Start() error {
	start := time.Now()
	err := ics.impl.Start()

	ics.recordMetric("start", resultOf(err), time.Since(start))

	return err
}

func (ics *instrumentedCacheStore) Stop() error {
	return ics.impl.Stop()
}

func (ics *instrumentedCacheStore) IsRunning() bool {
	return ics.impl.IsRunning()
}

func (ics *instrumentedCacheStore) recordMetric(operation, result string, duration time.Duration) {
	opCounter := ics.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := ics.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func (ics *instrumentedCacheStore) recordSize() {
	stats := ics.impl.Stats()
	ics.metrics.Gauge("cache_entries", nil).Set(float64(stats.Entries))
	ics.metrics.Gauge("cache_size_bytes", nil).Set(float64(stats.TotalSizeBytes))
}

func hitOrMiss(exists bool) string {
	if exists {
		return "hit"
	}
	return "miss"
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
