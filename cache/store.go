package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const defaultPrefetchConcurrency = 4

// MemoryConfig holds backend options from cache.config.
type MemoryConfig struct {
	Codec            string `json:"codec"`
	CompressionLevel int    `json:"compression_level"`
}

type StoreOption func(*MemoryStore)

func WithCodec(codec Codec) StoreOption {
	return func(m *MemoryStore) {
		m.codec = codec
	}
}

func WithSizeFunc(fn SizeFunc) StoreOption {
	return func(m *MemoryStore) {
		if fn != nil {
			m.sizeOf = fn
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

type storedEntry struct {
	types.CacheEntry
	kind  payloadKind
	shell interface{}
}

type MemoryStore struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          types.CacheStoreConfig
	codec           Codec
	sizeOf          SizeFunc
	now             func() time.Time
	data            map[string]*storedEntry
	totalSize       int64
	clock           uint64
	hits            uint64
	misses          uint64
	evictions       uint64
	expirations     uint64
	mu              sync.RWMutex
	state           atomic.Value
	cleanupDone     chan struct{}
	shutdownTimeout time.Duration
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.CacheConfig, opts ...StoreOption) (*MemoryStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	memConfig := &MemoryConfig{
		Codec:            "brotli",
		CompressionLevel: 5,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	if err := validateStoreConfig(config.CacheStoreConfig); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:             storeCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config.CacheStoreConfig,
		sizeOf:          EstimateSize,
		now:             time.Now,
		data:            make(map[string]*storedEntry),
		shutdownTimeout: 10 * time.Second,
	}

	switch memConfig.Codec {
	case "brotli", "br":
		store.codec = NewBrotliCodec(memConfig.CompressionLevel)
	case "none", "":
	default:
		cancel()
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "codec: %s", memConfig.Codec)
	}

	for _, opt := range opts {
		opt(store)
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Get(key string) (interface{}, bool) {
	entry, ok := m.lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns a snapshot including the validator for conditional revalidation.
func (m *MemoryStore) GetEntry(key string) (*types.CacheEntry, bool) {
	return m.lookup(key)
}

func (m *MemoryStore) lookup(key string) (*types.CacheEntry, bool) {
	now := m.now()

	m.mu.Lock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.Unlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if entry.Expired(now) {
		m.removeEntryUnsafe(key)
		m.mu.Unlock()
		atomic.AddUint64(&m.expirations, 1)
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	m.clock++
	entry.Access = m.clock
	snapshot := entry.CacheEntry
	kind, shell := entry.kind, entry.shell
	m.mu.Unlock()

	if snapshot.Compressed {
		value, err := m.decode(kind, shell, snapshot.Value.([]byte))
		if err != nil {
			m.dropCorrupt(key, entry, err)
			atomic.AddUint64(&m.misses, 1)
			return nil, false
		}
		snapshot.Value = value
	}

	atomic.AddUint64(&m.hits, 1)

	return &snapshot, true
}

func (m *MemoryStore) Set(key string, value interface{}, opts ...types.CacheSetOption) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	options := types.CacheSetOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if options.TTL <= 0 {
		options.TTL = cfg.DefaultTTL
	}

	entry := &storedEntry{
		CacheEntry: types.CacheEntry{
			Key:       key,
			Value:     value,
			CreatedAt: m.now(),
			TTL:       options.TTL,
			Validator: options.Validator,
			SizeBytes: m.sizeOf(value),
		},
	}

	if m.codec != nil && cfg.CompressionThreshold > 0 && entry.SizeBytes > cfg.CompressionThreshold {
		m.compress(entry)
	}

	m.mu.Lock()
	if old, exists := m.data[key]; exists {
		m.totalSize -= old.SizeBytes
	}
	m.clock++
	entry.Access = m.clock
	m.data[key] = entry
	m.totalSize += entry.SizeBytes
	removed := m.evictUnsafe()
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("Cache bounds enforced after write", zap.String("key", key), zap.Int("removed", removed))
	}

	return nil
}

func (m *MemoryStore) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists {
		return false
	}

	m.removeEntryUnsafe(key)
	return true
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	count := len(m.data)
	m.data = make(map[string]*storedEntry)
	m.totalSize = 0
	m.mu.Unlock()

	m.logger.Debug("Cache cleared", zap.Int("cleared_entries", count))
}

func (m *MemoryStore) InvalidatePattern(pattern string) (int, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	removed := 0
	for key := range m.data {
		if matcher.MatchString(key) {
			m.removeEntryUnsafe(key)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("Cache entries invalidated", zap.String("pattern", pattern), zap.Int("removed", removed))
	}

	return removed, nil
}

// Prefetch loads every key without a live entry. A failing loader does not
// stop the others; all failures are returned joined.
func (m *MemoryStore) Prefetch(ctx context.Context, keys []string, loader types.CacheLoader) error {
	if loader == nil || len(keys) == 0 {
		return nil
	}

	m.mu.RLock()
	limit := m.config.PrefetchConcurrency
	m.mu.RUnlock()
	if limit <= 0 {
		limit = defaultPrefetchConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	var errMu sync.Mutex
	var errs []error

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup || m.live(key) {
			continue
		}
		seen[key] = struct{}{}

		g.Go(func() error {
			value, err := loader(ctx, key)
			if err == nil {
				err = m.Set(key, value)
			}
			if err != nil {
				m.logger.Warn("Cache prefetch failed", zap.String("key", key), zap.Error(err))
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

// Evict runs the bounded pass: expired entries, then least recently used
// entries until the entry and memory limits hold.
func (m *MemoryStore) Evict() int {
	m.mu.Lock()
	removed := m.evictUnsafe()
	m.mu.Unlock()

	return removed
}

func (m *MemoryStore) Stats() types.CacheStats {
	hits := atomic.LoadUint64(&m.hits)
	misses := atomic.LoadUint64(&m.misses)

	m.mu.RLock()
	entries := len(m.data)
	size := m.totalSize
	m.mu.RUnlock()

	stats := types.CacheStats{
		Hits:           hits,
		Misses:         misses,
		Entries:        entries,
		TotalSizeBytes: size,
		Evictions:      atomic.LoadUint64(&m.evictions),
		Expirations:    atomic.LoadUint64(&m.expirations),
	}

	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats
}

func (m *MemoryStore) SetConfig(update types.CacheStoreConfigUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.config
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
		return err
	}

	m.config = next
	if removed := m.evictUnsafe(); removed > 0 {
		m.logger.Info("Cache config updated, entries evicted", zap.Int("removed", removed))
	}

	return nil
}

func (m *MemoryStore) Config() types.CacheStoreConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Cache store is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}

	m.cleanupDone = make(chan struct{})
	if interval := m.Config().CleanupInterval; interval > 0 {
		go m.startCleanupRoutine(m.ctx, interval, m.cleanupDone)
	} else {
		close(m.cleanupDone)
	}

	m.logger.Info("Memory cache store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory cache store is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.Clear()

	m.logger.Info("Memory cache store stopped gracefully")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryStore) startCleanupRoutine(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-ticker.C:
			if removed := m.Evict(); removed > 0 {
				m.logger.Debug("Cleanup completed", zap.Int("removed_entries", removed))
			}
		}
	}
}

func (m *MemoryStore) live(key string) bool {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	return exists && !entry.Expired(now)
}

func (m *MemoryStore) evictUnsafe() int {
	now := m.now()
	removed := 0

	for key, entry := range m.data {
		if entry.Expired(now) {
			m.removeEntryUnsafe(key)
			atomic.AddUint64(&m.expirations, 1)
			removed++
		}
	}

	for m.config.MaxEntries > 0 && len(m.data) > m.config.MaxEntries {
		if !m.evictOneUnsafe() {
			break
		}
		removed++
	}

	for m.config.MaxMemoryBytes > 0 && m.totalSize > m.config.MaxMemoryBytes {
		if !m.evictOneUnsafe() {
			break
		}
		removed++
	}

	return removed
}

func (m *MemoryStore) evictOneUnsafe() bool {
	victimKey := m.findLRUVictim()
	if victimKey == "" {
		return false
	}

	m.removeEntryUnsafe(victimKey)
	atomic.AddUint64(&m.evictions, 1)

	return true
}

func (m *MemoryStore) findLRUVictim() string {
	var victimKey string
	var oldest uint64

	for key, entry := range m.data {
		if victimKey == "" || entry.Access < oldest {
			victimKey = key
			oldest = entry.Access
		}
	}

	return victimKey
}

func (m *MemoryStore) removeEntryUnsafe(key string) {
	if entry, exists := m.data[key]; exists {
		m.totalSize -= entry.SizeBytes
		delete(m.data, key)
	}
}

func (m *MemoryStore) compress(entry *storedEntry) {
	payload, kind := payloadOf(entry.Value)
	if kind == payloadNone || len(payload) == 0 {
		return
	}

	encoded, err := m.codec.Encode(payload)
	if err != nil {
		m.logger.Warn("Cache compression failed, storing raw",
			zap.String("key", entry.Key),
			zap.String("codec", m.codec.Name()),
			zap.Error(err))
		return
	}

	if len(encoded) >= len(payload) {
		return
	}

	if kind == payloadCarrier {
		entry.shell = entry.Value
	}
	entry.kind = kind
	entry.Value = encoded
	entry.Compressed = true
	entry.SizeBytes -= int64(len(payload) - len(encoded))
}

func (m *MemoryStore) decode(kind payloadKind, shell interface{}, data []byte) (interface{}, error) {
	decoded, err := m.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return restorePayload(kind, shell, decoded), nil
}

// dropCorrupt removes an entry that failed to decode, unless it was replaced meanwhile.
func (m *MemoryStore) dropCorrupt(key string, entry *storedEntry, cause error) {
	m.mu.Lock()
	if current, exists := m.data[key]; exists && current == entry {
		m.removeEntryUnsafe(key)
	}
	m.mu.Unlock()

	err := pkgerrors.Wrapf(types.ErrCacheEntryCorrupt, "key %s: %v", key, cause)
	if stackLogger, ok := m.logger.(interface {
		ErrorWithErrStack(msg string, err error, fields ...zap.Field)
	}); ok {
		stackLogger.ErrorWithErrStack("Dropped corrupt cache entry", err, zap.String("key", key))
		return
	}
	m.logger.Error("Dropped corrupt cache entry", zap.String("key", key), zap.Error(err))
}

func validateStoreConfig(cfg types.CacheStoreConfig) error {
	switch {
	case cfg.MaxEntries < 0:
		return types.Errorf(types.ErrConfigValidateFailed, "max_entries must be >= 0")
	case cfg.DefaultTTL < 0:
		return types.Errorf(types.ErrConfigValidateFailed, "default_ttl must be >= 0")
	case cfg.MaxMemoryBytes < 0:
		return types.Errorf(types.ErrConfigValidateFailed, "max_memory_bytes must be >= 0")
	case cfg.CompressionThreshold < 0:
		return types.Errorf(types.ErrConfigValidateFailed, "compression_threshold must be >= 0")
	}
	return nil
}
