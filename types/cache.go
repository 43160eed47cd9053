package types

import (
	"context"
	"time"
)

type CacheStore interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	GetEntry(key string) (*CacheEntry, bool)
	Set(key string, value interface{}, opts ...CacheSetOption) error
	Remove(key string) bool
	Clear()
	InvalidatePattern(pattern string) (int, error)
	Prefetch(ctx context.Context, keys []string, loader CacheLoader) error
	Evict() int
	Stats() CacheStats
	SetConfig(update CacheStoreConfigUpdate) error
	Config() CacheStoreConfig
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)

// CachePayload lets a structured value hand its byte body to the cache codec.
type CachePayload interface {
	CachePayload() []byte
	WithCachePayload(payload []byte) interface{}
}

type CacheLoader func(ctx context.Context, key string) (interface{}, error)

// CacheEntry is a read-only snapshot when returned from GetEntry.
type CacheEntry struct {
	Key        string        `json:"key"`
	Value      interface{}   `json:"value"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
	Validator  string        `json:"validator,omitempty"`
	SizeBytes  int64         `json:"size_bytes"`
	Compressed bool          `json:"compressed"`
	Access     uint64        `json:"access"`
}

func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.ExpiresAt())
}

type CacheSetOptions struct {
	TTL       time.Duration
	Validator string
}

type CacheSetOption func(*CacheSetOptions)

func WithTTL(ttl time.Duration) CacheSetOption {
	return func(o *CacheSetOptions) {
		o.TTL = ttl
	}
}

func WithValidator(validator string) CacheSetOption {
	return func(o *CacheSetOptions) {
		o.Validator = validator
	}
}

type CacheStoreConfig struct {
	MaxEntries           int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	DefaultTTL           time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	MaxMemoryBytes       int64         `yaml:"max_memory_bytes" json:"max_memory_bytes" validate:"min=0"`
	CompressionThreshold int64         `yaml:"compression_threshold" json:"compression_threshold" validate:"min=0"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" validate:"min=0"`
	PrefetchConcurrency  int           `yaml:"prefetch_concurrency" json:"prefetch_concurrency" validate:"min=0"`
}

// CacheStoreConfigUpdate carries a partial config; nil fields are left unchanged.
type CacheStoreConfigUpdate struct {
	MaxEntries           *int
	DefaultTTL           *time.Duration
	MaxMemoryBytes       *int64
	CompressionThreshold *int64
}

type CacheStats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Entries        int     `json:"entries"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	Evictions      uint64  `json:"evictions"`
	Expirations    uint64  `json:"expirations"`
	HitRate        float64 `json:"hit_rate"`
}
