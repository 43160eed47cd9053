package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Cron      *CronConfig      `yaml:"cron" json:"cron"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache"`
	Client    *ClientConfig    `yaml:"client" json:"client"`
	Telemetry *TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Socket    *SocketConfig    `yaml:"socket" json:"socket"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled          bool        `yaml:"enabled" json:"enabled"`
	Type             string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config           interface{} `yaml:"config" json:"config"`
	CacheStoreConfig `yaml:",inline"`
}

type CronConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Timezone   string        `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout" validate:"min=0"`
}

type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled    bool                   `yaml:"enabled" json:"enabled"`
	Type       string                 `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config     interface{}            `yaml:"config" json:"config"`
	Prefix     string                 `yaml:"prefix" json:"prefix"`
	Labels     map[string]string      `yaml:"labels" json:"labels"`
	Collectors MetricsCollectorConfig `yaml:"collectors" json:"collectors"`
}

type MetricsCollectorConfig struct {
	System bool `yaml:"system" json:"system"`
}

type ClientConfig struct {
	BaseURL             string                `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Timeout             time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries             int                   `yaml:"retries" json:"retries" validate:"min=0,max=10"`
	RetryBaseDelay      time.Duration         `yaml:"retry_base_delay" json:"retry_base_delay" validate:"min=0"`
	MaxRetryDelay       time.Duration         `yaml:"max_retry_delay" json:"max_retry_delay" validate:"min=0"`
	EnableCaching       bool                  `yaml:"enable_caching" json:"enable_caching"`
	EnableBatching      bool                  `yaml:"enable_batching" json:"enable_batching"`
	EnableDeduplication bool                  `yaml:"enable_deduplication" json:"enable_deduplication"`
	BatchWindow         time.Duration         `yaml:"batch_window" json:"batch_window" validate:"min=0"`
	BatchMaxSize        int                   `yaml:"batch_max_size" json:"batch_max_size" validate:"min=0"`
	BatchPath           string                `yaml:"batch_path" json:"batch_path"`
	MaxIdleConnections  int                   `yaml:"max_idle_connections" json:"max_idle_connections" validate:"min=0"`
	CircuitBreaker      *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Auth                *ClientAuthConfig     `yaml:"auth" json:"auth"`
}

type ClientAuthConfig struct {
	Provider string                 `yaml:"provider" json:"provider"`
	Payload  map[string]interface{} `yaml:"payload" json:"payload"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"min=0"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type TelemetryConfig struct {
	Enabled              bool                `yaml:"enabled" json:"enabled"`
	Sampling             float64             `yaml:"sampling" json:"sampling" validate:"min=0,max=1"`
	HistorySize          int                 `yaml:"history_size" json:"history_size" validate:"min=0"`
	MaxAlerts            int                 `yaml:"max_alerts" json:"max_alerts" validate:"min=0"`
	MaxTrackedNames      int                 `yaml:"max_tracked_names" json:"max_tracked_names" validate:"min=0"`
	MemoryLimitBytes     uint64              `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
	ReportingInterval    time.Duration       `yaml:"reporting_interval" json:"reporting_interval" validate:"min=0"`
	MemorySampleInterval time.Duration       `yaml:"memory_sample_interval" json:"memory_sample_interval" validate:"min=0"`
	LifecycleInterval    time.Duration       `yaml:"lifecycle_interval" json:"lifecycle_interval" validate:"min=0"`
	Thresholds           TelemetryThresholds `yaml:"thresholds" json:"thresholds"`
}

// TelemetryThresholds are in milliseconds except LayoutShift (unitless score)
// and MemoryFraction (0..1 of the limit).
type TelemetryThresholds struct {
	APICall        float64 `yaml:"api_call" json:"api_call" validate:"min=0"`
	Render         float64 `yaml:"render" json:"render" validate:"min=0"`
	FirstPaint     float64 `yaml:"first_paint" json:"first_paint" validate:"min=0"`
	LayoutShift    float64 `yaml:"layout_shift" json:"layout_shift" validate:"min=0"`
	InputLatency   float64 `yaml:"input_latency" json:"input_latency" validate:"min=0"`
	MemoryFraction float64 `yaml:"memory_fraction" json:"memory_fraction" validate:"min=0,max=1"`
}

// TelemetryConfigUpdate carries a partial config; nil fields are left unchanged.
type TelemetryConfigUpdate struct {
	Sampling          *float64
	HistorySize       *int
	ReportingInterval *time.Duration
	MemoryLimitBytes  *uint64
	Thresholds        *TelemetryThresholds
}

type SocketConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url" validate:"omitempty,url"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay" validate:"min=0"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay" validate:"min=0"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	Jitter        float64       `yaml:"jitter" json:"jitter" validate:"min=0,max=1"`
	DialTimeout   time.Duration `yaml:"dial_timeout" json:"dial_timeout" validate:"min=0"`
	PingInterval  time.Duration `yaml:"ping_interval" json:"ping_interval" validate:"min=0"`
	PongWait      time.Duration `yaml:"pong_wait" json:"pong_wait" validate:"min=0"`
	WriteWait     time.Duration `yaml:"write_wait" json:"write_wait" validate:"min=0"`
	ForwardAlerts bool          `yaml:"forward_alerts" json:"forward_alerts"`
}
