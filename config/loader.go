package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-reliability/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, nil, err
	}

	return config, raw, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	if config.Socket != nil && config.Socket.Enabled && config.Socket.URL == "" {
		return types.Errorf(types.ErrConfigValidateFailed, "socket.url is required when socket is enabled")
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Cron: &types.CronConfig{
			Enabled:    true,
			Timezone:   "UTC",
			JobTimeout: time.Minute,
		},
		Health: &types.HealthConfig{
			Enabled:      true,
			CheckTimeout: 5 * time.Second,
		},
		Cache: &types.CacheConfig{
			Enabled: true,
			Type:    "memory",
			CacheStoreConfig: types.CacheStoreConfig{
				MaxEntries:           500,
				DefaultTTL:           5 * time.Minute,
				MaxMemoryBytes:       50 * 1024 * 1024,
				CompressionThreshold: 10 * 1024,
				CleanupInterval:      time.Minute,
				PrefetchConcurrency:  4,
			},
		},
		Client: &types.ClientConfig{
			Timeout:             10 * time.Second,
			Retries:             3,
			RetryBaseDelay:      time.Second,
			MaxRetryDelay:       30 * time.Second,
			EnableCaching:       true,
			EnableBatching:      true,
			EnableDeduplication: true,
			BatchWindow:         10 * time.Millisecond,
			BatchMaxSize:        10,
			BatchPath:           "/api/batch",
			MaxIdleConnections:  64,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Telemetry: &types.TelemetryConfig{
			Enabled:              true,
			Sampling:             1.0,
			HistorySize:          100,
			MaxAlerts:            50,
			MaxTrackedNames:      500,
			ReportingInterval:    30 * time.Second,
			MemorySampleInterval: 10 * time.Second,
			LifecycleInterval:    5 * time.Second,
			Thresholds: types.TelemetryThresholds{
				APICall:        2000,
				Render:         16,
				FirstPaint:     2500,
				LayoutShift:    0.1,
				InputLatency:   100,
				MemoryFraction: 0.9,
			},
		},
		Socket: &types.SocketConfig{
			Enabled:      false,
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  0,
			Jitter:       0.1,
			DialTimeout:  10 * time.Second,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
	}
}
