package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/types"
)

const sampleYAML = `
name: dashboard-client
version: 1.2.0
logger:
  level: debug
cache:
  enabled: true
  type: memory
  max_entries: 2
  default_ttl: 1s
client:
  base_url: http://api.local
  retries: 2
  retry_base_delay: 50ms
  batch_window: 5ms
telemetry:
  thresholds:
    api_call: 750
`

func TestLoader_LoadFromBytes_MergesDefaults(t *testing.T) {
	cfg, raw, err := NewLoader().LoadFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "dashboard-client", cfg.Name)
	assert.Equal(t, 2, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, int64(50*1024*1024), cfg.Cache.MaxMemoryBytes)
	assert.Equal(t, 2, cfg.Client.Retries)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.RetryBaseDelay)
	assert.Equal(t, "/api/batch", cfg.Client.BatchPath)
	assert.Equal(t, float64(750), cfg.Telemetry.Thresholds.APICall)
	assert.Equal(t, float64(100), cfg.Telemetry.Thresholds.InputLatency)
	assert.Equal(t, 50, cfg.Telemetry.MaxAlerts)
	assert.Contains(t, raw, "client")
}

func TestLoader_ValidationFailures(t *testing.T) {
	loader := NewLoader()

	_, _, err := loader.LoadFromBytes([]byte("version: 1.0.0\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = loader.LoadFromBytes([]byte("name: a\nversion: b\nsocket:\n  enabled: true\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = loader.LoadFromBytes([]byte("name: a\nversion: b\ntelemetry:\n  sampling: 2\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = loader.LoadFromBytes([]byte("name: [unterminated"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestConfigurationManager_FileAndPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", cm.GetConfig().Version)
	assert.Equal(t, "http://api.local", cm.GetValue("client.base_url", ""))
	assert.Equal(t, "fallback", cm.GetValue("client.missing", "fallback"))

	var thresholds types.TelemetryThresholds
	require.NoError(t, cm.GetAs("telemetry.thresholds", &thresholds))
	assert.Equal(t, float64(750), thresholds.APICall)

	assert.ErrorIs(t, cm.GetAs("nope.nothing", &thresholds), types.ErrConfigNotFound)

	require.NoError(t, cm.Start())
	assert.True(t, cm.IsRunning())
	assert.ErrorIs(t, cm.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, cm.Stop())
	assert.False(t, cm.IsRunning())
}

func TestConfigurationManager_MissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestNewStaticManager_FillsSections(t *testing.T) {
	cm, err := NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "static",
		Version: "0.0.1",
		Client:  &types.ClientConfig{Retries: 1, BatchPath: "/batch"},
	})
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 1, cfg.Client.Retries)
	require.NotNil(t, cfg.Cache)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, "/batch", cm.GetValue("client.batch_path", ""))

	_, err = NewStaticManager(context.Background(), &types.ServiceConfig{Name: "no-version"})
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}
