package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/types"
)

func observedManager(t *testing.T) (*Manager, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	m := &Manager{
		ctx:             context.Background(),
		cancel:          func() {},
		logger:          NewZapWrapper(zap.New(core)),
		shutdownTimeout: time.Second,
	}
	m.state.Store(StateStopped)
	return m, logs
}

func TestManager_AlertListenerMapsSeverity(t *testing.T) {
	m, logs := observedManager(t)
	listener := m.AlertListener()

	listener(types.PerformanceAlert{ID: "a1", Severity: types.SeverityWarning, Metric: "api_call", Value: 2500, Threshold: 2000})
	listener(types.PerformanceAlert{ID: "a2", Severity: types.SeverityError, Metric: "error"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "api_call", entries[0].ContextMap()["metric"])
	assert.Equal(t, 2500.0, entries[0].ContextMap()["value"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "a2", entries[1].ContextMap()["alert_id"])
}

func TestManager_Named(t *testing.T) {
	m, logs := observedManager(t)

	m.Named("cache").Info("Cache store started")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0].LoggerName)
}

func TestManager_Lifecycle(t *testing.T) {
	m, _ := observedManager(t)

	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
}

func TestNewManager(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "logger-test",
		Version: "1.0.0",
		Logger:  &types.LoggerConfig{Level: "error", Type: "syslog"},
	})
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm)
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)

	RegisterLogger("syslog", func(interface{}) (types.Logger, error) { return NewNop(), nil })
	m, err := NewManager(context.Background(), cm)
	require.NoError(t, err)
	assert.NotNil(t, m.Named("client"))
}
