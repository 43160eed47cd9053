package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

func newTestManager(t *testing.T, checkTimeout time.Duration) *Manager {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "health-test",
		Version: "2.0.0",
		Health:  &types.HealthConfig{Enabled: true, CheckTimeout: checkTimeout},
	})
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), cm, logger.NewNop())
	require.NoError(t, err)

	return manager
}

func TestManager_CheckAggregates(t *testing.T) {
	manager := newTestManager(t, time.Second)
	require.NoError(t, manager.Start())
	defer manager.Stop()

	manager.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return Healthy("running")
	})
	manager.RegisterChecker("telemetry", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown, Message: "outstanding alerts"}
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnknown, report.Status)
	assert.Equal(t, "health-test", report.Service.Name)
	assert.Equal(t, "2.0.0", report.Service.Version)
	assert.Equal(t, types.HealthSummary{Total: 2, Healthy: 1, Unknown: 1}, report.Summary)
	assert.Equal(t, "cache", report.Checks["cache"].Name)

	manager.RegisterChecker("socket", func(ctx context.Context) types.HealthCheck {
		return Unhealthy("disconnected")
	})

	report = manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Len(t, manager.LastResults(), 3)
}

func TestManager_TimeoutAndPanic(t *testing.T) {
	manager := newTestManager(t, 30*time.Millisecond)

	manager.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Healthy("late")
	})
	manager.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("checker exploded")
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.ErrHealthCheckTimeout.Error(), report.Checks["slow"].Message)
	assert.Contains(t, report.Checks["panics"].Message, "checker exploded")
	assert.Equal(t, 2, report.Summary.Unhealthy)
}

func TestManager_Lifecycle(t *testing.T) {
	manager := newTestManager(t, 0)
	assert.Equal(t, 5*time.Second, manager.checkTimeout)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)

	manager.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck { return Healthy("") })

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)

	report := manager.Check(context.Background())
	assert.Equal(t, 0, report.Summary.Total)
	assert.Equal(t, types.StatusHealthy, report.Status)
}

func TestManager_Handler(t *testing.T) {
	manager := newTestManager(t, time.Second)

	rec := httptest.NewRecorder()
	manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, manager.Start())
	defer manager.Stop()

	healthy := true
	manager.RegisterChecker("socket", func(ctx context.Context) types.HealthCheck {
		if healthy {
			return Healthy("socket is connected")
		}
		return Unhealthy("socket is backoff(2)")
	})

	rec = httptest.NewRecorder()
	manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, "2.0.0", report.Service.Version)

	healthy = false
	rec = httptest.NewRecorder()
	manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
