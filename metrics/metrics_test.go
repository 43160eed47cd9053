package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

func newManager(t *testing.T, metricsType string) *Manager {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "metrics-test",
		Version: "1.0.0",
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    metricsType,
			Config:  map[string]interface{}{"enable_go_metrics": false},
		},
	})
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), cm, logger.NewNop())
	require.NoError(t, err)

	return manager
}

func TestManager_DisabledAndUnknown(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{Name: "x", Version: "1"})
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	cm, err = config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "x",
		Version: "1",
		Metrics: &types.MetricsConfig{Enabled: true, Type: "statsd"},
	})
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestManager_NoopWhileStopped(t *testing.T) {
	manager := newManager(t, "memory")

	counter := manager.Counter("requests_total", nil)
	counter.Inc()
	assert.Equal(t, float64(0), counter.Get())

	_, err := manager.GetMetrics()
	assert.ErrorIs(t, err, types.ErrMetricsNotRunning)
}

func TestMemoryMetrics_Instruments(t *testing.T) {
	manager := newManager(t, "memory")
	require.NoError(t, manager.Start())
	defer manager.Stop()

	labels := map[string]string{"method": "GET", "result": "success"}
	manager.Counter("http_client_requests_total", labels).Inc()
	manager.Counter("http_client_requests_total", map[string]string{"result": "success", "method": "GET"}).Add(2)
	assert.Equal(t, float64(3), manager.Counter("http_client_requests_total", labels).Get())

	gauge := manager.Gauge("cache_entries", nil)
	gauge.Set(10)
	gauge.Dec()
	gauge.Add(0.5)
	assert.Equal(t, 9.5, gauge.Get())

	histogram := manager.Histogram("latency_seconds", []float64{0.1, 1}, nil)
	histogram.Observe(0.05)
	histogram.Observe(2)
	assert.Equal(t, uint64(2), histogram.GetCount())
	assert.InDelta(t, 2.05, histogram.GetSum(), 1e-9)

	summary := manager.Summary("render_ms", nil, nil)
	for i := 1; i <= 100; i++ {
		summary.Observe(float64(i))
	}
	assert.Equal(t, uint64(100), summary.GetCount())
	assert.Equal(t, float64(95), summary.(*MemorySummary).Quantile(0.95))

	raw, err := manager.GetMetrics()
	require.NoError(t, err)

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(raw, &values))
	assert.Len(t, values, 4)
}

func TestPrometheusMetrics_ReadbackAndHandler(t *testing.T) {
	manager := newManager(t, "prometheus")
	require.NoError(t, manager.Start())
	defer manager.Stop()

	manager.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Inc()
	manager.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Inc()
	assert.Equal(t, float64(2), manager.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Get())

	mismatched := manager.Counter("cache_operations_total", map[string]string{"operation": "get"})
	mismatched.Inc()
	assert.Equal(t, float64(0), mismatched.Get())

	histogram := manager.Histogram("http_client_request_duration_seconds", []float64{0.1, 1}, map[string]string{"method": "GET"})
	histogram.Observe(0.2)
	assert.Equal(t, uint64(1), histogram.GetCount())

	server := httptest.NewServer(manager.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sai_reliability_cache_operations_total{operation="get",result="hit"} 2`)
}
