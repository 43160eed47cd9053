package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/cron"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *types.TelemetryConfig {
	return &types.TelemetryConfig{
		Enabled:     true,
		Sampling:    1,
		HistorySize: 100,
		MaxAlerts:   50,
		Thresholds: types.TelemetryThresholds{
			APICall:        1000,
			Render:         16,
			FirstPaint:     2500,
			LayoutShift:    0.1,
			InputLatency:   100,
			MemoryFraction: 0.9,
		},
	}
}

func newTestTelemetry(t *testing.T, cfg *types.TelemetryConfig, opts ...Option) *Telemetry {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:      "telemetry-test",
		Version:   "1.0.0",
		Telemetry: cfg,
	})
	require.NoError(t, err)

	telemetry, err := NewTelemetry(context.Background(), cm, logger.NewNop(), nil, opts...)
	require.NoError(t, err)

	return telemetry
}

func TestTelemetry_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{Name: "x", Version: "1", Telemetry: cfg})
	require.NoError(t, err)

	_, err = NewTelemetry(context.Background(), cm, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrTelemetryIsDisabled)
}

func TestTelemetry_ReportPercentile(t *testing.T) {
	telemetry := newTestTelemetry(t, testConfig())

	for i := 1; i <= 100; i++ {
		telemetry.RecordAPICall("/api/documents", float64(i))
	}

	report := telemetry.Report()
	stats := report.Endpoints["/api/documents"]
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 50.5, stats.Avg)
	assert.Equal(t, float64(95), stats.P95)
	assert.Equal(t, float64(100), stats.Max)
	assert.Zero(t, report.AlertCount)
}

func TestTelemetry_HistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 10
	telemetry := newTestTelemetry(t, cfg)

	for i := 1; i <= 25; i++ {
		telemetry.RecordAPICall("/api/search", float64(i))
	}

	stats := telemetry.Report().Endpoints["/api/search"]
	assert.Equal(t, 10, stats.Count)
	assert.Equal(t, 20.5, stats.Avg)

	require.NoError(t, telemetry.UpdateConfig(types.TelemetryConfigUpdate{HistorySize: types.Int(4)}))
	stats = telemetry.Report().Endpoints["/api/search"]
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 23.5, stats.Avg)
}

func TestTelemetry_APICallThresholds(t *testing.T) {
	telemetry := newTestTelemetry(t, testConfig())

	telemetry.RecordAPICall("/api/fast", 200)
	telemetry.RecordAPICall("/api/slow", 1500)
	telemetry.RecordAPICall("/api/stuck", 2500)

	alerts := telemetry.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, types.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "api_call", alerts[0].Metric)
	assert.Equal(t, float64(1500), alerts[0].Value)
	assert.Equal(t, types.SeverityError, alerts[1].Severity)
	assert.NotEmpty(t, alerts[1].ID)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestTelemetry_SamplingSkipsStorageNotAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling = 0.5

	draws := []float64{0.9, 0.1, 0.7}
	var mu sync.Mutex
	sampler := func() float64 {
		mu.Lock()
		defer mu.Unlock()
		v := draws[0]
		draws = draws[1:]
		return v
	}

	telemetry := newTestTelemetry(t, cfg, WithSampler(sampler))

	telemetry.RecordAPICall("/api/a", 5000)
	telemetry.RecordAPICall("/api/a", 10)
	telemetry.RecordAPICall("/api/a", 20)

	assert.Equal(t, 1, telemetry.Report().Endpoints["/api/a"].Count)
	assert.Len(t, telemetry.Alerts(), 1)
}

func TestTelemetry_AlertRingDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAlerts = 5
	telemetry := newTestTelemetry(t, cfg)

	for i := 0; i < 12; i++ {
		telemetry.RecordError(errors.New("boom"), map[string]string{"seq": string(rune('a' + i))})
	}

	alerts := telemetry.Alerts()
	require.Len(t, alerts, 5)
	assert.Equal(t, "boom (seq=h)", alerts[0].Message)
	assert.Equal(t, "boom (seq=l)", alerts[4].Message)

	report := telemetry.Report()
	assert.Equal(t, uint64(12), report.Metrics.Errors)
	assert.Equal(t, 5, report.BySeverity[types.SeverityError])

	telemetry.ClearAlerts()
	assert.Empty(t, telemetry.Alerts())
	assert.Equal(t, uint64(12), telemetry.Report().Metrics.Errors)
}

func TestTelemetry_StartMeasurement(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	telemetry := newTestTelemetry(t, testConfig(), WithClock(clock.Now))

	stop := telemetry.StartMeasurement("dashboard.render")
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, stop())
	assert.Equal(t, 10*time.Millisecond, stop())
	assert.Empty(t, telemetry.Alerts())

	stop = telemetry.StartMeasurement("dashboard.render")
	clock.Advance(40 * time.Millisecond)
	stop()

	alerts := telemetry.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "render", alerts[0].Metric)
	assert.Contains(t, alerts[0].Message, "dashboard.render")

	report := telemetry.Report()
	assert.Equal(t, 2, report.Measurements["dashboard.render"].Count)
	assert.Equal(t, uint64(2), report.Metrics.Measurements)

	telemetry.ClearAlerts()
	name := types.RequestMeasurement("GET /documents")
	stop = telemetry.StartMeasurement(name)
	clock.Advance(500 * time.Millisecond)
	stop()
	assert.Empty(t, telemetry.Alerts())

	stop = telemetry.StartMeasurement(name)
	clock.Advance(1500 * time.Millisecond)
	stop()

	alerts = telemetry.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "request", alerts[0].Metric)
	assert.Equal(t, 2, telemetry.Report().Measurements[name].Count)
}

func TestTelemetry_SampleMemory(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryLimitBytes = 1000

	used := uint64(500)
	telemetry := newTestTelemetry(t, cfg, WithMemoryReader(func() (uint64, uint64) {
		return used, 2000
	}))

	snapshot := telemetry.SampleMemory()
	assert.Equal(t, 0.5, snapshot.Fraction)
	assert.Empty(t, telemetry.Alerts())

	used = 950
	snapshot = telemetry.SampleMemory()
	assert.Equal(t, 0.95, snapshot.Fraction)

	alerts := telemetry.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "memory", alerts[0].Metric)
	assert.Equal(t, types.SeverityWarning, alerts[0].Severity)

	report := telemetry.Report()
	require.NotNil(t, report.Metrics.Memory)
	assert.Equal(t, uint64(950), report.Metrics.Memory.UsedBytes)
}

func TestTelemetry_CaptureLifecycle(t *testing.T) {
	telemetry := newTestTelemetry(t, testConfig())
	telemetry.CaptureLifecycle()
	assert.Empty(t, telemetry.Alerts())

	source := types.LifecycleSourceFunc(func() (types.LifecycleSnapshot, bool) {
		return types.LifecycleSnapshot{FirstPaintMs: 3000, LayoutShift: 0.05, InputLatencyMs: 150}, true
	})
	telemetry = newTestTelemetry(t, testConfig(), WithLifecycleSource(source))
	telemetry.CaptureLifecycle()

	alerts := telemetry.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "first_paint", alerts[0].Metric)
	assert.Equal(t, "input_latency", alerts[1].Metric)
	for _, alert := range alerts {
		assert.Equal(t, types.SeverityWarning, alert.Severity)
	}
	assert.Equal(t, 3000.0, telemetry.Report().Metrics.Lifecycle.FirstPaintMs)
}

func TestTelemetry_CountersAndSubscribe(t *testing.T) {
	telemetry := newTestTelemetry(t, testConfig())

	var received []types.PerformanceAlert
	unsubscribe := telemetry.Subscribe(func(alert types.PerformanceAlert) {
		received = append(received, alert)
	})
	telemetry.Subscribe(func(alert types.PerformanceAlert) {
		panic("listener failure")
	})

	telemetry.RecordError(errors.New("render failed"), nil)
	unsubscribe()
	telemetry.RecordError(errors.New("ignored"), nil)

	require.Len(t, received, 1)
	assert.Equal(t, "render failed", received[0].Message)

	telemetry.RecordInteraction("click")
	telemetry.RecordInteraction("click")
	telemetry.RecordScrollDepth(40)
	telemetry.RecordScrollDepth(140)
	telemetry.RecordScrollDepth(10)

	metrics := telemetry.Report().Metrics
	assert.Equal(t, uint64(2), metrics.Clicks)
	assert.Equal(t, float64(100), metrics.ScrollDepth)
}

func TestTelemetry_UpdateConfig(t *testing.T) {
	telemetry := newTestTelemetry(t, testConfig())

	assert.ErrorIs(t, telemetry.UpdateConfig(types.TelemetryConfigUpdate{Sampling: floatPtr(1.5)}),
		types.ErrTelemetryConfigInvalid)

	thresholds := telemetry.Config().Thresholds
	thresholds.APICall = 100
	require.NoError(t, telemetry.UpdateConfig(types.TelemetryConfigUpdate{Thresholds: &thresholds}))

	telemetry.RecordAPICall("/api/a", 150)
	assert.Len(t, telemetry.Alerts(), 1)
}

func TestTelemetry_MaxTrackedNames(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTrackedNames = 2
	telemetry := newTestTelemetry(t, cfg)

	telemetry.RecordAPICall("/a", 1)
	telemetry.RecordAPICall("/b", 1)
	telemetry.RecordAPICall("/c", 1)
	telemetry.RecordAPICall("/a", 2)

	endpoints := telemetry.Report().Endpoints
	assert.Len(t, endpoints, 2)
	assert.Equal(t, 2, endpoints["/a"].Count)
}

func TestTelemetry_LifecycleOnCron(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "telemetry-test",
		Version: "1.0.0",
		Cron:    &types.CronConfig{Enabled: true, Timezone: "UTC", JobTimeout: time.Second},
	})
	require.NoError(t, err)

	scheduler, err := cron.NewManager(context.Background(), cm, logger.NewNop(), nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MemoryLimitBytes = 100
	telemetry := newTestTelemetry(t, cfg,
		WithCron(scheduler),
		WithMemoryReader(func() (uint64, uint64) { return 99, 200 }))

	require.NoError(t, telemetry.Start())
	assert.ErrorIs(t, telemetry.Start(), types.ErrServerAlreadyRunning)
	assert.Len(t, scheduler.Jobs(), 3)

	require.NoError(t, scheduler.Trigger("telemetry_memory"))
	require.Len(t, telemetry.Alerts(), 1)

	interval := time.Minute
	require.NoError(t, telemetry.UpdateConfig(types.TelemetryConfigUpdate{ReportingInterval: &interval}))
	for _, job := range scheduler.Jobs() {
		if job.Name == "telemetry_report" {
			assert.Equal(t, cron.EverySpec(time.Minute), job.Spec)
		}
	}

	require.NoError(t, telemetry.Stop())
	assert.Empty(t, scheduler.Jobs())
}

func TestTelemetry_LifecycleOnTickers(t *testing.T) {
	cfg := testConfig()
	cfg.MemorySampleInterval = 10 * time.Millisecond
	cfg.MemoryLimitBytes = 100

	telemetry := newTestTelemetry(t, cfg, WithMemoryReader(func() (uint64, uint64) { return 50, 200 }))
	require.NoError(t, telemetry.Start())

	assert.Eventually(t, func() bool {
		return telemetry.Report().Metrics.Memory != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, telemetry.Stop())
	assert.False(t, telemetry.IsRunning())
}

func TestTelemetry_TickersResumeAfterRestart(t *testing.T) {
	cfg := testConfig()
	cfg.MemorySampleInterval = 10 * time.Millisecond
	cfg.MemoryLimitBytes = 100

	var reads atomic.Int32
	telemetry := newTestTelemetry(t, cfg, WithMemoryReader(func() (uint64, uint64) {
		reads.Add(1)
		return 50, 200
	}))

	require.NoError(t, telemetry.Start())
	assert.Eventually(t, func() bool { return reads.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, telemetry.Stop())

	require.NoError(t, telemetry.Start())
	defer func() { _ = telemetry.Stop() }()

	before := reads.Load()
	assert.Eventually(t, func() bool { return reads.Load() > before+1 }, time.Second, 5*time.Millisecond)
}

func floatPtr(v float64) *float64 {
	return &v
}
