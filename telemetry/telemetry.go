package telemetry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/cron"
	"github.com/saiset-co/sai-reliability/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	jobMemory    = "telemetry_memory"
	jobLifecycle = "telemetry_lifecycle"
	jobReport    = "telemetry_report"
)

var apiCallBuckets = []float64{25, 50, 100, 250, 500, 1000, 2000, 5000, 10000}

// MemoryReader returns the used and total bytes of the process.
type MemoryReader func() (used, total uint64)

type Option func(*Telemetry)

// WithCron schedules the periodic jobs on the given manager instead of internal tickers.
func WithCron(scheduler types.CronManager) Option {
	return func(t *Telemetry) {
		t.scheduler = scheduler
	}
}

func WithLifecycleSource(source types.LifecycleSource) Option {
	return func(t *Telemetry) {
		t.lifecycleSource = source
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Telemetry) {
		t.now = now
	}
}

// WithSampler replaces the sampling source; it must return values in [0, 1).
func WithSampler(sample func() float64) Option {
	return func(t *Telemetry) {
		t.sample = sample
	}
}

func WithMemoryReader(reader MemoryReader) Option {
	return func(t *Telemetry) {
		t.readMemory = reader
	}
}

type Telemetry struct {
	parent          context.Context
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	scheduler       types.CronManager
	lifecycleSource types.LifecycleSource
	now             func() time.Time
	sample          func() float64
	readMemory      MemoryReader

	mu           sync.Mutex
	config       types.TelemetryConfig
	endpoints    map[string]*sampleRing
	measurements map[string]*sampleRing
	alerts       *alertRing
	lifecycle    types.LifecycleSnapshot
	memory       *types.MemorySnapshot
	errors       uint64
	clicks       uint64
	scrollDepth  float64
	measureCount uint64

	listenersMu    sync.RWMutex
	listeners      map[uint64]types.AlertListener
	nextListenerID uint64

	reportTicker *time.Ticker
	done         chan struct{}
	wg           sync.WaitGroup

	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewTelemetry(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Telemetry, error) {
	telemetryConfig := config.GetConfig().Telemetry
	if telemetryConfig == nil || !telemetryConfig.Enabled {
		return nil, types.ErrTelemetryIsDisabled
	}

	cfg := *telemetryConfig
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	telemetryCtx, cancel := context.WithCancel(ctx)

	t := &Telemetry{
		parent:          ctx,
		ctx:             telemetryCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		now:             time.Now,
		sample:          rand.Float64,
		readMemory:      readRuntimeMemory,
		config:          cfg,
		endpoints:       make(map[string]*sampleRing),
		measurements:    make(map[string]*sampleRing),
		alerts:          newAlertRing(cfg.MaxAlerts),
		listeners:       make(map[uint64]types.AlertListener),
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.state.Store(StateStopped)

	return t, nil
}

func validateConfig(cfg *types.TelemetryConfig) error {
	if cfg.Sampling < 0 || cfg.Sampling > 1 {
		return types.Errorf(types.ErrTelemetryConfigInvalid, "sampling %v outside [0,1]", cfg.Sampling)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 50
	}
	if cfg.MaxTrackedNames <= 0 {
		cfg.MaxTrackedNames = 500
	}
	if cfg.ReportingInterval <= 0 {
		cfg.ReportingInterval = 30 * time.Second
	}
	if cfg.MemorySampleInterval <= 0 {
		cfg.MemorySampleInterval = 10 * time.Second
	}
	if cfg.LifecycleInterval <= 0 {
		cfg.LifecycleInterval = 5 * time.Second
	}
	if cfg.Thresholds.MemoryFraction > 1 {
		return types.Errorf(types.ErrTelemetryConfigInvalid, "memory fraction %v above 1", cfg.Thresholds.MemoryFraction)
	}
	return nil
}

// StartMeasurement brackets a span. The returned stop records the elapsed
// time under name and checks it against the render threshold.
func (t *Telemetry) StartMeasurement(name string) func() time.Duration {
	start := t.now()
	var once sync.Once
	var elapsed time.Duration

	return func() time.Duration {
		once.Do(func() {
			elapsed = t.now().Sub(start)
			ms := float64(elapsed) / float64(time.Millisecond)

			t.mu.Lock()
			t.measureCount++
			t.appendSample(t.measurements, name, ms)
			metric, threshold := "render", t.config.Thresholds.Render
			if types.IsRequestMeasurement(name) {
				metric, threshold = "request", t.config.Thresholds.APICall
			}
			var alert *types.PerformanceAlert
			if threshold > 0 && ms > threshold {
				alert = t.newAlertLocked(types.SeverityWarning, metric, ms, threshold,
					fmt.Sprintf("%s took %.1fms (threshold %.1fms)", name, ms, threshold))
			}
			t.mu.Unlock()

			t.dispatch(alert)
		})
		return elapsed
	}
}

// RecordAPICall stores a sample for endpoint, subject to sampling, and always
// runs the threshold check.
func (t *Telemetry) RecordAPICall(endpoint string, durationMs float64) {
	t.mu.Lock()
	if t.config.Sampling > 0 && t.sample() < t.config.Sampling {
		t.appendSample(t.endpoints, endpoint, durationMs)
	}

	threshold := t.config.Thresholds.APICall
	var alert *types.PerformanceAlert
	if threshold > 0 && durationMs > threshold {
		severity := types.SeverityWarning
		if durationMs > 2*threshold {
			severity = types.SeverityError
		}
		alert = t.newAlertLocked(severity, "api_call", durationMs, threshold,
			fmt.Sprintf("%s responded in %.0fms (threshold %.0fms)", endpoint, durationMs, threshold))
	}
	t.mu.Unlock()

	t.histogram("telemetry_api_call_duration_ms", apiCallBuckets, nil).Observe(durationMs)
	t.dispatch(alert)
}

func (t *Telemetry) RecordError(err error, attrs map[string]string) {
	if err == nil {
		return
	}

	message := err.Error()
	if len(attrs) > 0 {
		message = fmt.Sprintf("%s (%s)", message, formatAttrs(attrs))
	}

	t.mu.Lock()
	t.errors++
	alert := t.newAlertLocked(types.SeverityError, "error", float64(t.errors), 0, message)
	t.mu.Unlock()

	t.counter("telemetry_errors_total", nil).Inc()
	t.dispatch(alert)
}

func (t *Telemetry) RecordInteraction(kind string) {
	t.mu.Lock()
	t.clicks++
	t.mu.Unlock()

	t.counter("telemetry_interactions_total", map[string]string{"kind": kind}).Inc()
}

// RecordScrollDepth keeps the deepest scroll position seen, in percent.
func (t *Telemetry) RecordScrollDepth(percent float64) {
	percent = math.Max(0, math.Min(100, percent))

	t.mu.Lock()
	if percent > t.scrollDepth {
		t.scrollDepth = percent
	}
	t.mu.Unlock()
}

// SampleMemory reads process memory and alerts when usage crosses the
// configured fraction of the limit.
func (t *Telemetry) SampleMemory() types.MemorySnapshot {
	used, total := t.readMemory()

	t.mu.Lock()
	limit := t.config.MemoryLimitBytes
	if limit == 0 {
		limit = runtimeMemoryLimit()
	}

	snapshot := types.MemorySnapshot{
		UsedBytes:  used,
		TotalBytes: total,
		LimitBytes: limit,
		SampledAt:  t.now(),
	}
	if limit > 0 {
		snapshot.Fraction = float64(used) / float64(limit)
	}
	t.memory = &snapshot

	fraction := t.config.Thresholds.MemoryFraction
	var alert *types.PerformanceAlert
	if limit > 0 && fraction > 0 && snapshot.Fraction > fraction {
		alert = t.newAlertLocked(types.SeverityWarning, "memory", snapshot.Fraction, fraction,
			fmt.Sprintf("memory usage %d of %d bytes (%.0f%%)", used, limit, snapshot.Fraction*100))
	}
	t.mu.Unlock()

	t.gauge("telemetry_memory_used_bytes", nil).Set(float64(used))
	t.dispatch(alert)

	return snapshot
}

// CaptureLifecycle pulls paint, layout and input latency signals from the
// configured source. Without a source it does nothing.
func (t *Telemetry) CaptureLifecycle() {
	if t.lifecycleSource == nil {
		return
	}

	snapshot, ok := t.lifecycleSource.Snapshot()
	if !ok {
		return
	}

	t.mu.Lock()
	t.lifecycle = snapshot
	thresholds := t.config.Thresholds

	var alerts []*types.PerformanceAlert
	if thresholds.FirstPaint > 0 && snapshot.FirstPaintMs > thresholds.FirstPaint {
		alerts = append(alerts, t.newAlertLocked(types.SeverityWarning, "first_paint", snapshot.FirstPaintMs, thresholds.FirstPaint,
			fmt.Sprintf("first paint %.0fms (threshold %.0fms)", snapshot.FirstPaintMs, thresholds.FirstPaint)))
	}
	if thresholds.LayoutShift > 0 && snapshot.LayoutShift > thresholds.LayoutShift {
		alerts = append(alerts, t.newAlertLocked(types.SeverityWarning, "layout_shift", snapshot.LayoutShift, thresholds.LayoutShift,
			fmt.Sprintf("layout shift %.3f (threshold %.3f)", snapshot.LayoutShift, thresholds.LayoutShift)))
	}
	if thresholds.InputLatency > 0 && snapshot.InputLatencyMs > thresholds.InputLatency {
		alerts = append(alerts, t.newAlertLocked(types.SeverityWarning, "input_latency", snapshot.InputLatencyMs, thresholds.InputLatency,
			fmt.Sprintf("input latency %.0fms (threshold %.0fms)", snapshot.InputLatencyMs, thresholds.InputLatency)))
	}
	t.mu.Unlock()

	t.dispatch(alerts...)
}

func (t *Telemetry) UpdateConfig(update types.TelemetryConfigUpdate) error {
	t.mu.Lock()

	next := t.config
	if update.Sampling != nil {
		next.Sampling = *update.Sampling
	}
	if update.HistorySize != nil {
		next.HistorySize = *update.HistorySize
	}
	if update.ReportingInterval != nil {
		next.ReportingInterval = *update.ReportingInterval
	}
	if update.MemoryLimitBytes != nil {
		next.MemoryLimitBytes = *update.MemoryLimitBytes
	}
	if update.Thresholds != nil {
		next.Thresholds = *update.Thresholds
	}

	if err := validateConfig(&next); err != nil {
		t.mu.Unlock()
		return err
	}

	if next.HistorySize != t.config.HistorySize {
		for name, ring := range t.endpoints {
			t.endpoints[name] = ring.resize(next.HistorySize)
		}
		for name, ring := range t.measurements {
			t.measurements[name] = ring.resize(next.HistorySize)
		}
	}

	intervalChanged := next.ReportingInterval != t.config.ReportingInterval
	t.config = next
	t.mu.Unlock()

	if intervalChanged && t.IsRunning() {
		t.rescheduleReport(next.ReportingInterval)
	}

	t.logger.Debug("Telemetry config updated",
		zap.Float64("sampling", next.Sampling),
		zap.Int("history_size", next.HistorySize),
		zap.Duration("reporting_interval", next.ReportingInterval))

	return nil
}

func (t *Telemetry) Config() types.TelemetryConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

func (t *Telemetry) ClearAlerts() {
	t.mu.Lock()
	t.alerts.clear()
	t.mu.Unlock()
}

// Alerts returns a copy of the retained alerts, oldest first.
func (t *Telemetry) Alerts() []types.PerformanceAlert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerts.snapshot()
}

// Subscribe registers a listener for every raised alert and returns a func
// that removes it. Listeners run on the goroutine that raised the alert.
func (t *Telemetry) Subscribe(listener types.AlertListener) func() {
	t.listenersMu.Lock()
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = listener
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

func (t *Telemetry) Start() error {
	if !t.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if t.getState() == StateStarting {
			t.setState(StateRunning)
		}
	}()

	if t.ctx.Err() != nil {
		t.ctx, t.cancel = context.WithCancel(t.parent)
	}

	cfg := t.Config()

	if t.scheduler != nil {
		if err := t.scheduleOnCron(cfg); err != nil {
			t.setState(StateStopped)
			return types.WrapError(err, "failed to schedule telemetry jobs")
		}
	} else {
		t.startTickers(t.ctx, cfg)
	}

	t.logger.Info("Telemetry started",
		zap.Float64("sampling", cfg.Sampling),
		zap.Bool("cron", t.scheduler != nil),
		zap.Duration("reporting_interval", cfg.ReportingInterval))
	return nil
}

func (t *Telemetry) Stop() error {
	if !t.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		t.setState(StateStopped)
		t.cancel()
	}()

	if t.scheduler != nil {
		for _, name := range []string{jobMemory, jobLifecycle, jobReport} {
			if err := t.scheduler.Remove(name); err != nil {
				t.logger.Debug("Telemetry job already removed", zap.String("job_name", name), zap.Error(err))
			}
		}
	} else if t.done != nil {
		close(t.done)

		stopped := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(t.shutdownTimeout):
			t.logger.Warn("Telemetry stop timeout, sampling loop still running")
		}
	}

	t.logger.Info("Telemetry stopped")
	return nil
}

func (t *Telemetry) IsRunning() bool {
	return t.getState() == StateRunning
}

func (t *Telemetry) getState() State {
	return t.state.Load().(State)
}

func (t *Telemetry) setState(newState State) bool {
	currentState := t.getState()
	return t.state.CompareAndSwap(currentState, newState)
}

func (t *Telemetry) transitionState(from, to State) bool {
	return t.state.CompareAndSwap(from, to)
}

func (t *Telemetry) scheduleOnCron(cfg types.TelemetryConfig) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{jobMemory, cfg.MemorySampleInterval, func() { t.SampleMemory() }},
		{jobLifecycle, cfg.LifecycleInterval, t.CaptureLifecycle},
		{jobReport, cfg.ReportingInterval, t.logReport},
	}

	for _, job := range jobs {
		if err := t.scheduler.Add(job.name, cron.EverySpec(job.interval), job.run); err != nil {
			return types.WrapError(err, job.name)
		}
	}
	return nil
}

func (t *Telemetry) startTickers(ctx context.Context, cfg types.TelemetryConfig) {
	t.done = make(chan struct{})
	t.reportTicker = time.NewTicker(cfg.ReportingInterval)

	memoryTicker := time.NewTicker(cfg.MemorySampleInterval)
	lifecycleTicker := time.NewTicker(cfg.LifecycleInterval)
	reportTicker := t.reportTicker
	done := t.done

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer memoryTicker.Stop()
		defer lifecycleTicker.Stop()
		defer reportTicker.Stop()

		for {
			select {
			case <-memoryTicker.C:
				t.SampleMemory()
			case <-lifecycleTicker.C:
				t.CaptureLifecycle()
			case <-reportTicker.C:
				t.logReport()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *Telemetry) rescheduleReport(interval time.Duration) {
	if t.scheduler == nil {
		if t.reportTicker != nil {
			t.reportTicker.Reset(interval)
		}
		return
	}

	if err := t.scheduler.Remove(jobReport); err != nil {
		t.logger.Debug("Telemetry report job missing", zap.Error(err))
	}
	if err := t.scheduler.Add(jobReport, cron.EverySpec(interval), t.logReport); err != nil {
		t.logger.Error("Failed to reschedule telemetry report", zap.Error(err))
	}
}

func (t *Telemetry) logReport() {
	report := t.Report()

	fields := []zap.Field{
		zap.Int("endpoints", len(report.Endpoints)),
		zap.Int("alerts", report.AlertCount),
		zap.Uint64("errors", report.Metrics.Errors),
	}
	if report.Metrics.Memory != nil {
		fields = append(fields, zap.Float64("memory_fraction", report.Metrics.Memory.Fraction))
	}
	for _, name := range sortedKeys(report.Endpoints) {
		stats := report.Endpoints[name]
		fields = append(fields, zap.String("endpoint."+name,
			fmt.Sprintf("n=%d avg=%.1fms p95=%.1fms", stats.Count, stats.Avg, stats.P95)))
	}

	t.logger.Info("Performance report", fields...)
}

// appendSample must be called with t.mu held.
func (t *Telemetry) appendSample(histories map[string]*sampleRing, name string, value float64) {
	ring, exists := histories[name]
	if !exists {
		if len(histories) >= t.config.MaxTrackedNames {
			t.logger.Debug("Telemetry name dropped, tracking limit reached",
				zap.String("name", name),
				zap.Int("limit", t.config.MaxTrackedNames))
			return
		}
		ring = newSampleRing(t.config.HistorySize)
		histories[name] = ring
	}
	ring.add(value)
}

// newAlertLocked must be called with t.mu held.
func (t *Telemetry) newAlertLocked(severity types.Severity, metric string, value, threshold float64, message string) *types.PerformanceAlert {
	alert := types.PerformanceAlert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Timestamp: t.now(),
		Message:   message,
	}
	t.alerts.push(alert)
	return &alert
}

func (t *Telemetry) dispatch(alerts ...*types.PerformanceAlert) {
	for _, alert := range alerts {
		if alert == nil {
			continue
		}

		t.counter("telemetry_alerts_total", map[string]string{
			"severity": string(alert.Severity),
			"metric":   alert.Metric,
		}).Inc()

		fields := []zap.Field{
			zap.String("alert_id", alert.ID),
			zap.String("metric", alert.Metric),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
		}
		if alert.Severity == types.SeverityError {
			t.logger.Error(alert.Message, fields...)
		} else {
			t.logger.Warn(alert.Message, fields...)
		}

		t.listenersMu.RLock()
		listeners := make([]types.AlertListener, 0, len(t.listeners))
		for _, listener := range t.listeners {
			listeners = append(listeners, listener)
		}
		t.listenersMu.RUnlock()

		for _, listener := range listeners {
			t.notify(listener, *alert)
		}
	}
}

func (t *Telemetry) notify(listener types.AlertListener, alert types.PerformanceAlert) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Alert listener panicked", zap.Any("panic", r), zap.String("alert_id", alert.ID))
		}
	}()
	listener(alert)
}

func (t *Telemetry) counter(name string, labels map[string]string) types.Counter {
	if t.metrics == nil {
		return nopCounter{}
	}
	return t.metrics.Counter(name, labels)
}

func (t *Telemetry) gauge(name string, labels map[string]string) types.Gauge {
	if t.metrics == nil {
		return nopGauge{}
	}
	return t.metrics.Gauge(name, labels)
}

func (t *Telemetry) histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if t.metrics == nil {
		return nopHistogram{}
	}
	return t.metrics.Histogram(name, buckets, labels)
}

func readRuntimeMemory() (uint64, uint64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc, stats.Sys
}

// runtimeMemoryLimit returns the soft limit set via GOMEMLIMIT, or 0 when unset.
func runtimeMemoryLimit() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	return uint64(limit)
}

func formatAttrs(attrs map[string]string) string {
	parts := make([]string, 0, len(attrs))
	for _, key := range sortedKeys(attrs) {
		parts = append(parts, key+"="+attrs[key])
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
