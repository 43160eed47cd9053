package metrics

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

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

const summaryWindow = 1000

type MemoryConfig struct {
	MaxMetrics      int    `json:"max_metrics"`
	CleanupInterval string `json:"cleanup_interval"`
}

type MemoryMetrics struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *MemoryConfig
	cleanupInterval time.Duration
	counters        map[string]*MemoryCounter
	gauges          map[string]*MemoryGauge
	histograms      map[string]*MemoryHistogram
	summaries       map[string]*MemorySummary
	systemMetrics   atomic.Pointer[SystemMetricsCollector]
	state           atomic.Value
	stopCleanup     chan struct{}
	shutdownTimeout time.Duration
	collections     uint64
	dropped         uint64
	mu              sync.RWMutex
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*MemoryMetrics, error) {
	var memConfig = &MemoryConfig{
		MaxMetrics:      10000,
		CleanupInterval: "1h",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	cleanupInterval, err := time.ParseDuration(memConfig.CleanupInterval)
	if err != nil || cleanupInterval <= 0 {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "metrics cleanup_interval %q", memConfig.CleanupInterval)
	}

	memoryCtx, cancel := context.WithCancel(ctx)

	metrics := &MemoryMetrics{
		ctx:             memoryCtx,
		cancel:          cancel,
		logger:          logger,
		config:          memConfig,
		cleanupInterval: cleanupInterval,
		counters:        make(map[string]*MemoryCounter),
		gauges:          make(map[string]*MemoryGauge),
		histograms:      make(map[string]*MemoryHistogram),
		summaries:       make(map[string]*MemorySummary),
		shutdownTimeout: 10 * time.Second,
	}

	metrics.state.Store(MemoryStateStopped)

	return metrics, nil
}

func (m *MemoryMetrics) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	m.stopCleanup = make(chan struct{})
	go m.cleanupRoutine(m.stopCleanup)

	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory metrics is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	if collector := m.systemMetrics.Load(); collector != nil {
		g.Go(func() error {
			if err := collector.Stop(); err != nil && err != types.ErrServerNotRunning {
				m.logger.Error("Failed to stop system collection", zap.Error(err))
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			close(m.stopCleanup)
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			m.logger.Warn("Memory metrics stop timeout, some components may not have stopped gracefully")
		default:
			m.logger.Error("Error during memory metrics shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Memory metrics stopped gracefully")
	}

	m.systemMetrics.Store(nil)
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryMetrics) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryMetrics) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryMetrics) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	if !m.acceptsWrites() {
		return &MemoryCounter{}
	}

	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &MemoryCounter{name: name, labels: copyLabels(labels)}
	m.counters[key] = counter

	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	if !m.acceptsWrites() {
		return &MemoryGauge{}
	}

	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: copyLabels(labels)}
	m.gauges[key] = gauge

	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if !m.acceptsWrites() {
		return &MemoryHistogram{}
	}

	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  copyLabels(labels),
		buckets: make([]float64, len(buckets)),
		counts:  make([]uint64, len(buckets)+1),
	}
	copy(histogram.buckets, buckets)
	sort.Float64s(histogram.buckets)

	m.histograms[key] = histogram

	return histogram
}

func (m *MemoryMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	if !m.acceptsWrites() {
		return &MemorySummary{}
	}

	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if summary, exists := m.summaries[key]; exists {
		return summary
	}

	summary := &MemorySummary{
		name:       name,
		labels:     copyLabels(labels),
		objectives: objectives,
		values:     make([]float64, 0, 64),
	}
	m.summaries[key] = summary

	m.logger.Debug("Summary created", zap.String("name", name))
	return summary
}

func (m *MemoryMetrics) RegisterSystemMetrics() error {
	if !m.acceptsWrites() {
		return types.ErrMetricsNotRunning
	}

	for _, memType := range []string{"heap_inuse", "heap_alloc", "sys", "stack_inuse"} {
		m.Gauge("system_memory_usage_bytes", map[string]string{"type": memType})
	}
	m.Gauge("system_goroutines_count", nil)
	m.Gauge("system_heap_objects_count", nil)
	m.Gauge("system_uptime_seconds", nil)
	m.Gauge("system_last_gc_timestamp", nil)
	m.Histogram("system_gc_duration_seconds", []float64{0.001, 0.01, 0.1, 1.0}, nil)

	m.logger.Info("System metrics registered")
	return nil
}

func (m *MemoryMetrics) StartSystemCollection() error {
	if !m.acceptsWrites() {
		return types.ErrMetricsNotRunning
	}

	collector := m.systemMetrics.Load()
	if collector == nil {
		collector = NewSystemMetricsCollector(m.ctx, m.logger, m)
		m.systemMetrics.Store(collector)
	}

	return collector.Start()
}

func (m *MemoryMetrics) StopSystemCollection() error {
	if collector := m.systemMetrics.Load(); collector != nil {
		return collector.Stop()
	}
	return nil
}

// GetMetrics returns every instrument as a JSON array of types.MetricValue.
func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	values := m.Snapshot()
	atomic.AddUint64(&m.collections, 1)

	return utils.Marshal(values)
}

// Snapshot lists every instrument ordered by name then labels.
func (m *MemoryMetrics) Snapshot() []types.MetricValue {
	now := time.Now()

	m.mu.RLock()
	values := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms)+len(m.summaries))
	keys := make([]string, 0, cap(values))

	for key, counter := range m.counters {
		values = append(values, types.MetricValue{Name: counter.name, Type: "counter", Value: counter.Get(), Labels: counter.labels, Timestamp: now})
		keys = append(keys, key)
	}
	for key, gauge := range m.gauges {
		values = append(values, types.MetricValue{Name: gauge.name, Type: "gauge", Value: gauge.Get(), Labels: gauge.labels, Timestamp: now})
		keys = append(keys, key)
	}
	for key, histogram := range m.histograms {
		values = append(values, types.MetricValue{Name: histogram.name, Type: "histogram", Value: histogram.GetSum(), Labels: histogram.labels, Timestamp: now})
		keys = append(keys, key)
	}
	for key, summary := range m.summaries {
		values = append(values, types.MetricValue{Name: summary.name, Type: "summary", Value: summary.GetSum(), Labels: summary.labels, Timestamp: now})
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	sort.Sort(byKey{values: values, keys: keys})

	return values
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	m.mu.RLock()
	stats := types.MetricsStats{
		TotalMetrics:     len(m.counters) + len(m.gauges) + len(m.histograms) + len(m.summaries),
		CounterMetrics:   len(m.counters),
		GaugeMetrics:     len(m.gauges),
		HistogramMetrics: len(m.histograms),
		SummaryMetrics:   len(m.summaries),
		LastUpdate:       time.Now(),
		Collections:      atomic.LoadUint64(&m.collections),
		Errors:           atomic.LoadUint64(&m.dropped),
	}
	m.mu.RUnlock()

	return utils.Marshal(stats)
}

func (m *MemoryMetrics) acceptsWrites() bool {
	state := m.getState()
	return state == MemoryStateRunning || state == MemoryStateStarting
}

func (m *MemoryMetrics) cleanupRoutine(stop chan struct{}) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// performCleanup drops counters beyond MaxMetrics. Gauges and histograms are kept.
func (m *MemoryMetrics) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalMetrics := len(m.counters) + len(m.gauges) + len(m.histograms) + len(m.summaries)
	if totalMetrics <= m.config.MaxMetrics {
		return
	}

	toRemove := totalMetrics - m.config.MaxMetrics
	removed := 0

	for key := range m.counters {
		if removed >= toRemove {
			break
		}
		delete(m.counters, key)
		removed++
	}

	atomic.AddUint64(&m.dropped, uint64(removed))
	m.logger.Debug("Memory metrics cleanup completed", zap.Int("removed", removed))
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}

	return utils.Intern([]byte(b.String()))
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

type byKey struct {
	values []types.MetricValue
	keys   []string
}

func (b byKey) Len() int           { return len(b.keys) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
	b.values[i], b.values[j] = b.values[j], b.values[i]
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.value, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.value, -1)
}

func (g *MemoryGauge) Add(value float64) {
	addFloat(&g.value, value)
}

func (g *MemoryGauge) Sub(value float64) {
	addFloat(&g.value, -value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	if h == nil || len(h.counts) == 0 {
		return
	}

	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)

	bucketIndex := sort.SearchFloat64s(h.buckets, value)
	atomic.AddUint64(&h.counts[bucketIndex], 1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// MemorySummary keeps a sliding window of the most recent observations.
type MemorySummary struct {
	name       string
	labels     map[string]string
	objectives map[float64]float64
	values     []float64
	sum        uint64
	count      uint64
	mu         sync.Mutex
}

func (s *MemorySummary) Observe(value float64) {
	atomic.AddUint64(&s.count, 1)
	addFloat(&s.sum, value)

	s.mu.Lock()
	s.values = append(s.values, value)
	if len(s.values) > summaryWindow {
		s.values = s.values[len(s.values)-summaryWindow:]
	}
	s.mu.Unlock()
}

func (s *MemorySummary) ObserveDuration(start time.Time) {
	s.Observe(time.Since(start).Seconds())
}

func (s *MemorySummary) GetCount() uint64 {
	return atomic.LoadUint64(&s.count)
}

func (s *MemorySummary) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.sum))
}

// Quantile uses nearest rank over the retained window.
func (s *MemorySummary) Quantile(q float64) float64 {
	s.mu.Lock()
	window := make([]float64, len(s.values))
	copy(window, s.values)
	s.mu.Unlock()

	if len(window) == 0 {
		return 0
	}

	sort.Float64s(window)
	rank := int(math.Ceil(q*float64(len(window)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(window) {
		rank = len(window) - 1
	}
	return window[rank]
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
