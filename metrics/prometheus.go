package metrics

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type promVec[V any] struct {
	vec        V
	labelNames []string
}

type PrometheusMetrics struct {
	ctx           context.Context
	logger        types.Logger
	config        *PrometheusConfig
	registry      *prometheus.Registry
	counters      map[string]promVec[*prometheus.CounterVec]
	gauges        map[string]promVec[*prometheus.GaugeVec]
	histograms    map[string]promVec[*prometheus.HistogramVec]
	summaries     map[string]promVec[*prometheus.SummaryVec]
	systemMetrics *SystemMetricsCollector
	mu            sync.RWMutex
	running       int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	var promConfig = &PrometheusConfig{
		Namespace:       "sai_reliability",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	if config.Prefix != "" {
		promConfig.Namespace = config.Prefix
	}
	for k, v := range config.Labels {
		if promConfig.Labels == nil {
			promConfig.Labels = make(map[string]string)
		}
		promConfig.Labels[k] = v
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]promVec[*prometheus.CounterVec]),
		gauges:     make(map[string]promVec[*prometheus.GaugeVec]),
		histograms: make(map[string]promVec[*prometheus.HistogramVec]),
		summaries:  make(map[string]promVec[*prometheus.SummaryVec]),
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		p.logger.Warn("Prometheus metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	p.logger.Info("Prometheus metrics started")

	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		p.logger.Warn("Prometheus metrics is not running")
		return types.ErrServerNotRunning
	}

	if err := p.StopSystemCollection(); err != nil && err != types.ErrServerNotRunning {
		return err
	}

	p.logger.Info("Prometheus metrics stopped")

	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	labelNames := labelNamesOf(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.counters[name]
	if !exists {
		entry = promVec[*prometheus.CounterVec]{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Counter metric %s", name),
				ConstLabels: p.config.Labels,
			}, labelNames),
			labelNames: labelNames,
		}
		if !p.register(name, entry.vec) {
			return &emptyCounter{}
		}
		p.counters[name] = entry
		p.logger.Debug("Prometheus counter created", zap.String("name", name))
	} else if !p.sameLabels(name, entry.labelNames, labelNames) {
		return &emptyCounter{}
	}

	return &PrometheusCounter{logger: p.logger, counter: entry.vec.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	labelNames := labelNamesOf(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.gauges[name]
	if !exists {
		entry = promVec[*prometheus.GaugeVec]{
			vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Gauge metric %s", name),
				ConstLabels: p.config.Labels,
			}, labelNames),
			labelNames: labelNames,
		}
		if !p.register(name, entry.vec) {
			return &emptyGauge{}
		}
		p.gauges[name] = entry
		p.logger.Debug("Prometheus gauge created", zap.String("name", name))
	} else if !p.sameLabels(name, entry.labelNames, labelNames) {
		return &emptyGauge{}
	}

	return &PrometheusGauge{logger: p.logger, gauge: entry.vec.With(labels)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	labelNames := labelNamesOf(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.histograms[name]
	if !exists {
		entry = promVec[*prometheus.HistogramVec]{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Histogram metric %s", name),
				Buckets:     buckets,
				ConstLabels: p.config.Labels,
			}, labelNames),
			labelNames: labelNames,
		}
		if !p.register(name, entry.vec) {
			return &emptyHistogram{}
		}
		p.histograms[name] = entry
		p.logger.Debug("Prometheus histogram created", zap.String("name", name))
	} else if !p.sameLabels(name, entry.labelNames, labelNames) {
		return &emptyHistogram{}
	}

	return &PrometheusHistogram{observer: entry.vec.With(labels)}
}

func (p *PrometheusMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	labelNames := labelNamesOf(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.summaries[name]
	if !exists {
		entry = promVec[*prometheus.SummaryVec]{
			vec: prometheus.NewSummaryVec(prometheus.SummaryOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Summary metric %s", name),
				Objectives:  objectives,
				ConstLabels: p.config.Labels,
			}, labelNames),
			labelNames: labelNames,
		}
		if !p.register(name, entry.vec) {
			return &emptySummary{}
		}
		p.summaries[name] = entry
		p.logger.Debug("Prometheus summary created", zap.String("name", name))
	} else if !p.sameLabels(name, entry.labelNames, labelNames) {
		return &emptySummary{}
	}

	return &PrometheusSummary{observer: entry.vec.With(labels)}
}

func (p *PrometheusMetrics) RegisterSystemMetrics() error {
	for _, memType := range []string{"heap_inuse", "heap_alloc", "sys", "stack_inuse"} {
		p.Gauge("system_memory_usage_bytes", map[string]string{"type": memType})
	}
	p.Gauge("system_goroutines_count", nil)
	p.Gauge("system_heap_objects_count", nil)
	p.Gauge("system_uptime_seconds", nil)
	p.Gauge("system_last_gc_timestamp", nil)
	p.Histogram("system_gc_duration_seconds", gcBuckets, nil)

	p.logger.Info("Prometheus system metrics registered")
	return nil
}

func (p *PrometheusMetrics) StartSystemCollection() error {
	p.mu.Lock()
	if p.systemMetrics == nil {
		p.systemMetrics = NewSystemMetricsCollector(p.ctx, p.logger, p)
	}
	collector := p.systemMetrics
	p.mu.Unlock()

	return collector.Start()
}

func (p *PrometheusMetrics) StopSystemCollection() error {
	p.mu.RLock()
	collector := p.systemMetrics
	p.mu.RUnlock()

	if collector != nil {
		return collector.Stop()
	}
	return nil
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	now := time.Now()
	var metrics []types.MetricValue
	for _, mf := range gathering {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			var value float64
			switch {
			case m.Counter != nil:
				value = m.Counter.GetValue()
			case m.Gauge != nil:
				value = m.Gauge.GetValue()
			case m.Histogram != nil:
				value = m.Histogram.GetSampleSum()
			case m.Summary != nil:
				value = m.Summary.GetSampleSum()
			}

			metrics = append(metrics, types.MetricValue{
				Name:      mf.GetName(),
				Type:      mf.GetType().String(),
				Value:     value,
				Labels:    labels,
				Timestamp: now,
				Help:      mf.GetHelp(),
			})
		}
	}

	return utils.Marshal(metrics)
}

func (p *PrometheusMetrics) GetStats() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := types.MetricsStats{
		TotalMetrics:     len(p.counters) + len(p.gauges) + len(p.histograms) + len(p.summaries),
		CounterMetrics:   len(p.counters),
		GaugeMetrics:     len(p.gauges),
		HistogramMetrics: len(p.histograms),
		SummaryMetrics:   len(p.summaries),
		LastUpdate:       time.Now(),
	}

	return utils.Marshal(stats)
}

func (p *PrometheusMetrics) register(name string, collector prometheus.Collector) bool {
	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register prometheus metric", zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

func (p *PrometheusMetrics) sameLabels(name string, registered, requested []string) bool {
	if slices.Equal(registered, requested) {
		return true
	}
	p.logger.Warn("Prometheus metric requested with different label names",
		zap.String("name", name),
		zap.Strings("registered", registered),
		zap.Strings("requested", requested))
	return false
}

func labelNamesOf(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	logger  types.Logger
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.Add(value)
}

func (g *PrometheusGauge) Sub(value float64) {
	g.gauge.Sub(value)
}

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	observer prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.observer.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	if histogram := readMetric(h.observer).GetHistogram(); histogram != nil {
		return histogram.GetSampleCount()
	}
	return 0
}

func (h *PrometheusHistogram) GetSum() float64 {
	if histogram := readMetric(h.observer).GetHistogram(); histogram != nil {
		return histogram.GetSampleSum()
	}
	return 0
}

type PrometheusSummary struct {
	observer prometheus.Observer
}

func (s *PrometheusSummary) Observe(value float64) {
	s.observer.Observe(value)
}

func (s *PrometheusSummary) ObserveDuration(start time.Time) {
	s.observer.Observe(time.Since(start).Seconds())
}

func (s *PrometheusSummary) GetCount() uint64 {
	if summary := readMetric(s.observer).GetSummary(); summary != nil {
		return summary.GetSampleCount()
	}
	return 0
}

func (s *PrometheusSummary) GetSum() float64 {
	if summary := readMetric(s.observer).GetSummary(); summary != nil {
		return summary.GetSampleSum()
	}
	return 0
}

// GetQuantiles reads the configured objectives back from the summary.
func (s *PrometheusSummary) GetQuantiles() map[float64]float64 {
	summary := readMetric(s.observer).GetSummary()
	if summary == nil {
		return nil
	}

	quantiles := make(map[float64]float64)
	for _, quantile := range summary.GetQuantile() {
		quantiles[quantile.GetQuantile()] = quantile.GetValue()
	}

	return quantiles
}

func readMetric(observer prometheus.Observer) *dto.Metric {
	metric := &dto.Metric{}

	promMetric, ok := observer.(prometheus.Metric)
	if !ok {
		return metric
	}

	if err := promMetric.Write(metric); err != nil {
		return &dto.Metric{}
	}

	return metric
}
