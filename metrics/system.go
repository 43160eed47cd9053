package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-reliability/types"
)

type SystemState int32

const (
	SystemStateStopped SystemState = iota
	SystemStateStarting
	SystemStateRunning
	SystemStateStopping
)

var gcBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

// SystemMetricsCollector publishes runtime memory, GC and goroutine gauges.
type SystemMetricsCollector struct {
	ctx            context.Context
	logger         types.Logger
	metrics        types.MetricsManager
	state          atomic.Value
	startTime      time.Time
	memInterval    time.Duration
	lightInterval  time.Duration
	lastGCCount    uint32
	lastGoroutines int
	stopChan       chan struct{}
	done           chan struct{}
	mu             sync.Mutex
}

func NewSystemMetricsCollector(ctx context.Context, logger types.Logger, metricsManager types.MetricsManager) *SystemMetricsCollector {
	collector := &SystemMetricsCollector{
		ctx:           ctx,
		logger:        logger,
		metrics:       metricsManager,
		memInterval:   15 * time.Second,
		lightInterval: 5 * time.Second,
	}

	collector.state.Store(SystemStateStopped)

	return collector
}

func (smc *SystemMetricsCollector) Start() error {
	if !smc.transitionState(SystemStateStopped, SystemStateStarting) {
		smc.logger.Warn("System metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if smc.getState() == SystemStateStarting {
			smc.setState(SystemStateRunning)
		}
	}()

	smc.startTime = time.Now()
	smc.stopChan = make(chan struct{})
	smc.done = make(chan struct{})

	go smc.collectLoop(smc.stopChan, smc.done)

	smc.logger.Info("System metrics collection started")
	return nil
}

func (smc *SystemMetricsCollector) Stop() error {
	if !smc.transitionState(SystemStateRunning, SystemStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		smc.setState(SystemStateStopped)
	}()

	close(smc.stopChan)

	select {
	case <-smc.done:
		smc.logger.Info("System metrics collection stopped gracefully")
	case <-time.After(5 * time.Second):
		smc.logger.Warn("System metrics stop timeout")
	}

	return nil
}

func (smc *SystemMetricsCollector) IsRunning() bool {
	return smc.getState() == SystemStateRunning
}

func (smc *SystemMetricsCollector) getState() SystemState {
	return smc.state.Load().(SystemState)
}

func (smc *SystemMetricsCollector) setState(newState SystemState) bool {
	currentState := smc.getState()
	return smc.state.CompareAndSwap(currentState, newState)
}

func (smc *SystemMetricsCollector) transitionState(from, to SystemState) bool {
	return smc.state.CompareAndSwap(from, to)
}

func (smc *SystemMetricsCollector) collectLoop(stop, done chan struct{}) {
	defer close(done)

	memTicker := time.NewTicker(smc.memInterval)
	lightTicker := time.NewTicker(smc.lightInterval)
	defer memTicker.Stop()
	defer lightTicker.Stop()

	smc.Collect()

	for {
		select {
		case <-memTicker.C:
			smc.collectMemory()
		case <-lightTicker.C:
			smc.collectLight()
		case <-stop:
			return
		case <-smc.ctx.Done():
			return
		}
	}
}

// Collect takes one full sample immediately.
func (smc *SystemMetricsCollector) Collect() {
	smc.collectMemory()
	smc.collectLight()
}

func (smc *SystemMetricsCollector) collectMemory() {
	if smc.metrics == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	gauges := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{"system_memory_usage_bytes", map[string]string{"type": "heap_inuse"}, float64(m.HeapInuse)},
		{"system_memory_usage_bytes", map[string]string{"type": "heap_alloc"}, float64(m.HeapAlloc)},
		{"system_memory_usage_bytes", map[string]string{"type": "sys"}, float64(m.Sys)},
		{"system_memory_usage_bytes", map[string]string{"type": "stack_inuse"}, float64(m.StackInuse)},
		{"system_heap_objects_count", nil, float64(m.HeapObjects)},
		{"system_next_gc_bytes", nil, float64(m.NextGC)},
	}

	for _, gauge := range gauges {
		smc.metrics.Gauge(gauge.name, gauge.labels).Set(gauge.value)
	}

	smc.mu.Lock()
	defer smc.mu.Unlock()

	if m.NumGC == smc.lastGCCount {
		return
	}

	smc.metrics.Gauge("system_gc_cycles_total", nil).Set(float64(m.NumGC))
	smc.metrics.Gauge("system_last_gc_timestamp", nil).Set(float64(m.LastGC) / 1e9)

	histogram := smc.metrics.Histogram("system_gc_duration_seconds", gcBuckets, nil)
	from := smc.lastGCCount
	if m.NumGC-from > uint32(len(m.PauseNs)) {
		from = m.NumGC - uint32(len(m.PauseNs))
	}
	for n := from + 1; n <= m.NumGC; n++ {
		histogram.Observe(float64(m.PauseNs[(n+255)%256]) / 1e9)
	}

	smc.lastGCCount = m.NumGC
}

func (smc *SystemMetricsCollector) collectLight() {
	if smc.metrics == nil {
		return
	}

	goroutines := runtime.NumGoroutine()

	smc.mu.Lock()
	changed := goroutines != smc.lastGoroutines
	smc.lastGoroutines = goroutines
	smc.mu.Unlock()

	if changed {
		smc.metrics.Gauge("system_goroutines_count", nil).Set(float64(goroutines))
	}

	if !smc.startTime.IsZero() {
		smc.metrics.Gauge("system_uptime_seconds", nil).Set(time.Since(smc.startTime).Seconds())
	}

	smc.metrics.Gauge("system_max_procs", nil).Set(float64(runtime.GOMAXPROCS(0)))
}
