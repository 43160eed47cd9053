package telemetry

import (
	"time"

	"github.com/saiset-co/sai-reliability/types"
)

// Report derives a snapshot of the collected data. P95 uses the nearest-rank method.
func (t *Telemetry) Report() types.PerformanceReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := types.PerformanceReport{
		GeneratedAt:  t.now(),
		Endpoints:    make(map[string]types.EndpointStats, len(t.endpoints)),
		Measurements: make(map[string]types.EndpointStats, len(t.measurements)),
		Metrics: types.PerformanceMetrics{
			Lifecycle:    t.lifecycle,
			Errors:       t.errors,
			Clicks:       t.clicks,
			ScrollDepth:  t.scrollDepth,
			Measurements: t.measureCount,
		},
		AlertCount: t.alerts.len(),
		BySeverity: make(map[types.Severity]int),
	}

	for name, ring := range t.endpoints {
		report.Endpoints[name] = ring.stats()
	}
	for name, ring := range t.measurements {
		report.Measurements[name] = ring.stats()
	}

	if t.memory != nil {
		memory := *t.memory
		report.Metrics.Memory = &memory
	}

	for _, alert := range t.alerts.snapshot() {
		report.BySeverity[alert.Severity]++
	}

	return report
}

// Nop is a recorder that discards everything.
type Nop struct{}

func NewNop() types.TelemetryRecorder {
	return Nop{}
}

func (Nop) StartMeasurement(_ string) func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

func (Nop) RecordAPICall(_ string, _ float64)       {}
func (Nop) RecordError(_ error, _ map[string]string) {}

type nopCounter struct{}

func (nopCounter) Inc()          {}
func (nopCounter) Add(_ float64) {}
func (nopCounter) Get() float64  { return 0 }

type nopGauge struct{}

func (nopGauge) Set(_ float64) {}
func (nopGauge) Inc()          {}
func (nopGauge) Dec()          {}
func (nopGauge) Add(_ float64) {}
func (nopGauge) Sub(_ float64) {}
func (nopGauge) Get() float64  { return 0 }

type nopHistogram struct{}

func (nopHistogram) Observe(_ float64)           {}
func (nopHistogram) ObserveDuration(_ time.Time) {}
func (nopHistogram) GetCount() uint64            { return 0 }
func (nopHistogram) GetSum() float64             { return 0 }
