package types

import (
	"strings"
	"time"
)

// RequestMeasurementPrefix marks end-to-end request measurements. They are
// held to the api_call threshold instead of the render one.
const RequestMeasurementPrefix = "request:"

func RequestMeasurement(endpoint string) string {
	return RequestMeasurementPrefix + endpoint
}

func IsRequestMeasurement(name string) bool {
	return strings.HasPrefix(name, RequestMeasurementPrefix)
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// TelemetryRecorder is the subset of telemetry the request path depends on.
type TelemetryRecorder interface {
	StartMeasurement(name string) func() time.Duration
	RecordAPICall(endpoint string, durationMs float64)
	RecordError(err error, context map[string]string)
}

type Telemetry interface {
	LifecycleManager
	TelemetryRecorder
	RecordInteraction(kind string)
	RecordScrollDepth(percent float64)
	SampleMemory() MemorySnapshot
	CaptureLifecycle()
	Report() PerformanceReport
	UpdateConfig(update TelemetryConfigUpdate) error
	ClearAlerts()
	Alerts() []PerformanceAlert
	Subscribe(listener AlertListener) func()
}

type PerformanceAlert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type AlertListener func(alert PerformanceAlert)

// LifecycleSnapshot holds paint, layout and input latency signals. Zero means not observed.
type LifecycleSnapshot struct {
	FirstPaintMs   float64 `json:"first_paint_ms"`
	LayoutShift    float64 `json:"layout_shift"`
	InputLatencyMs float64 `json:"input_latency_ms"`
}

type LifecycleSource interface {
	Snapshot() (LifecycleSnapshot, bool)
}

type LifecycleSourceFunc func() (LifecycleSnapshot, bool)

func (f LifecycleSourceFunc) Snapshot() (LifecycleSnapshot, bool) {
	return f()
}

type MemorySnapshot struct {
	UsedBytes  uint64    `json:"used_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	LimitBytes uint64    `json:"limit_bytes"`
	Fraction   float64   `json:"fraction"`
	SampledAt  time.Time `json:"sampled_at"`
}

type EndpointStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

type PerformanceMetrics struct {
	Lifecycle    LifecycleSnapshot `json:"lifecycle"`
	Memory       *MemorySnapshot   `json:"memory,omitempty"`
	Errors       uint64            `json:"errors"`
	Clicks       uint64            `json:"clicks"`
	ScrollDepth  float64           `json:"scroll_depth"`
	Measurements uint64            `json:"measurements"`
}

type PerformanceReport struct {
	GeneratedAt  time.Time                `json:"generated_at"`
	Endpoints    map[string]EndpointStats `json:"endpoints"`
	Measurements map[string]EndpointStats `json:"measurements"`
	Metrics      PerformanceMetrics       `json:"metrics"`
	AlertCount   int                      `json:"alert_count"`
	BySeverity   map[Severity]int         `json:"by_severity"`
}
