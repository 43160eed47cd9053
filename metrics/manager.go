package metrics

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

type Manager struct {
	ctx              context.Context
	cancel           context.CancelFunc
	logger           types.Logger
	manager          types.MetricsManager
	systemCollection bool
	state            atomic.Value
	shutdownTimeout  time.Duration
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (*Manager, error) {
	metricsConfig := config.GetConfig().Metrics

	if metricsConfig == nil || !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	managerCtx, cancel := context.WithCancel(ctx)

	wrapper := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		shutdownTimeout: 10 * time.Second,
	}

	wrapper.state.Store(ManagerStateStopped)

	if err := wrapper.initializeManager(metricsConfig); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return wrapper, nil
}

func (w *Manager) initializeManager(metricsConfig *types.MetricsConfig) error {
	metricsManagerName := metricsConfig.Type

	var manager types.MetricsManager
	var err error

	switch metricsManagerName {
	case "memory":
		manager, err = NewMemoryMetrics(w.ctx, w.logger, metricsConfig)
	case "prometheus":
		manager, err = NewPrometheusMetrics(w.ctx, w.logger, metricsConfig)
	default:
		if creator, exists := customMetricsCreators.Load(metricsManagerName); exists {
			manager, err = creator.(types.MetricsManagerCreator)(metricsConfig)
		} else {
			return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsManagerName)
		}
	}

	if err != nil {
		return err
	}

	w.manager = manager
	w.systemCollection = metricsConfig.Collectors.System
	w.logger.Info("Metrics manager initialized", zap.String("type", metricsManagerName))
	return nil
}

// Start starts the backend and, when collectors.system is set, runtime
// sampling. A failing system collector is logged and does not fail Start.
func (w *Manager) Start() error {
	if !w.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.manager.Start(); err != nil {
		w.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start metrics backend")
	}
	w.setState(ManagerStateRunning)

	if w.systemCollection {
		if err := w.manager.RegisterSystemMetrics(); err != nil {
			w.logger.Warn("Failed to register system metrics", zap.Error(err))
		} else if err := w.manager.StartSystemCollection(); err != nil {
			w.logger.Warn("Failed to start system collection", zap.Error(err))
		}
	}

	w.logger.Info("Metrics manager started")
	return nil
}

// Stop returns once the backend has stopped or shutdownTimeout has passed.
// Instruments handed out afterwards are no-ops.
func (w *Manager) Stop() error {
	if !w.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(ManagerStateStopped)
		w.cancel()
	}()

	if w.systemCollection {
		if err := w.manager.StopSystemCollection(); err != nil {
			w.logger.Debug("System collection was not running", zap.Error(err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- w.manager.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
			return err
		}
		w.logger.Info("Metrics manager stopped")
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Metrics manager stop timeout")
	}

	return nil
}

func (w *Manager) IsRunning() bool {
	return w.getState() == ManagerStateRunning
}

func (w *Manager) getState() ManagerState {
	return w.state.Load().(ManagerState)
}

func (w *Manager) setState(newState ManagerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Manager) transitionState(from, to ManagerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.manager != nil && w.IsRunning() {
		return w.manager.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.manager != nil && w.IsRunning() {
		return w.manager.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.manager != nil && w.IsRunning() {
		return w.manager.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

func (w *Manager) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	if w.manager != nil && w.IsRunning() {
		return w.manager.Summary(name, objectives, labels)
	}
	return &emptySummary{}
}

func (w *Manager) RegisterSystemMetrics() error {
	if w.manager != nil && w.IsRunning() {
		return w.manager.RegisterSystemMetrics()
	}
	return types.ErrMetricsNotRunning
}

func (w *Manager) StartSystemCollection() error {
	if w.manager != nil && w.IsRunning() {
		return w.manager.StartSystemCollection()
	}
	return types.ErrMetricsNotRunning
}

func (w *Manager) StopSystemCollection() error {
	if w.manager != nil {
		return w.manager.StopSystemCollection()
	}
	return nil
}

func (w *Manager) GetMetrics() ([]byte, error) {
	if w.manager != nil && w.IsRunning() {
		return w.manager.GetMetrics()
	}
	return nil, types.ErrMetricsNotRunning
}

func (w *Manager) GetStats() ([]byte, error) {
	if w.manager != nil && w.IsRunning() {
		return w.manager.GetStats()
	}
	return nil, types.ErrMetricsNotRunning
}

// Handler exposes the backend over HTTP. Backends without an exposition format get a 404 handler.
func (w *Manager) Handler() http.Handler {
	if exposer, ok := w.manager.(interface{ Handler() http.Handler }); ok {
		return exposer.Handler()
	}
	return http.NotFoundHandler()
}

// Backend returns the wrapped implementation.
func (w *Manager) Backend() types.MetricsManager {
	return w.manager
}

type emptyCounter struct{}

func (c *emptyCounter) Inc()          {}
func (c *emptyCounter) Add(_ float64) {}
func (c *emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (g *emptyGauge) Set(_ float64) {}
func (g *emptyGauge) Inc()          {}
func (g *emptyGauge) Dec()          {}
func (g *emptyGauge) Add(_ float64) {}
func (g *emptyGauge) Sub(_ float64) {}
func (g *emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (h *emptyHistogram) Observe(_ float64)              {}
func (h *emptyHistogram) ObserveDuration(_ time.Time)    {}
func (h *emptyHistogram) GetCount() uint64               { return 0 }
func (h *emptyHistogram) GetSum() float64                { return 0 }
func (h *emptyHistogram) GetBuckets() map[float64]uint64 { return nil }

type emptySummary struct{}

func (s *emptySummary) Observe(_ float64)                 {}
func (s *emptySummary) ObserveDuration(_ time.Time)       {}
func (s *emptySummary) GetCount() uint64                  { return 0 }
func (s *emptySummary) GetSum() float64                   { return 0 }
func (s *emptySummary) GetQuantiles() map[float64]float64 { return nil }
