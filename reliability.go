package reliability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-reliability/cache"
	"github.com/saiset-co/sai-reliability/client"
	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/cron"
	"github.com/saiset-co/sai-reliability/health"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/metrics"
	"github.com/saiset-co/sai-reliability/socket"
	"github.com/saiset-co/sai-reliability/telemetry"
	"github.com/saiset-co/sai-reliability/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const healthJobInterval = time.Minute

// Layer assembles the reliability components and owns their lifecycle.
type Layer struct {
	ctx    context.Context
	cancel context.CancelFunc

	config       *config.ConfigurationManager
	logger       *logger.Manager
	metrics      types.MetricsManager
	metricsMgr   *metrics.Manager
	health       *health.Manager
	cron         *cron.Manager
	cache        types.CacheStore
	telemetry    *telemetry.Telemetry
	orchestrator *client.Orchestrator
	socket       *socket.Socket

	unsubscribe     []func()
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

// New loads the YAML config at configPath and builds every enabled component.
func New(ctx context.Context, configPath string) (*Layer, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return build(ctx, configManager)
}

// NewWithConfig builds the layer from an in-memory config. Missing sections take defaults.
func NewWithConfig(ctx context.Context, cfg *types.ServiceConfig) (*Layer, error) {
	configManager, err := config.NewStaticManager(ctx, cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return build(ctx, configManager)
}

func build(ctx context.Context, configManager *config.ConfigurationManager) (*Layer, error) {
	layerCtx, cancel := context.WithCancel(ctx)

	l := &Layer{
		ctx:             layerCtx,
		cancel:          cancel,
		config:          configManager,
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}
	l.state.Store(StateStopped)

	if err := l.registerProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return l, nil
}

func (l *Layer) registerProviders() error {
	_config := l.config.GetConfig()

	loggerManager, err := logger.NewManager(l.ctx, l.config)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	l.logger = loggerManager

	if _config.Metrics != nil && _config.Metrics.Enabled {
		l.metricsMgr, err = metrics.NewManager(l.ctx, l.config, loggerManager.Named("metrics"))
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		l.metrics = l.metricsMgr
	}

	if _config.Health != nil && _config.Health.Enabled {
		l.health, err = health.NewManager(l.ctx, l.config, loggerManager.Named("health"))
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		l.cron, err = cron.NewManager(l.ctx, l.config, loggerManager.Named("cron"), l.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}
	}

	if _config.Cache != nil && _config.Cache.Enabled {
		l.cache, err = cache.NewCacheStore(l.ctx, l.config, loggerManager.Named("cache"), l.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register cache store")
		}
	}

	if _config.Telemetry != nil && _config.Telemetry.Enabled {
		var opts []telemetry.Option
		if l.cron != nil {
			opts = append(opts, telemetry.WithCron(l.cron))
		}

		l.telemetry, err = telemetry.NewTelemetry(l.ctx, l.config, loggerManager.Named("telemetry"), l.metrics, opts...)
		if err != nil {
			return types.WrapError(err, "failed to register telemetry")
		}
		l.unsubscribe = append(l.unsubscribe, l.telemetry.Subscribe(loggerManager.AlertListener()))
	}

	var clientOpts []client.Option
	if l.cache != nil {
		clientOpts = append(clientOpts, client.WithCache(l.cache))
	}
	if l.telemetry != nil {
		clientOpts = append(clientOpts, client.WithTelemetry(l.telemetry))
	}

	l.orchestrator, err = client.NewOrchestrator(l.ctx, l.config, loggerManager.Named("client"), l.metrics, clientOpts...)
	if err != nil {
		return types.WrapError(err, "failed to register request orchestrator")
	}

	if _config.Socket != nil && _config.Socket.Enabled {
		l.socket, err = socket.NewSocket(l.ctx, l.config, loggerManager.Named("socket"), l.metrics,
			socket.WithInvalidator(l.orchestrator))
		if err != nil {
			return types.WrapError(err, "failed to register notification socket")
		}

		if l.telemetry != nil && _config.Socket.ForwardAlerts {
			l.unsubscribe = append(l.unsubscribe, l.telemetry.Subscribe(l.socket.AlertListener()))
		}
	}

	l.registerCheckers()

	if l.cron != nil && l.health != nil {
		err = l.cron.Add("reliability_health", cron.EverySpec(healthJobInterval), func() {
			l.health.Check(l.ctx)
		})
		if err != nil {
			return types.WrapError(err, "failed to schedule health job")
		}
	}

	return nil
}

func (l *Layer) registerCheckers() {
	if l.health == nil {
		return
	}

	if l.cache != nil {
		l.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
			if !l.cache.IsRunning() {
				return health.Unhealthy("cache store is not running")
			}

			stats := l.cache.Stats()
			check := health.Healthy("cache store is running")
			check.Details = map[string]interface{}{
				"entries":    stats.Entries,
				"size_bytes": stats.TotalSizeBytes,
				"hit_rate":   stats.HitRate,
			}
			return check
		})
	}

	l.health.RegisterChecker("orchestrator", func(ctx context.Context) types.HealthCheck {
		if !l.orchestrator.IsRunning() {
			return health.Unhealthy("request orchestrator is not running")
		}
		if l.orchestrator.BreakerState() == client.StateBreakerOpen {
			return health.Unhealthy("circuit breaker is open")
		}

		stats := l.orchestrator.Stats()
		check := health.Healthy("request orchestrator is running")
		check.Details = map[string]interface{}{
			"in_flight":    stats.InFlight,
			"queued_calls": stats.QueuedCalls,
			"breaker":      stats.Breaker,
		}
		return check
	})

	if l.telemetry != nil {
		l.health.RegisterChecker("telemetry", func(ctx context.Context) types.HealthCheck {
			errorAlerts := 0
			for _, alert := range l.telemetry.Alerts() {
				if alert.Severity == types.SeverityError {
					errorAlerts++
				}
			}

			if errorAlerts > 0 {
				return types.HealthCheck{
					Status:  types.StatusUnknown,
					Message: fmt.Sprintf("%d error alerts outstanding", errorAlerts),
				}
			}
			return health.Healthy("no error alerts")
		})
	}

	if l.socket != nil {
		l.health.RegisterChecker("socket", func(ctx context.Context) types.HealthCheck {
			if err := l.socket.Err(); err != nil {
				return health.Unhealthy(err.Error())
			}

			state := l.socket.State()
			if state.Phase != socket.PhaseConnected {
				return health.Unhealthy("socket is " + state.String())
			}
			return health.Healthy("socket is connected")
		})
	}
}

func (l *Layer) Start() error {
	if !l.transitionState(StateStopped, StateStarting) {
		l.logger.Warn("Reliability layer is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("reliability layer panic: %v", r)
				l.logger.Error("Reliability layer start panic", zap.Stack(string(buf[:n])))
				l.setState(StateStopped)
			}
		}()

		ctx, cancel := context.WithTimeout(l.ctx, l.startTimeout)
		defer cancel()

		if err := l.startComponents(ctx); err != nil {
			l.setState(StateStopped)
			runErr = types.WrapError(err, "failed to start components")
			return
		}

		l.setState(StateRunning)
		l.logger.Info("Reliability layer started successfully")
	}()

	return runErr
}

func (l *Layer) startComponents(ctx context.Context) error {
	if err := l.config.Start(); err != nil {
		return types.WrapError(err, "failed to start config manager")
	}
	if err := l.logger.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	g, gCtx := errgroup.WithContext(ctx)

	for _, c := range l.infrastructure() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := c.component.Start(); err != nil {
					l.logger.Error("Failed to start "+c.name, zap.Error(err))
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if l.telemetry != nil {
		if err := l.telemetry.Start(); err != nil {
			l.logger.Error("Failed to start telemetry", zap.Error(err))
		}
	}

	if l.cron != nil {
		if err := l.cron.Start(); err != nil {
			l.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if err := l.orchestrator.Start(); err != nil {
			return types.WrapError(err, "failed to start request orchestrator")
		}
	}

	if l.socket != nil {
		if err := l.socket.Start(); err != nil {
			l.logger.Error("Failed to start notification socket", zap.Error(err))
		}
	}

	l.logger.Info("All components started successfully")
	return nil
}

func (l *Layer) Stop() error {
	if !l.transitionState(StateRunning, StateStopping) {
		l.logger.Warn("Reliability layer is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		for _, unsubscribe := range l.unsubscribe {
			unsubscribe()
		}
		l.setState(StateStopped)
		l.cancel()
	}()

	return l.stopComponents()
}

func (l *Layer) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	var errs []error
	l.logger.Info("Stopping reliability components...")

	stop := func(name string, component types.LifecycleManager) {
		if !component.IsRunning() {
			return
		}
		if err := component.Stop(); err != nil {
			l.logger.Error("Failed to stop "+name, zap.Error(err))
			errs = append(errs, err)
		}
	}

	if l.socket != nil {
		stop("notification socket", l.socket)
	}
	stop("request orchestrator", l.orchestrator)
	if l.telemetry != nil {
		stop("telemetry", l.telemetry)
	}
	if l.cron != nil {
		stop("cron manager", l.cron)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, c := range l.infrastructure() {
		if !c.component.IsRunning() {
			continue
		}

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := c.component.Stop(); err != nil {
					l.logger.Error("Failed to stop "+c.name, zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			l.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	l.logger.Info("All components stopped")

	stop("logger", l.logger)
	stop("config manager", l.config)

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}
	return nil
}

type namedComponent struct {
	name      string
	component types.LifecycleManager
}

// infrastructure lists the enabled components that start in parallel.
func (l *Layer) infrastructure() []namedComponent {
	var components []namedComponent
	if l.metricsMgr != nil {
		components = append(components, namedComponent{"metrics manager", l.metricsMgr})
	}
	if l.health != nil {
		components = append(components, namedComponent{"health manager", l.health})
	}
	if l.cache != nil {
		components = append(components, namedComponent{"cache store", l.cache})
	}
	return components
}

func (l *Layer) IsRunning() bool {
	return l.getState() == StateRunning
}

func (l *Layer) getState() State {
	return l.state.Load().(State)
}

func (l *Layer) setState(newState State) bool {
	currentState := l.getState()
	return l.state.CompareAndSwap(currentState, newState)
}

func (l *Layer) transitionState(from, to State) bool {
	return l.state.CompareAndSwap(from, to)
}

func (l *Layer) Logger() types.Logger {
	return l.logger
}

// Cache returns nil when the cache section is disabled.
func (l *Layer) Cache() types.CacheStore {
	return l.cache
}

// Telemetry returns nil when telemetry is disabled.
func (l *Layer) Telemetry() types.Telemetry {
	if l.telemetry == nil {
		return nil
	}
	return l.telemetry
}

func (l *Layer) Orchestrator() *client.Orchestrator {
	return l.orchestrator
}

// Socket returns nil when the socket section is disabled.
func (l *Layer) Socket() *socket.Socket {
	return l.socket
}

// Health returns nil when health checks are disabled.
func (l *Layer) Health() types.HealthManager {
	if l.health == nil {
		return nil
	}
	return l.health
}

// Metrics returns nil when metrics are disabled.
func (l *Layer) Metrics() types.MetricsManager {
	return l.metrics
}

// MetricsHandler serves the metrics backend, prometheus exposition when that
// backend is configured. It answers 404 when metrics are disabled.
func (l *Layer) MetricsHandler() http.Handler {
	if l.metricsMgr == nil {
		return http.NotFoundHandler()
	}
	return l.metricsMgr.Handler()
}

// HealthHandler serves the health report as JSON. It answers 404 when health
// checks are disabled.
func (l *Layer) HealthHandler() http.Handler {
	if l.health == nil {
		return http.NotFoundHandler()
	}
	return l.health.Handler()
}
