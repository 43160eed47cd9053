package logger

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-reliability/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	state           atomic.Value
	shutdownTimeout time.Duration
}

var _ types.LoggerManager = (*Manager)(nil)

var customLoggerCreators = make(map[string]types.LoggerCreator)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators[loggerName] = creator
}

func NewManager(ctx context.Context, config types.ConfigManager) (*Manager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		shutdownTimeout: 5 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}
	m.setState(StateRunning)
	return nil
}

// Stop flushes buffered entries. A sink that does not return within the
// shutdown timeout is abandoned.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.cancel()
	}()

	syncer, ok := m.logger.(interface{ Sync() error })
	if !ok {
		return nil
	}

	done := make(chan struct{})
	go func() {
		// stdout and stderr report EINVAL on sync; there is nothing to act on
		_ = syncer.Sync()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.shutdownTimeout):
		return types.NewErrorf("logger sync timeout after %s", m.shutdownTimeout)
	}
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// Named returns a child logger tagged with component. Loggers that cannot be
// named are returned as is.
func (m *Manager) Named(component string) types.Logger {
	if named, ok := m.logger.(interface{ Named(string) types.Logger }); ok {
		return named.Named(component)
	}
	return m.logger
}

// AlertListener writes telemetry alerts to the log at a level matching their
// severity.
func (m *Manager) AlertListener() types.AlertListener {
	return func(alert types.PerformanceAlert) {
		level := zapcore.WarnLevel
		if alert.Severity == types.SeverityError {
			level = zapcore.ErrorLevel
		}

		m.logger.Log(level, "Performance alert",
			zap.String("alert_id", alert.ID),
			zap.String("metric", alert.Metric),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
			zap.String("message", alert.Message))
	}
}

func (m *Manager) Error(msg string, fields ...zap.Field) {
	m.logger.Error(msg, fields...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if stacker, ok := m.logger.(interface {
		ErrorWithErrStack(msg string, err error, fields ...zap.Field)
	}); ok {
		stacker.ErrorWithErrStack(msg, err, fields...)
		return
	}
	m.logger.Error(msg, append(fields, zap.Error(err))...)
}

func (m *Manager) Warn(msg string, fields ...zap.Field) {
	m.logger.Warn(msg, fields...)
}

func (m *Manager) Info(msg string, fields ...zap.Field) {
	m.logger.Info(msg, fields...)
}

func (m *Manager) Debug(msg string, fields ...zap.Field) {
	m.logger.Debug(msg, fields...)
}

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func createLogger(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	if loggerName == "default" {
		return NewDefaultLogger(loggerConfig)
	}

	if creator, exists := customLoggerCreators[loggerName]; exists {
		return creator(loggerConfig.Config)
	}
	return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
}
