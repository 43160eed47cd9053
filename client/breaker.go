package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerDisabled
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails calls fast after FailureThreshold consecutive
// failures, then lets HalfOpenRequests probes through after RecoveryTimeout.
type CircuitBreaker struct {
	config    types.CircuitBreakerConfig
	logger    types.Logger
	name      string
	now       func() time.Time
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	probes    atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, name string) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger: logger,
		name:   name,
		now:    time.Now,
	}

	if config == nil || !config.Enabled {
		cb.config = types.CircuitBreakerConfig{Enabled: false}
		cb.state.Store(StateBreakerDisabled)
		return cb
	}

	cb.config = *config
	if cb.config.FailureThreshold <= 0 {
		cb.config.FailureThreshold = 5
	}
	if cb.config.HalfOpenRequests <= 0 {
		cb.config.HalfOpenRequests = 1
	}
	if cb.config.RecoveryTimeout <= 0 {
		cb.config.RecoveryTimeout = 30 * time.Second
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFail.Load())) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transitionTo(StateBreakerHalfOpen)
		cb.probes.Store(1)
		return true
	case StateBreakerHalfOpen:
		return cb.probes.Add(1) <= int32(cb.config.HalfOpenRequests)
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("breaker", cb.name),
			zap.Int32("successes", successes),
			zap.Int("required", cb.config.HalfOpenRequests))

		if successes >= int32(cb.config.HalfOpenRequests) {
			cb.transitionTo(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixNano())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionTo(StateBreakerOpen)
	}
}

// Record feeds an attempt outcome into the breaker. Only transport failures,
// timeouts and server errors count against it.
func (cb *CircuitBreaker) Record(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if IsCircuitBreakerFailure(err) {
		cb.RecordFailure()
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	if cb == nil {
		return StateBreakerDisabled
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.getStateUnsafe()
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	oldState := cb.getStateUnsafe()
	cb.transitionTo(StateBreakerClosed)

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("breaker", cb.name),
		zap.String("old_state", oldState.String()))
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

// transitionTo must be called with the mutex held.
func (cb *CircuitBreaker) transitionTo(next CircuitBreakerState) {
	current := cb.getStateUnsafe()
	if current == next || !cb.state.CompareAndSwap(current, next) {
		return
	}

	switch next {
	case StateBreakerClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
		cb.probes.Store(0)
		cb.logger.Info("Circuit breaker closed", zap.String("breaker", cb.name))
	case StateBreakerOpen:
		cb.successes.Store(0)
		cb.probes.Store(0)
		cb.logger.Warn("Circuit breaker opened",
			zap.String("breaker", cb.name),
			zap.Int32("failures", cb.failures.Load()),
			zap.Int("threshold", cb.config.FailureThreshold))
	case StateBreakerHalfOpen:
		cb.successes.Store(0)
		cb.logger.Info("Circuit breaker transitioned to half-open", zap.String("breaker", cb.name))
	}
}

func IsCircuitBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, types.ErrCircuitBreakerOpen) {
		return false
	}

	var reqErr *types.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Kind {
		case types.KindHTTPClient:
			return reqErr.Status == 408 || reqErr.Status == 429
		default:
			return true
		}
	}

	return false
}
