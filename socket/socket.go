package socket

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

const (
	ActionCacheInvalidate = "cache.invalidate"
	ActionTelemetryAlert  = "telemetry.alert"

	sendBufferSize = 256
	handlerTimeout = 30 * time.Second
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Option func(*Socket)

// WithInvalidator wires server-pushed cache.invalidate messages.
func WithInvalidator(invalidator types.CacheInvalidator) Option {
	return func(s *Socket) {
		s.invalidator = invalidator
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(s *Socket) {
		s.dialer = dialer
	}
}

func WithHeaders(headers http.Header) Option {
	return func(s *Socket) {
		s.headers = headers
	}
}

// WithRandom replaces the jitter source. It must return values in [0,1).
func WithRandom(random func() float64) Option {
	return func(s *Socket) {
		s.random = random
	}
}

// Socket keeps one notification connection alive. A single goroutine owns
// the connection state and drives the reconnect state machine.
type Socket struct {
	parent      context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	logger      types.Logger
	metrics     types.MetricsManager
	config      types.SocketConfig
	dialer      *websocket.Dialer
	headers     http.Header
	invalidator types.CacheInvalidator
	random      func() float64

	send chan *types.SocketMessage

	subsMu        sync.RWMutex
	subscriptions map[string][]types.SocketHandler

	connMu       sync.RWMutex
	connState    ConnState
	listeners    map[int]StateListener
	nextListener int

	gaveUp          atomic.Bool
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewSocket(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Socket, error) {
	socketConfig := config.GetConfig().Socket
	if socketConfig == nil || !socketConfig.Enabled {
		return nil, types.ErrSocketIsDisabled
	}

	cfg, err := validateConfig(*socketConfig)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		parent:          ctx,
		logger:          logger,
		metrics:         metrics,
		config:          cfg,
		random:          rand.Float64,
		send:            make(chan *types.SocketMessage, sendBufferSize),
		subscriptions:   make(map[string][]types.SocketHandler),
		connState:       Disconnected(),
		listeners:       make(map[int]StateListener),
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		}
	}

	s.state.Store(StateStopped)

	logger.Info("Notification socket initialized",
		zap.String("url", cfg.URL),
		zap.Duration("base_delay", cfg.BaseDelay),
		zap.Duration("max_delay", cfg.MaxDelay),
		zap.Int("max_attempts", cfg.MaxAttempts))

	return s, nil
}

func validateConfig(cfg types.SocketConfig) (types.SocketConfig, error) {
	if cfg.URL == "" {
		return cfg, types.Errorf(types.ErrSocketConfigInvalid, "url is required")
	}
	if cfg.MaxAttempts < 0 {
		return cfg, types.Errorf(types.ErrSocketConfigInvalid, "max_attempts %d below zero", cfg.MaxAttempts)
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return cfg, types.Errorf(types.ErrSocketConfigInvalid, "jitter %.2f outside [0,1]", cfg.Jitter)
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	return cfg, nil
}

// Publish queues a message for the write pump. Messages queued while
// reconnecting are sent once a connection is back.
func (s *Socket) Publish(action string, payload interface{}) error {
	if !s.IsRunning() {
		return types.ErrSocketNotRunning
	}

	message := &types.SocketMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-reliability",
		MessageID: uuid.NewString(),
	}

	select {
	case s.send <- message:
		s.logger.Debug("Message queued for publishing",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		return nil
	default:
		s.logger.Error("Send queue is full, dropping message",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		s.recordMessage("out", action, "dropped")
		return types.Errorf(types.ErrSocketPublishFailed, "send queue full")
	}
}

func (s *Socket) Subscribe(action string, handler types.SocketHandler) error {
	if action == "" || handler == nil {
		return types.Errorf(types.ErrSocketConfigInvalid, "action and handler are required")
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.subscriptions[action] = append(s.subscriptions[action], s.wrapHandler(action, handler))

	s.logger.Debug("Subscribed to action",
		zap.String("action", action),
		zap.Int("total_handlers", len(s.subscriptions[action])))
	return nil
}

// OnStateChange registers a listener and returns its unsubscribe func.
// Listeners run on the state owner goroutine and must not block.
func (s *Socket) OnStateChange(listener StateListener) func() {
	s.connMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.connMu.Unlock()

	return func() {
		s.connMu.Lock()
		delete(s.listeners, id)
		s.connMu.Unlock()
	}
}

// AlertListener forwards telemetry alerts as telemetry.alert messages.
func (s *Socket) AlertListener() types.AlertListener {
	return func(alert types.PerformanceAlert) {
		if err := s.Publish(ActionTelemetryAlert, alert); err != nil {
			s.logger.Debug("Alert not forwarded", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
}

func (s *Socket) State() ConnState {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.connState
}

// Err reports ErrSocketGaveUp once MaxAttempts consecutive failures were exhausted.
func (s *Socket) Err() error {
	if s.gaveUp.Load() {
		return types.ErrSocketGaveUp
	}
	return nil
}

func (s *Socket) Config() types.SocketConfig {
	return s.config
}

func (s *Socket) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	s.ctx, s.cancel = context.WithCancel(s.parent)
	s.done = make(chan struct{})
	s.gaveUp.Store(false)

	go s.run(s.ctx, s.done)

	s.logger.Info("Notification socket started", zap.String("url", s.config.URL))
	return nil
}

func (s *Socket) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StateStopped)

	s.cancel()

	select {
	case <-s.done:
		s.logger.Info("Notification socket stopped gracefully")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Notification socket stop timeout")
	}

	return nil
}

func (s *Socket) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Socket) getState() State {
	return s.state.Load().(State)
}

func (s *Socket) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Socket) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// run owns the connection state until ctx ends or reconnecting gives up.
func (s *Socket) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.transition(Disconnected())

	attempt := 0
	for {
		s.transition(ConnState{Phase: PhaseConnecting, Attempt: attempt})

		conn, err := s.dial(ctx)
		if err == nil {
			attempt = 0
			s.transition(Connected())

			err = s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}

			s.logger.Warn("Notification socket connection lost", zap.Error(err))
			attempt = 1
		} else {
			if ctx.Err() != nil {
				return
			}

			attempt++
			s.logger.Warn("Notification socket dial failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if s.config.MaxAttempts > 0 && attempt > s.config.MaxAttempts {
			s.gaveUp.Store(true)
			s.logger.Error("Notification socket gave up reconnecting",
				zap.Int("attempts", attempt-1),
				zap.Error(types.ErrSocketGaveUp))
			return
		}

		delay := withJitter(BackoffDelay(s.config.BaseDelay, s.config.MaxDelay, attempt), s.config.Jitter, s.random())
		s.transition(ConnState{Phase: PhaseBackoff, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Socket) transition(to ConnState) {
	s.connMu.Lock()
	from := s.connState
	s.connState = to
	listeners := make([]StateListener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.connMu.Unlock()

	if from == to {
		return
	}

	s.logger.Debug("Notification socket state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	if s.metrics != nil {
		s.metrics.Counter("socket_state_transitions_total", map[string]string{"to": to.Phase.String()}).Inc()
		connected := 0.0
		if to.Phase == PhaseConnected {
			connected = 1
		}
		s.metrics.Gauge("socket_connected", nil).Set(connected)
	}

	for _, listener := range listeners {
		s.notify(listener, from, to)
	}
}

func (s *Socket) notify(listener StateListener, from, to ConnState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("State listener panicked", zap.Any("panic", r))
		}
	}()
	listener(from, to)
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dialCtx, s.config.URL, s.headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to dial notification socket")
	}
	return conn, nil
}

// serve pumps one connection until either side fails or ctx ends.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.readPump(gCtx, conn)
	})

	g.Go(func() error {
		return s.writePump(gCtx, conn)
	})

	g.Go(func() error {
		<-gCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteWait))
		}
		return conn.Close()
	})

	return g.Wait()
}

func (s *Socket) readPump(ctx context.Context, conn *websocket.Conn) error {
	defer s.logger.Debug("Read pump stopped")

	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Notification socket closed by server", zap.Error(err))
			}
			return types.WrapError(err, "read failed")
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))

		var message types.SocketMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			s.logger.Error("Failed to unmarshal message", zap.Error(err))
			continue
		}

		s.handleIncomingMessage(ctx, &message)
	}
}

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.logger.Debug("Write pump stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message := <-s.send:
			data, err := utils.Marshal(message)
			if err != nil {
				s.logger.Error("Failed to marshal outgoing message",
					zap.String("action", message.Action),
					zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.recordMessage("out", message.Action, "error")
				return types.WrapError(err, "write failed")
			}

			s.recordMessage("out", message.Action, "success")
			s.logger.Debug("Message sent",
				zap.String("action", message.Action),
				zap.String("message_id", message.MessageID))

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteWait)); err != nil {
				return types.WrapError(err, "ping failed")
			}
		}
	}
}

func (s *Socket) handleIncomingMessage(ctx context.Context, message *types.SocketMessage) {
	if message.Action == ActionCacheInvalidate {
		s.invalidate(message)
	}

	s.subsMu.RLock()
	handlers := make([]types.SocketHandler, len(s.subscriptions[message.Action]))
	copy(handlers, s.subscriptions[message.Action])
	s.subsMu.RUnlock()

	if len(handlers) == 0 {
		if message.Action != ActionCacheInvalidate {
			s.logger.Debug("No handlers found for action",
				zap.String("action", message.Action),
				zap.String("message_id", message.MessageID))
			s.recordMessage("in", message.Action, "no_handlers")
		}
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(handlerCtx)
	for i, handler := range handlers {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := handler(message); err != nil {
				s.logger.Error("Socket handler failed",
					zap.String("action", message.Action),
					zap.String("message_id", message.MessageID),
					zap.Int("handler_index", i),
					zap.Error(err))
				return err
			}
			return nil
		})
	}

	_ = g.Wait()
}

// invalidate accepts {"pattern": "..."} or a bare pattern string. An empty
// pattern clears the whole cache.
func (s *Socket) invalidate(message *types.SocketMessage) {
	if s.invalidator == nil {
		s.logger.Debug("Cache invalidation ignored, no invalidator wired")
		return
	}

	pattern := ""
	switch payload := message.Payload.(type) {
	case string:
		pattern = payload
	case map[string]interface{}:
		pattern, _ = payload["pattern"].(string)
	}

	removed, err := s.invalidator.ClearCache(pattern)
	if err != nil {
		s.logger.Warn("Server-pushed cache invalidation failed",
			zap.String("pattern", pattern),
			zap.Error(err))
		s.recordMessage("in", message.Action, "error")
		return
	}

	s.logger.Info("Cache invalidated by server",
		zap.String("pattern", pattern),
		zap.Int("removed", removed),
		zap.String("message_id", message.MessageID))
	s.recordMessage("in", message.Action, "success")
}

func (s *Socket) wrapHandler(action string, handler types.SocketHandler) types.SocketHandler {
	return func(message *types.SocketMessage) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panicked",
					zap.String("action", action),
					zap.Any("panic", r))
				s.recordMessage("in", action, "panic")
				err = types.Errorf(types.ErrSocketHandlerFailed, "handler panicked: %v", r)
			}
		}()

		err = handler(message)
		result := "success"
		if err != nil {
			result = "error"
		}
		s.recordMessage("in", action, result)
		return err
	}
}

func (s *Socket) recordMessage(direction, action, result string) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("socket_messages_total", map[string]string{
		"direction": direction,
		"action":    action,
		"result":    result,
	}).Inc()
}
