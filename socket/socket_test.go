package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

type recordingInvalidator struct {
	mu       sync.Mutex
	patterns []string
}

func (r *recordingInvalidator) ClearCache(pattern string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
	return 3, nil
}

func (r *recordingInvalidator) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.patterns...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) listen(_, to ConnState) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *stateRecorder) Snapshot() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

// testServer upgrades every request and hands the connection to onConn.
type testServer struct {
	*httptest.Server
	connections atomic.Int32
}

func newTestServer(t *testing.T, onConn func(conn *websocket.Conn, n int)) *testServer {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := &testServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn, int(server.connections.Add(1)))
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testSocketConfig(url string) types.SocketConfig {
	return types.SocketConfig{
		Enabled:      true,
		URL:          url,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		DialTimeout:  time.Second,
		PingInterval: time.Second,
		PongWait:     2 * time.Second,
		WriteWait:    time.Second,
	}
}

func newTestSocket(t *testing.T, cfg types.SocketConfig, opts ...Option) *Socket {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "socket-test",
		Version: "1.0.0",
		Socket:  &cfg,
	})
	require.NoError(t, err)

	s, err := NewSocket(context.Background(), cm, logger.NewNop(), nil, opts...)
	require.NoError(t, err)
	return s
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, BackoffDelay(base, time.Second, 1))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(base, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, BackoffDelay(base, time.Second, 3))
	assert.Equal(t, time.Second, BackoffDelay(base, time.Second, 5))
	assert.Equal(t, time.Second, BackoffDelay(base, time.Second, 64))
	assert.Equal(t, 100*time.Millisecond, BackoffDelay(base, time.Second, 0))
}

func TestWithJitter(t *testing.T) {
	delay := time.Second
	assert.Equal(t, delay, withJitter(delay, 0, 0.9))
	assert.Equal(t, 900*time.Millisecond, withJitter(delay, 0.1, 0))
	assert.Equal(t, delay, withJitter(delay, 0.1, 0.5))

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		jittered := withJitter(delay, 0.2, r)
		assert.GreaterOrEqual(t, jittered, 800*time.Millisecond)
		assert.Less(t, jittered, 1200*time.Millisecond)
	}
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "backoff(3)", ConnState{Phase: PhaseBackoff, Attempt: 3}.String())
	assert.Equal(t, "connected", Connected().String())
	assert.Equal(t, "disconnected", Disconnected().String())
}

func TestNewSocket_Validation(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{Name: "x", Version: "1"})
	require.NoError(t, err)

	_, err = NewSocket(context.Background(), cm, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrSocketIsDisabled)

	_, err = validateConfig(types.SocketConfig{Enabled: true})
	assert.ErrorIs(t, err, types.ErrSocketConfigInvalid)

	cfg, err := validateConfig(types.SocketConfig{Enabled: true, URL: "ws://x", PingInterval: time.Minute, PongWait: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Second, cfg.BaseDelay)
}

func TestSocket_GivesUpAfterMaxAttempts(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(closed.URL, "http")
	closed.Close()

	cfg := testSocketConfig(url)
	cfg.MaxAttempts = 5
	s := newTestSocket(t, cfg)

	recorder := &stateRecorder{}
	s.OnStateChange(recorder.listen)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	assert.Eventually(t, func() bool {
		return s.Err() != nil
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Err(), types.ErrSocketGaveUp)

	assert.Eventually(t, func() bool {
		return s.State().Phase == PhaseDisconnected
	}, time.Second, time.Millisecond)

	var delays []time.Duration
	states := recorder.Snapshot()
	for i, state := range states {
		if state.Phase == PhaseBackoff {
			delays = append(delays, state.Delay)
			assert.Equal(t, len(delays), state.Attempt)
			require.Greater(t, len(states), i+1)
			assert.Equal(t, PhaseConnecting, states[i+1].Phase)
		}
	}
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
	}, delays)

	assert.Equal(t, PhaseConnecting, states[0].Phase)
	assert.Equal(t, PhaseDisconnected, states[len(states)-1].Phase)
}

func TestSocket_InvalidatesCacheOnPush(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn, n int) {
		push := func(payload interface{}) {
			data, _ := utils.Marshal(types.SocketMessage{Action: ActionCacheInvalidate, Payload: payload, MessageID: "m"})
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		push(map[string]string{"pattern": "GET:*/documents*"})
		push("re:^GET:")

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	invalidator := &recordingInvalidator{}
	s := newTestSocket(t, testSocketConfig(server.wsURL()), WithInvalidator(invalidator))

	received := make(chan *types.SocketMessage, 2)
	require.NoError(t, s.Subscribe(ActionCacheInvalidate, func(message *types.SocketMessage) error {
		received <- message
		return nil
	}))

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	assert.Eventually(t, func() bool {
		return len(invalidator.Patterns()) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"GET:*/documents*", "re:^GET:"}, invalidator.Patterns())
	assert.Equal(t, PhaseConnected, s.State().Phase)
	assert.Len(t, received, 2)
}

func TestSocket_PublishAndForwardAlerts(t *testing.T) {
	messages := make(chan types.SocketMessage, 4)
	server := newTestServer(t, func(conn *websocket.Conn, n int) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var message types.SocketMessage
			if utils.Unmarshal(data, &message) == nil {
				messages <- message
			}
		}
	})

	s := newTestSocket(t, testSocketConfig(server.wsURL()))
	assert.ErrorIs(t, s.Publish("early", nil), types.ErrSocketNotRunning)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	require.NoError(t, s.Publish("dashboard.viewed", map[string]string{"id": "d1"}))
	s.AlertListener()(types.PerformanceAlert{ID: "a1", Severity: types.SeverityWarning, Metric: "api_call"})

	first := <-messages
	assert.Equal(t, "dashboard.viewed", first.Action)
	assert.NotEmpty(t, first.MessageID)

	second := <-messages
	assert.Equal(t, ActionTelemetryAlert, second.Action)
	payload, ok := second.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a1", payload["id"])
}

func TestSocket_ReconnectsAfterDrop(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := newTestSocket(t, testSocketConfig(server.wsURL()))
	recorder := &stateRecorder{}
	s.OnStateChange(recorder.listen)

	require.NoError(t, s.Start())

	assert.Eventually(t, func() bool {
		return server.connections.Load() >= 2 && s.State().Phase == PhaseConnected
	}, 2*time.Second, time.Millisecond)

	var sawBackoff bool
	for _, state := range recorder.Snapshot() {
		if state.Phase == PhaseBackoff {
			sawBackoff = true
			assert.Equal(t, 1, state.Attempt)
			assert.Equal(t, 5*time.Millisecond, state.Delay)
		}
	}
	assert.True(t, sawBackoff)

	require.NoError(t, s.Stop())
	assert.Equal(t, PhaseDisconnected, s.State().Phase)
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), types.ErrServerNotRunning)
	assert.NoError(t, s.Err())
}

func TestSocket_HandlerPanicIsContained(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn, n int) {
		data, _ := utils.Marshal(types.SocketMessage{Action: "report.ready", Payload: "r1"})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := newTestSocket(t, testSocketConfig(server.wsURL()))

	var calls atomic.Int32
	require.NoError(t, s.Subscribe("report.ready", func(message *types.SocketMessage) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))
	assert.ErrorIs(t, s.Subscribe("", nil), types.ErrSocketConfigInvalid)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), server.connections.Load())
}
