package socket

import (
	"fmt"
	"time"
)

type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ConnState is one node of the reconnect state machine. Attempt counts
// consecutive failures; Delay is set only in PhaseBackoff.
type ConnState struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
}

func (s ConnState) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}
	return s.Phase.String()
}

func Disconnected() ConnState { return ConnState{Phase: PhaseDisconnected} }

func Connected() ConnState { return ConnState{Phase: PhaseConnected} }

// StateListener observes every transition in order.
type StateListener func(from, to ConnState)

// BackoffDelay returns base × 2^(attempt-1) capped at maxDelay. attempt starts at 1.
func BackoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		delay *= 2
	}

	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// withJitter spreads delay by ±jitter. r is uniform in [0,1).
func withJitter(delay time.Duration, jitter, r float64) time.Duration {
	if jitter <= 0 || delay <= 0 {
		return delay
	}

	spread := float64(delay) * jitter * (2*r - 1)
	jittered := time.Duration(float64(delay) + spread)
	if jittered < 0 {
		return 0
	}
	return jittered
}
