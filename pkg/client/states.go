package client

import (
	"math/rand"
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnectWait State = "reconnect_wait"
	// StateFailed is terminal: reconnect attempts were exhausted and manual
	// intervention is required
	StateFailed State = "failed"
	// StateClosed is terminal: the user closed this manager instance
	StateClosed State = "closed"
)

// transitions defines the valid state machine edges. Closed is reachable
// from anywhere and handled separately.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateReconnectWait, StateFailed},
	StateConnected:     {StateReconnectWait, StateFailed},
	StateReconnectWait: {StateConnecting},
	StateFailed:        {},
	StateClosed:        {},
}

// canTransition checks the edge exists.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Backoff defaults.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
	// jitterFraction is the upper bound of the uniform jitter added to
	// each reconnect delay, as a fraction of the base delay
	jitterFraction = 0.3
)

// backoffBase returns min(maxDelay, initial×2^attempt).
func backoffBase(initial, maxDelay time.Duration, attempt int) time.Duration {
	base := initial
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= maxDelay {
			return maxDelay
		}
	}
	if base > maxDelay {
		return maxDelay
	}
	return base
}

// backoffDelay adds uniform jitter from [0, jitterFraction×base] on top of
// the exponential base.
func backoffDelay(initial, maxDelay time.Duration, attempt int, rnd *rand.Rand) time.Duration {
	base := backoffBase(initial, maxDelay, attempt)
	span := int64(float64(base) * jitterFraction)
	if span <= 0 {
		return base
	}
	return base + time.Duration(rnd.Int63n(span+1))
}
