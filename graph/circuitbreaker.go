package graph

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a node's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures, while closed,
	// that trips the breaker open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single trial call through in half-open state.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes required,
	// while half-open, to close the breaker again.
	SuccessThreshold int
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	cfg := BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 1}
	if c != nil {
		if c.FailureThreshold > 0 {
			cfg.FailureThreshold = c.FailureThreshold
		}
		if c.ResetTimeout > 0 {
			cfg.ResetTimeout = c.ResetTimeout
		}
		if c.SuccessThreshold > 0 {
			cfg.SuccessThreshold = c.SuccessThreshold
		}
	}
	return cfg
}

// CircuitBreaker implements the closed -> open -> half_open state machine:
// FailureThreshold consecutive failures trip it open; after
// ResetTimeout a single trial call is let through (half_open); that call's
// outcome either closes the breaker (after SuccessThreshold consecutive
// successes) or reopens it immediately on any failure.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	state           BreakerState
	consecFailures  int
	consecSuccesses int
	openedAt        time.Time
	halfOpenInFlight bool

	now func() time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg *BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: BreakerClosed, now: time.Now}
}

// Allow reports whether a call may proceed. For a half-open breaker it
// admits exactly one trial call and rejects the rest until that call
// reports its outcome via RecordSuccess/RecordFailure.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = true
			b.consecSuccesses = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenInFlight = false
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecFailures = 0
			b.consecSuccesses = 0
		}
	case BreakerClosed:
		b.consecFailures = 0
	}
}

// RecordFailure reports a failed call outcome.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenInFlight = false
		b.trip()
	case BreakerClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip opens the breaker. Caller must hold b.mu.
func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.consecFailures = 0
	b.consecSuccesses = 0
}

// State returns the breaker's current state, for observability.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
