package graph

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffKind selects the delay curve between retry attempts: fixed,
// linear, or exponential.
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffLinear
	BackoffExponential
)

// RetryPolicy configures automatic retry of a node's transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     BackoffKind
	Jitter      bool

	// Retryable reports whether err should be retried. Nil means every
	// non-nil error is retryable.
	Retryable func(err error) bool
}

// Validate checks the policy's invariants before it is attached to a node.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 1 {
		return errors.Join(ErrInvalidRetryPolicy, errors.New("maxAttempts must be >= 1"))
	}
	if p.BaseDelay < 0 {
		return errors.Join(ErrInvalidRetryPolicy, errors.New("baseDelay must be >= 0"))
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return errors.Join(ErrInvalidRetryPolicy, errors.New("maxDelay must be >= baseDelay"))
	}
	return nil
}

// shouldRetry reports whether err warrants another attempt under p.
func (p *RetryPolicy) shouldRetry(err error) bool {
	if p == nil || err == nil {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// computeBackoff returns the delay before retry attempt n (1-indexed: the
// delay that precedes the n-th retry), per the selected BackoffKind, with
// optional full jitter and a MaxDelay ceiling.
func computeBackoff(p *RetryPolicy, attempt int) time.Duration {
	if p == nil || attempt < 1 {
		return 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * time.Duration(attempt)
	case BackoffExponential:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	default:
		d = base
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1)) //nolint:gosec // backoff jitter, not security sensitive
	}
	return d
}
