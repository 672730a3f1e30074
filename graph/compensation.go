package graph

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// runCompensation invokes each completed node's Compensation function, in
// reverse (LIFO) order, against the run's final state. A
// compensation step's own failure is retried with exponential backoff
// (distinct from the node's ordinary RetryPolicy) and, if it still fails,
// is logged via emitEvent and the walk continues to the next node —
// compensation is best-effort and never re-fails the run.
func runCompensation(ctx context.Context, completed []*Node, state State, emitEvent func(nodeID, msg string)) {
	for i := len(completed) - 1; i >= 0; i-- {
		node := completed[i]
		if node.Compensation == nil {
			continue
		}

		emitEvent(node.Name, "compensation:start")

		b := backoff.WithContext(backoff.WithMaxRetries(compensationBackoff(), 3), ctx)
		err := backoff.Retry(func() error {
			res := node.Compensation(ctx, state)
			return res.Err
		}, b)

		if err != nil {
			emitEvent(node.Name, "compensation:failed")
			continue
		}
		emitEvent(node.Name, "compensation:complete")
	}
}

// compensationBackoff is exposed for tests that need to observe the
// compensation retry schedule without waiting on real timers.
func compensationBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	return eb
}
