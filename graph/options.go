package graph

import "time"

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	eng, err := graph.NewEngine(store, emitter,
//	    graph.WithMaxConcurrent(16),
//	    graph.WithDefaultNodeTimeout(10*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they're applied to an Engine.
type engineConfig struct {
	maxConcurrent       int
	maxIterations       int
	queueDepth          int
	defaultNodeTimeout  time.Duration
	runWallClockBudget  time.Duration
	defaultBreaker      *BreakerConfig
	maxSubworkflowDepth int
	idempotencyTTL      time.Duration
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		maxConcurrent:       8,
		maxIterations:       1000,
		queueDepth:          1024,
		defaultNodeTimeout:  30 * time.Second,
		runWallClockBudget:  10 * time.Minute,
		maxSubworkflowDepth: 10,
		idempotencyTTL:      24 * time.Hour,
	}
}

// WithMaxConcurrent sets the engine's maxConcurrent setting. Default: 8.
// Engine.Run dispatches a run's nodes one at a time and does not read this
// setting, so it does not change how many nodes execute at once.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.maxConcurrent = n
		return nil
	}
}

// WithMaxIterations bounds the total number of node dispatches in a run,
// guarding against misconfigured loops. Default: 1000.
func WithMaxIterations(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.maxIterations = n
		return nil
	}
}

// WithQueueDepth sets the engine's queueDepth setting. Default: 1024.
// Engine.Run keeps its pending nodes in an unbounded slice and does not
// read this setting.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.queueDepth = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the per-attempt execution timeout for nodes
// without an explicit Node.Timeout. Default: 30s.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds the total wall-clock time a single Run may
// take. Zero disables the budget. Default: 10m.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.runWallClockBudget = d
		return nil
	}
}

// WithDefaultBreaker stores a default circuit breaker configuration.
// Engine.Run builds each node's breaker from Node.Breaker alone and does
// not read this setting.
func WithDefaultBreaker(c BreakerConfig) Option {
	return func(cfg *engineConfig) error {
		cfg.defaultBreaker = &c
		return nil
	}
}

// WithMaxSubworkflowDepth sets the engine's maxSubworkflowDepth setting.
// Default: 10. Engine.Run does not read it; a subworkflow node's nesting
// limit comes from subworkflow.Config.MaxDepth.
func WithMaxSubworkflowDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.maxSubworkflowDepth = n
		return nil
	}
}

// WithIdempotencyTTL sets how long a cached node dispatch outcome is
// replayed before it expires and the node is allowed to re-run. Default: 24h.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.idempotencyTTL = d
		return nil
	}
}
