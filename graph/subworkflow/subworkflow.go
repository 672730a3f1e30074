// Package subworkflow implements the subworkflow node kind:
// running a nested Workflow to completion as part of a parent node,
// including the race/fallback/scatter-gather composition patterns and the
// nesting depth guard.
package subworkflow

import (
	"context"
	"sync"

	"github.com/flowforge/corerun/graph"
)

// depthKey is the context key carrying the current subworkflow nesting
// depth, so nested subworkflow nodes built by NewNode can enforce the
// maxDepth guard.
type depthKey struct{}

// DepthFrom returns the subworkflow nesting depth recorded in ctx (0 if none).
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

func withDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}

// Runner executes a nested workflow and returns its final state.
type Runner func(ctx context.Context, wf *graph.Workflow, initial graph.State) (graph.State, error)

// Config configures a KindSubworkflow node.
type Config struct {
	Workflow *graph.Workflow
	Run      Runner
	MaxDepth int // 0 uses a limit of 10
}

// NewNode builds a graph.Node of KindSubworkflow that runs cfg.Workflow to
// completion against the parent's current state, merging its final state
// back as this node's Delta. Exceeding MaxDepth fails with
// graph.ErrMaxDepthExceeded rather than recursing further.
func NewNode(name string, cfg Config) *graph.Node {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}

	fn := func(ctx context.Context, state graph.State) graph.Result {
		depth := DepthFrom(ctx)
		if depth >= maxDepth {
			return graph.Result{Err: graph.ErrMaxDepthExceeded}
		}
		childCtx := withDepth(ctx, depth+1)

		final, err := cfg.Run(childCtx, cfg.Workflow, state.Clone())
		if err != nil {
			return graph.Result{Err: err}
		}
		return graph.Result{Delta: final, Next: graph.UseGraphEdges()}
	}

	return &graph.Node{Name: name, Kind: graph.KindSubworkflow, Fn: fn, Config: cfg}
}

// Race runs every workflow in workflows concurrently against the same
// initial state and returns the first to complete successfully; the rest
// are abandoned (their goroutines keep running to completion but their
// results are discarded — run bodies should respect ctx cancellation to
// exit early).
func Race(ctx context.Context, workflows []*graph.Workflow, initial graph.State, run Runner) (graph.State, error) {
	type outcome struct {
		state graph.State
		err   error
	}
	results := make(chan outcome, len(workflows))
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, wf := range workflows {
		go func(wf *graph.Workflow) {
			state, err := run(raceCtx, wf, initial.Clone())
			results <- outcome{state: state, err: err}
		}(wf)
	}

	var lastErr error
	for range workflows {
		o := <-results
		if o.err == nil {
			return o.state, nil
		}
		lastErr = o.err
	}
	return nil, lastErr
}

// Fallback tries each workflow in order against the same initial state,
// returning the first one that completes without error.
func Fallback(ctx context.Context, workflows []*graph.Workflow, initial graph.State, run Runner) (graph.State, error) {
	var lastErr error
	for _, wf := range workflows {
		state, err := run(ctx, wf, initial.Clone())
		if err == nil {
			return state, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ParallelSubworkflows runs every workflow concurrently against the same
// initial state and returns every result (by input index), collecting
// rather than short-circuiting on error.
func ParallelSubworkflows(ctx context.Context, workflows []*graph.Workflow, initial graph.State, run Runner) ([]graph.State, []error) {
	states := make([]graph.State, len(workflows))
	errs := make([]error, len(workflows))

	var wg sync.WaitGroup
	for i, wf := range workflows {
		wg.Add(1)
		go func(i int, wf *graph.Workflow) {
			defer wg.Done()
			state, err := run(ctx, wf, initial.Clone())
			states[i] = state
			errs[i] = err
		}(i, wf)
	}
	wg.Wait()
	return states, errs
}

// ScatterGather runs wf once per entry in items, each against its own
// initial state (scatter), concurrently, and merges every successful
// result through merge (gather). Errors from individual items are
// collected and returned alongside the merged state; a nil error slice
// means every item succeeded.
func ScatterGather(ctx context.Context, wf *graph.Workflow, items []graph.State, run Runner, merge func(acc graph.State, item graph.State) graph.State) (graph.State, []error) {
	states := make([]graph.State, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item graph.State) {
			defer wg.Done()
			state, err := run(ctx, wf, item.Clone())
			states[i] = state
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	acc := graph.State{}
	var failures []error
	for i, state := range states {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		acc = merge(acc, state)
	}
	return acc, failures
}
