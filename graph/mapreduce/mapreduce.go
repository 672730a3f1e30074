// Package mapreduce implements the map/reduce node kinds: fan a
// collection out to a bounded pool of workers, then fold the results back
// into a single value.
package mapreduce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowforge/corerun/graph"
)

// MapFn transforms one input item into an output value, or an error.
type MapFn func(ctx context.Context, item any) (any, error)

// ReduceFn folds acc and next into the next accumulated value.
type ReduceFn func(acc, next any) any

// MapProgress reports how a map node's item pool is progressing, called once
// per completed item (from whichever goroutine finished it).
type MapProgress struct {
	Total      int
	Completed  int
	Successful int
	Failed     int
}

// MapConfig configures a KindMap node: Items are read from the run state
// under ItemsKey, each passed through Fn with at most Concurrency in
// flight at once, and the ordered results written back under ResultsKey.
type MapConfig struct {
	ItemsKey    string
	ResultsKey  string
	Fn          MapFn
	Concurrency int

	// FailFast, if true, cancels remaining in-flight items on the first
	// error and fails the whole node with that error. If false (the
	// default), every item runs to completion and the node succeeds
	// regardless of individual failures: ResultsKey holds nil for any
	// failed index, and ErrorsKey (ResultsKey+"_errors" unless set) holds
	// each failed index's error message, empty string for successes.
	FailFast bool

	// ErrorsKey names the state field per-item errors are written to when
	// FailFast is false and at least one item failed. Defaults to
	// ResultsKey + "_errors".
	ErrorsKey string

	// OnProgress, if set, is invoked after every item completes.
	OnProgress func(MapProgress)
}

// NewMapNode builds a graph.Node of KindMap running cfg.Fn over the items
// found at cfg.ItemsKey with bounded concurrency, writing results in
// original item order (not completion order) to cfg.ResultsKey.
func NewMapNode(name string, cfg MapConfig) *graph.Node {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	fn := func(ctx context.Context, state graph.State) graph.Result {
		raw, ok := state.Get(cfg.ItemsKey)
		if !ok {
			return graph.Result{Err: fmt.Errorf("map node %q: missing items key %q", name, cfg.ItemsKey)}
		}
		items, ok := raw.([]any)
		if !ok {
			return graph.Result{Err: fmt.Errorf("map node %q: items key %q is not []any", name, cfg.ItemsKey)}
		}

		results := make([]any, len(items))
		errs := make([]error, len(items))

		var completed, successful, failed int64
		var firstErr error
		var firstErrOnce sync.Once

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		mapCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		for i, item := range items {
			select {
			case <-mapCtx.Done():
			default:
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, item any) {
				defer wg.Done()
				defer func() { <-sem }()
				out, err := cfg.Fn(mapCtx, item)
				if err != nil {
					errs[i] = err
					atomic.AddInt64(&failed, 1)
					if cfg.FailFast {
						firstErrOnce.Do(func() { firstErr = err })
						cancel()
					}
				} else {
					results[i] = out
					atomic.AddInt64(&successful, 1)
				}
				if cfg.OnProgress != nil {
					cfg.OnProgress(MapProgress{
						Total:      len(items),
						Completed:  int(atomic.AddInt64(&completed, 1)),
						Successful: int(atomic.LoadInt64(&successful)),
						Failed:     int(atomic.LoadInt64(&failed)),
					})
				}
			}(i, item)
		}
		wg.Wait()

		var failCount int
		for _, err := range errs {
			if err != nil {
				failCount++
				if cfg.FailFast {
					return graph.Result{Err: fmt.Errorf("map node %q: %w", name, firstErr)}
				}
			}
		}
		if failCount == 0 {
			return graph.Result{Delta: graph.State{cfg.ResultsKey: results}, Next: graph.UseGraphEdges()}
		}

		errorsKey := cfg.ErrorsKey
		if errorsKey == "" {
			errorsKey = cfg.ResultsKey + "_errors"
		}
		errStrs := make([]string, len(items))
		for i, err := range errs {
			if err != nil {
				errStrs[i] = err.Error()
			}
		}
		return graph.Result{
			Delta: graph.State{cfg.ResultsKey: results, errorsKey: errStrs},
			Next:  graph.UseGraphEdges(),
		}
	}

	return &graph.Node{Name: name, Kind: graph.KindMap, Fn: fn, Config: cfg}
}

// ReduceConfig configures a KindReduce node: the values at ItemsKey are
// folded left-to-right through Fn starting from Initial, and the final
// accumulator is written to ResultKey.
type ReduceConfig struct {
	ItemsKey  string
	ResultKey string
	Initial   any
	Fn        ReduceFn
}

// NewReduceNode builds a graph.Node of KindReduce.
func NewReduceNode(name string, cfg ReduceConfig) *graph.Node {
	fn := func(_ context.Context, state graph.State) graph.Result {
		raw, ok := state.Get(cfg.ItemsKey)
		if !ok {
			return graph.Result{Err: fmt.Errorf("reduce node %q: missing items key %q", name, cfg.ItemsKey)}
		}
		items, ok := raw.([]any)
		if !ok {
			return graph.Result{Err: fmt.Errorf("reduce node %q: items key %q is not []any", name, cfg.ItemsKey)}
		}

		acc := cfg.Initial
		for _, item := range items {
			acc = cfg.Fn(acc, item)
		}
		return graph.Result{Delta: graph.State{cfg.ResultKey: acc}, Next: graph.UseGraphEdges()}
	}

	return &graph.Node{Name: name, Kind: graph.KindReduce, Fn: fn, Config: cfg}
}

// MapReduceConfig composes a map phase immediately followed by a reduce
// phase within a single KindMapReduce node, for the common case where the
// intermediate per-item results never need their own graph node.
type MapReduceConfig struct {
	ItemsKey    string
	ResultKey   string
	Map         MapFn
	Concurrency int
	Initial     any
	Reduce      ReduceFn
}

// NewMapReduceNode builds a single graph.Node of KindMapReduce.
func NewMapReduceNode(name string, cfg MapReduceConfig) *graph.Node {
	mapNode := NewMapNode(name+":map", MapConfig{
		ItemsKey: cfg.ItemsKey, ResultsKey: "__mapreduce_intermediate", Fn: cfg.Map, Concurrency: cfg.Concurrency,
		FailFast: true,
	})

	fn := func(ctx context.Context, state graph.State) graph.Result {
		mapResult := mapNode.Fn(ctx, state)
		if mapResult.Err != nil {
			return mapResult
		}
		intermediate, _ := mapResult.Delta["__mapreduce_intermediate"].([]any)

		acc := cfg.Initial
		for _, item := range intermediate {
			acc = cfg.Reduce(acc, item)
		}
		return graph.Result{Delta: graph.State{cfg.ResultKey: acc}, Next: graph.UseGraphEdges()}
	}

	return &graph.Node{Name: name, Kind: graph.KindMapReduce, Fn: fn, Config: cfg}
}
