package graph_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/emit"
)

// fakeStore is a minimal in-process graph.CheckpointStore, independent of
// the store package, so engine tests can control idempotency/checkpoint
// behavior directly.
type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]graph.Checkpoint
	idempotency map[string]graph.IdempotencyRecord
	saveCount   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints: map[string]graph.Checkpoint{},
		idempotency: map[string]graph.IdempotencyRecord{},
	}
}

func (f *fakeStore) Save(_ context.Context, cp graph.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[cp.RunID] = cp
	f.saveCount++
	return nil
}

func (f *fakeStore) Load(_ context.Context, runID string) (graph.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[runID]
	if !ok {
		return graph.Checkpoint{}, errors.New("not found")
	}
	return cp, nil
}

func (f *fakeStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	_, found, err := f.GetIdempotency(ctx, key)
	return found, err
}

func (f *fakeStore) StoreIdempotency(_ context.Context, key string, rec graph.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idempotency[key] = rec
	return nil
}

func (f *fakeStore) GetIdempotency(_ context.Context, key string) (graph.IdempotencyRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.idempotency[key]
	return rec, ok, nil
}

func (f *fakeStore) DeleteIdempotency(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idempotency, key)
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []string
}

func (d *fakeDLQ) Enqueue(_ context.Context, runID, workflowName, nodeName string, _ graph.State, _ error, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, runID+"/"+workflowName+"/"+nodeName)
	return nil
}

func fn(delta graph.State) graph.Fn {
	return func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: delta, Next: graph.UseGraphEdges()}
	}
}

func TestEngineRunSequentialHappyPath(t *testing.T) {
	wf := graph.NewWorkflow("seq", "v1", graph.State{})
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: fn(graph.State{"a": true})})
	_ = wf.AddNode(&graph.Node{Name: "b", Fn: fn(graph.State{"b": true})})
	wf.AddEdge(graph.NewSequential("a", "b"))
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, err := graph.NewEngine(store, emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result := eng.Run(context.Background(), "run-1", wf)
	if result.Err != nil {
		t.Fatalf("Run() error = %v", result.Err)
	}
	if result.Status != graph.StatusCompleted {
		t.Fatalf("Run() status = %v, want completed", result.Status)
	}
	if !result.FinalState.GetBool("a") || !result.FinalState.GetBool("b") {
		t.Fatalf("FinalState = %+v, want both a and b set", result.FinalState)
	}
	if store.saveCount == 0 {
		t.Error("expected at least one checkpoint to be saved")
	}
}

func TestEngineRunResumesFromCheckpoint(t *testing.T) {
	wf := graph.NewWorkflow("seq", "v1", graph.State{})
	var bCalls int
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: fn(graph.State{"a": true})})
	_ = wf.AddNode(&graph.Node{Name: "b", Fn: func(_ context.Context, _ graph.State) graph.Result {
		bCalls++
		return graph.Result{Delta: graph.State{"b": true}, Next: graph.UseGraphEdges()}
	}})
	wf.AddEdge(graph.NewSequential("a", "b"))
	wf.EntryPoint = "a"

	store := newFakeStore()
	store.checkpoints["run-1"] = graph.Checkpoint{
		RunID:          "run-1",
		WorkflowName:   "seq",
		State:          graph.State{"a": true},
		CompletedNodes: []string{"a"},
		NodeResults:    map[string]graph.NodeResult{"a": {NodeName: "a"}},
	}

	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())
	result := eng.Run(context.Background(), "run-1", wf)
	if result.Err != nil {
		t.Fatalf("Run() error = %v", result.Err)
	}
	if bCalls != 1 {
		t.Fatalf("node b executed %d times, want exactly 1 (resumed past a)", bCalls)
	}
	if result.Status != graph.StatusCompleted {
		t.Fatalf("status = %v, want completed", result.Status)
	}
}

func TestEngineRunIterationLimit(t *testing.T) {
	wf := graph.NewWorkflow("loop", "v1", graph.State{})
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{}, Next: graph.UseGraphEdges()}
	}})
	// A Loop edge with no Until and no MaxIterations routes back to "a"
	// forever, so only the engine's iteration limit can end the run.
	wf.AddEdge(graph.NewLoop("a", "a", nil, "", 0))
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter(), graph.WithMaxIterations(3))
	result := eng.Run(context.Background(), "run-1", wf)

	if !errors.Is(result.Err, graph.ErrIterationLimit) {
		t.Fatalf("Run() error = %v, want ErrIterationLimit", result.Err)
	}
	if result.Status != graph.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
}

func TestEngineRunCancellation(t *testing.T) {
	wf := graph.NewWorkflow("cancel", "v1", graph.State{})
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: fn(graph.State{})})
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := eng.Run(ctx, "run-1", wf)
	if result.Status != graph.StatusCancelled {
		t.Fatalf("status = %v, want cancelled", result.Status)
	}
	if !errors.Is(result.Err, graph.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", result.Err)
	}
}

func TestEngineDispatchRetriesThenSucceeds(t *testing.T) {
	wf := graph.NewWorkflow("retry", "v1", graph.State{})
	var attempts int
	_ = wf.AddNode(&graph.Node{
		Name: "a",
		Fn: func(_ context.Context, _ graph.State) graph.Result {
			attempts++
			if attempts < 3 {
				return graph.Result{Err: errors.New("transient")}
			}
			return graph.Result{Delta: graph.State{"ok": true}, Next: graph.UseGraphEdges()}
		},
		Retry: &graph.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())
	result := eng.Run(context.Background(), "run-1", wf)

	if result.Err != nil {
		t.Fatalf("Run() error = %v", result.Err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !result.FinalState.GetBool("ok") {
		t.Fatalf("FinalState = %+v, want ok=true", result.FinalState)
	}
}

func TestEngineDispatchExhaustsRetriesAndEnqueuesDLQ(t *testing.T) {
	wf := graph.NewWorkflow("fail", "v1", graph.State{})
	boom := errors.New("boom")
	_ = wf.AddNode(&graph.Node{
		Name: "a",
		Fn: func(_ context.Context, _ graph.State) graph.Result {
			return graph.Result{Err: boom}
		},
		Retry: &graph.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	wf.EntryPoint = "a"

	store := newFakeStore()
	dlq := &fakeDLQ{}
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())
	eng.WithDLQ(dlq)

	result := eng.Run(context.Background(), "run-1", wf)
	if result.Status != graph.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	var engErr *graph.EngineError
	if !errors.As(result.Err, &engErr) || engErr.Kind != graph.ErrorKindExecution {
		t.Fatalf("err = %v, want EngineError with kind execution", result.Err)
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("dlq entries = %v, want exactly one enqueue", dlq.entries)
	}
}

func TestEngineDispatchCircuitBreakerOpensAndShortCircuits(t *testing.T) {
	wf := graph.NewWorkflow("breaker", "v1", graph.State{})
	boom := errors.New("boom")
	calls := 0
	_ = wf.AddNode(&graph.Node{
		Name: "a",
		Fn: func(_ context.Context, _ graph.State) graph.Result {
			calls++
			return graph.Result{Err: boom}
		},
		Breaker: &graph.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour, SuccessThreshold: 1},
	})
	wf.EntryPoint = "a"

	// First run trips the breaker.
	store1 := newFakeStore()
	eng, _ := graph.NewEngine(store1, emit.NewNullEmitter())
	first := eng.Run(context.Background(), "run-1", wf)
	if first.Status != graph.StatusFailed {
		t.Fatalf("first run status = %v, want failed", first.Status)
	}

	// Second run against the same engine (shared breaker state) should be
	// short-circuited before the node function runs at all.
	store2 := newFakeStore()
	second := eng.Run(context.Background(), "run-2", wf)
	if !errors.Is(second.Err, graph.ErrUpstreamOpen) {
		t.Fatalf("second run err = %v, want ErrUpstreamOpen", second.Err)
	}
	if calls != 1 {
		t.Fatalf("node fn called %d times, want exactly 1 (second run short-circuited)", calls)
	}
	_ = store2
}

func TestEngineDispatchSkipsDuplicateIdempotentCall(t *testing.T) {
	wf := graph.NewWorkflow("idem", "v1", graph.State{"n": 1})
	var calls int
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: func(_ context.Context, s graph.State) graph.Result {
		calls++
		return graph.Result{Delta: graph.State{"a": calls}, Next: graph.UseGraphEdges()}
	}})
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())

	first := eng.Run(context.Background(), "run-1", wf)
	if first.Err != nil {
		t.Fatalf("first Run() error = %v", first.Err)
	}

	// A fresh run with identical (workflow, node, input state) reuses the
	// same default idempotency key, so the node body must not re-execute.
	second := eng.Run(context.Background(), "run-2", wf)
	if second.Err != nil {
		t.Fatalf("second Run() error = %v", second.Err)
	}
	if calls != 1 {
		t.Fatalf("node fn called %d times across both runs, want exactly 1 (second deduped)", calls)
	}
	if got, want := second.FinalState.GetInt("a"), first.FinalState.GetInt("a"); got != want {
		t.Fatalf("second run replayed output a=%d, want the first call's cached result a=%d (not a blank replay)", got, want)
	}
	if second.NodeResults["a"].Output.GetInt("a") != 1 {
		t.Fatalf("second run NodeResults[a].Output = %+v, want the replayed first-call output", second.NodeResults["a"])
	}
}

func TestEngineDispatchReplaysCachedFailure(t *testing.T) {
	wf := graph.NewWorkflow("idem-fail", "v1", graph.State{"n": 1})
	var calls int
	boom := errors.New("boom")
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: func(_ context.Context, _ graph.State) graph.Result {
		calls++
		return graph.Result{Err: boom}
	}})
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())

	first := eng.Run(context.Background(), "run-1", wf)
	if first.Status != graph.StatusFailed {
		t.Fatalf("first run status = %v, want failed", first.Status)
	}

	second := eng.Run(context.Background(), "run-2", wf)
	if second.Status != graph.StatusFailed {
		t.Fatalf("second run status = %v, want failed (replayed cached failure)", second.Status)
	}
	if calls != 1 {
		t.Fatalf("node fn called %d times across both runs, want exactly 1 (second replayed the cached failure)", calls)
	}
}

func TestEngineRunLoopEdgeRoutesToExitOnceMaxIterationsHit(t *testing.T) {
	wf := graph.NewWorkflow("loop-cap", "v1", graph.State{"count": 0})
	var checkCalls, bodyCalls, exitCalls int
	_ = wf.AddNode(&graph.Node{Name: "check", Fn: func(_ context.Context, _ graph.State) graph.Result {
		checkCalls++
		return graph.Result{Next: graph.UseGraphEdges()}
	}})
	_ = wf.AddNode(&graph.Node{Name: "body", Fn: func(_ context.Context, s graph.State) graph.Result {
		bodyCalls++
		return graph.Result{Delta: graph.State{"count": s.GetInt("count") + 1}, Next: graph.UseGraphEdges()}
	}})
	_ = wf.AddNode(&graph.Node{Name: "exit", Fn: func(_ context.Context, _ graph.State) graph.Result {
		exitCalls++
		return graph.Result{Next: graph.Stop()}
	}})
	// Until never fires (always false); only MaxIterations can end this loop.
	wf.AddEdge(graph.NewLoop("check", "body", func(graph.State) bool { return false }, "exit", 3))
	wf.AddEdge(graph.NewSequential("body", "check"))
	wf.EntryPoint = "check"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter(), graph.WithMaxIterations(100))
	result := eng.Run(context.Background(), "run-1", wf)

	if result.Err != nil {
		t.Fatalf("Run() error = %v", result.Err)
	}
	if bodyCalls != 3 {
		t.Fatalf("bodyCalls = %d, want exactly 3 (MaxIterations cap)", bodyCalls)
	}
	if exitCalls != 1 {
		t.Fatalf("exitCalls = %d, want exactly 1 (loop routed to Exit once the cap was hit)", exitCalls)
	}
	if checkCalls != 4 {
		t.Fatalf("checkCalls = %d, want exactly 4 (one decision per body iteration, plus the final one that exits)", checkCalls)
	}
}

func TestEngineRunUnionOfSiblingsSuccessors(t *testing.T) {
	wf := graph.NewWorkflow("fanin", "v1", graph.State{})
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{}, Next: graph.FanOut("b", "c")}
	}})
	var dCalls int
	_ = wf.AddNode(&graph.Node{Name: "b", Fn: func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{}, Next: graph.Stop()}
	}})
	_ = wf.AddNode(&graph.Node{Name: "c", Fn: func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{}, Next: graph.Goto("d")}
	}})
	_ = wf.AddNode(&graph.Node{Name: "d", Fn: func(_ context.Context, _ graph.State) graph.Result {
		dCalls++
		return graph.Result{Delta: graph.State{}, Next: graph.Stop()}
	}})
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())
	result := eng.Run(context.Background(), "run-1", wf)

	if result.Err != nil {
		t.Fatalf("Run() error = %v", result.Err)
	}
	if dCalls != 1 {
		t.Fatalf("d executed %d times, want exactly 1 (b's Stop must not cancel c's successor)", dCalls)
	}
}

func TestEngineRunCompensationRunsLIFOOnFailure(t *testing.T) {
	wf := graph.NewWorkflow("comp", "v1", graph.State{})
	var compensated []string
	var mu sync.Mutex
	compFor := func(name string) graph.Fn {
		return func(_ context.Context, _ graph.State) graph.Result {
			mu.Lock()
			compensated = append(compensated, name)
			mu.Unlock()
			return graph.Result{}
		}
	}
	_ = wf.AddNode(&graph.Node{Name: "a", Fn: fn(graph.State{"a": true}), Compensation: compFor("a")})
	_ = wf.AddNode(&graph.Node{Name: "b", Fn: fn(graph.State{"b": true}), Compensation: compFor("b")})
	_ = wf.AddNode(&graph.Node{Name: "c", Fn: func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Err: errors.New("boom")}
	}})
	wf.AddEdge(graph.NewSequential("a", "b"))
	wf.AddEdge(graph.NewSequential("b", "c"))
	wf.EntryPoint = "a"

	store := newFakeStore()
	eng, _ := graph.NewEngine(store, emit.NewNullEmitter())
	result := eng.Run(context.Background(), "run-1", wf)

	if result.Status != graph.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if len(compensated) != 2 || compensated[0] != "b" || compensated[1] != "a" {
		t.Fatalf("compensated = %v, want [b a] (LIFO order)", compensated)
	}
}
