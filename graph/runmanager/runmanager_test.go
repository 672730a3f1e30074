package runmanager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/emit"
	"github.com/flowforge/corerun/graph/runmanager"
	"github.com/flowforge/corerun/graph/store"
)

func newTestEngine(t *testing.T) *graph.Engine {
	t.Helper()
	eng, err := graph.NewEngine(store.NewMemoryCheckpointStore(), emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func oneNodeWorkflow(name string, fn graph.Fn) *graph.Workflow {
	wf := graph.NewWorkflow(name, "v1", graph.State{})
	_ = wf.AddNode(&graph.Node{Name: "only", Fn: fn})
	wf.EntryPoint = "only"
	return wf
}

func waitForStatus(t *testing.T, m *runmanager.Manager, runID string, want store.RunStatus, timeout time.Duration) store.RunRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := m.Status(context.Background(), runID)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s within %s", runID, want, timeout)
	return store.RunRecord{}
}

func TestSubmitRecordsPendingRun(t *testing.T) {
	eng := newTestEngine(t)
	runStore := store.NewMemoryRunStore()
	m := runmanager.NewManager(eng, runStore, 2, nil)

	wf := oneNodeWorkflow("wf", func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{}, Next: graph.Stop()}
	})

	runID, err := m.Submit(context.Background(), wf, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, err := m.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if rec.Status != store.RunStatusPending {
		t.Fatalf("status = %v, want pending", rec.Status)
	}
}

func TestDrainExecutesSubmittedRunToCompletion(t *testing.T) {
	eng := newTestEngine(t)
	runStore := store.NewMemoryRunStore()
	m := runmanager.NewManager(eng, runStore, 2, nil)

	wf := oneNodeWorkflow("wf", func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Delta: graph.State{"done": true}, Next: graph.Stop()}
	})

	runID, err := m.Submit(context.Background(), wf, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Drain(ctx)

	rec := waitForStatus(t, m, runID, store.RunStatusCompleted, time.Second)
	if rec.Error != "" {
		t.Fatalf("completed run has unexpected error: %q", rec.Error)
	}
}

func TestDrainRecordsFailedRunStatus(t *testing.T) {
	eng := newTestEngine(t)
	runStore := store.NewMemoryRunStore()
	m := runmanager.NewManager(eng, runStore, 2, nil)

	wf := oneNodeWorkflow("wf", func(_ context.Context, _ graph.State) graph.Result {
		return graph.Result{Err: context.DeadlineExceeded}
	})

	runID, err := m.Submit(context.Background(), wf, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Drain(ctx)

	rec := waitForStatus(t, m, runID, store.RunStatusFailed, time.Second)
	if rec.Error == "" {
		t.Fatal("failed run should record a non-empty error")
	}
}

func TestDrainDoesNotPreemptInFlightRunForHigherPriority(t *testing.T) {
	eng := newTestEngine(t)
	runStore := store.NewMemoryRunStore()
	// A single concurrent slot: the high-priority run is submitted while
	// the low-priority run already holds it.
	m := runmanager.NewManager(eng, runStore, 1, nil)

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	makeFn := func(name string, wait bool) graph.Fn {
		return func(_ context.Context, _ graph.State) graph.Result {
			if wait {
				<-block
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return graph.Result{Delta: graph.State{}, Next: graph.Stop()}
		}
	}

	// Submit and start draining a low-priority run first so it occupies the
	// only in-flight slot; only once it's confirmed running do we submit a
	// higher-priority run, so the queue never gets to choose between them.
	lowID, err := m.Submit(context.Background(), oneNodeWorkflow("low", makeFn("low", true)), 0)
	if err != nil {
		t.Fatalf("Submit(low) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Drain(ctx)

	waitForStatus(t, m, lowID, store.RunStatusRunning, time.Second)

	highID, err := m.Submit(context.Background(), oneNodeWorkflow("high", makeFn("high", false)), 10)
	if err != nil {
		t.Fatalf("Submit(high) error = %v", err)
	}
	close(block)

	waitForStatus(t, m, highID, store.RunStatusCompleted, time.Second)
	waitForStatus(t, m, lowID, store.RunStatusCompleted, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "low" || order[1] != "high" {
		t.Fatalf("execution order = %v, want [low high] (low already in flight when high was submitted)", order)
	}
}

func TestNewManagerAppliesDefaultConcurrency(t *testing.T) {
	eng := newTestEngine(t)
	runStore := store.NewMemoryRunStore()
	m := runmanager.NewManager(eng, runStore, 0, nil)
	if m == nil {
		t.Fatal("NewManager() = nil")
	}
}
