// Package runmanager admits, prioritizes, and tracks workflow runs: a
// bounded priority queue feeding the engine and a RunStore recording
// lifecycle transitions.
package runmanager

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/store"
)

// Submission is a run awaiting admission.
type Submission struct {
	RunID        string
	WorkflowName string
	Workflow     *graph.Workflow
	Priority     int // higher runs first
	index        int // heap bookkeeping
}

// priorityQueue orders Submissions by Priority (max-heap), then FIFO among
// equal priorities via insertion order captured in index.
type priorityQueue []*Submission

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].index < q[j].index
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) {
	*q = append(*q, x.(*Submission))
}
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}

// Manager admits runs into a bounded priority queue, drains them to the
// engine with a capped number of concurrent runs, and reconciles run
// status in the RunStore.
type Manager struct {
	engine   *graph.Engine
	runStore store.RunStore
	log      *slog.Logger

	mu       sync.Mutex
	queue    priorityQueue
	seq      int
	notEmpty chan struct{}

	maxConcurrentRuns int
	inFlight          chan struct{}
}

// NewManager builds a run manager driving engine with up to
// maxConcurrentRuns simultaneous Run calls.
func NewManager(engine *graph.Engine, runStore store.RunStore, maxConcurrentRuns int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrentRuns <= 0 {
		maxConcurrentRuns = 4
	}
	m := &Manager{
		engine:            engine,
		runStore:          runStore,
		log:               log,
		notEmpty:          make(chan struct{}, 1),
		maxConcurrentRuns: maxConcurrentRuns,
		inFlight:          make(chan struct{}, maxConcurrentRuns),
	}
	heap.Init(&m.queue)
	return m
}

// Submit enqueues a run at the given priority and records it as pending.
func (m *Manager) Submit(ctx context.Context, wf *graph.Workflow, priority int) (string, error) {
	runID := uuid.NewString()
	now := time.Now()
	if err := m.runStore.Create(ctx, store.RunRecord{
		RunID: runID, WorkflowName: wf.Name, Status: store.RunStatusPending,
		Priority: priority, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}

	m.mu.Lock()
	m.seq++
	heap.Push(&m.queue, &Submission{RunID: runID, WorkflowName: wf.Name, Workflow: wf, Priority: priority, index: m.seq})
	m.mu.Unlock()

	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
	return runID, nil
}

// Drain runs until ctx is cancelled, pulling the highest-priority pending
// submission whenever an inFlight slot is free.
func (m *Manager) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m.inFlight <- struct{}{}:
		}

		sub, ok := m.pop()
		if !ok {
			<-m.inFlight
			select {
			case <-ctx.Done():
				return
			case <-m.notEmpty:
				continue
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		go func(s *Submission) {
			defer func() { <-m.inFlight }()
			m.execute(ctx, s)
		}(sub)
	}
}

func (m *Manager) pop() (*Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&m.queue).(*Submission), true
}

func (m *Manager) execute(ctx context.Context, sub *Submission) {
	now := time.Now()
	_ = m.runStore.Update(ctx, store.RunRecord{
		RunID: sub.RunID, WorkflowName: sub.WorkflowName, Status: store.RunStatusRunning,
		Priority: sub.Priority, StartedAt: now, UpdatedAt: now,
	})

	result := m.engine.Run(ctx, sub.RunID, sub.Workflow)

	status := store.RunStatusCompleted
	errMsg := ""
	switch result.Status {
	case graph.StatusFailed:
		status = store.RunStatusFailed
	case graph.StatusCancelled:
		status = store.RunStatusCancelled
	}
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	if err := m.runStore.Update(ctx, store.RunRecord{
		RunID: sub.RunID, WorkflowName: sub.WorkflowName, Status: status,
		Priority: sub.Priority, FinishedAt: time.Now(), UpdatedAt: time.Now(), Error: errMsg,
	}); err != nil {
		m.log.Error("update run record failed", "run_id", sub.RunID, "error", err)
	}
}

// Status returns the current lifecycle record for a run.
func (m *Manager) Status(ctx context.Context, runID string) (store.RunRecord, error) {
	return m.runStore.Get(ctx, runID)
}
