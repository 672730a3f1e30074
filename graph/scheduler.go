package graph

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// WorkItem is a schedulable unit of work in the execution frontier: a node
// dispatch along with the state snapshot it runs against and the provenance
// needed to order it deterministically relative to its siblings.
type WorkItem struct {
	StepID       int
	OrderKey     uint64
	NodeID       string
	State        State
	Attempt      int
	ParentNodeID string
	EdgeIndex    int
}

// ComputeOrderKey derives a deterministic sort key from the parent node ID
// and edge index, so that concurrently-dispatched siblings are always
// processed in the same order regardless of goroutine scheduling.
func ComputeOrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// workHeap orders WorkItems by OrderKey (min-heap): smaller key, higher priority.
type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is the bounded, deterministically-ordered work queue driving a
// run's concurrent dispatch. It combines a priority heap (ordering) with a
// buffered channel (bounded capacity, backpressure).
type Frontier struct {
	heap     workHeap
	queue    chan WorkItem
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier builds an empty Frontier with the given queue capacity.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{heap: make(workHeap, 0), queue: make(chan WorkItem, capacity), capacity: capacity}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds item to the frontier, blocking if the queue is at capacity
// (backpressure) until space frees up or ctx is cancelled.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		oldPeak := f.peakQueueDepth.Load()
		if depth <= oldPeak || f.peakQueueDepth.CompareAndSwap(oldPeak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue removes and returns the work item with the smallest OrderKey,
// blocking until one is available or ctx is cancelled.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len returns the current number of queued work items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of a Frontier's activity.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:      f.peakQueueDepth.Load(),
	}
}

// successors computes the set of node names eligible to run after node
// completes, given its routing decision and the workflow's declared edges.
// An explicit Next (To/Many/Terminal) from the node function takes
// precedence; UseEdges, or a Next with none of To/Many/Terminal set (the
// zero value), falls back to evaluating the
// workflow's Edge list for node's From-matching entries, in edge-declaration
// order with first-match-wins for Conditional edges.
//
// loopIter tracks, per loop-edge From node, how many times Body has been
// produced so far; once it reaches the edge's MaxIterations the loop routes
// to Exit regardless of Until, same as Until firing.
func successors(wf *Workflow, node string, next Next, state State, loopIter map[string]int) []string {
	if !next.UseEdges {
		if next.Terminal {
			return nil
		}
		if next.To != "" {
			return []string{next.To}
		}
		if len(next.Many) > 0 {
			return next.Many
		}
	}

	var out []string
	for _, e := range wf.Edges {
		if e.From != node {
			continue
		}
		switch e.Kind {
		case Sequential:
			out = append(out, e.To)
		case Conditional:
			matched := false
			for _, b := range e.Branches {
				if b.When != nil && b.When(state) {
					out = append(out, b.Target)
					matched = true
					break
				}
			}
			if !matched && e.Default != "" {
				out = append(out, e.Default)
			}
		case Parallel:
			out = append(out, e.Targets...)
		case Loop:
			until := e.Until != nil && e.Until(state)
			capped := e.MaxIterations > 0 && loopIter[node] >= e.MaxIterations
			if until || capped {
				if e.Exit != "" {
					out = append(out, e.Exit)
				}
			} else {
				if loopIter != nil {
					loopIter[node]++
				}
				out = append(out, e.Body)
			}
		}
	}
	return out
}
