package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/corerun/graph/emit"
)

// contextKey avoids collisions with context keys from other packages.
type contextKey string

const (
	RunIDKey  contextKey = "corerun.run_id"
	StepIDKey contextKey = "corerun.step_id"
	NodeIDKey contextKey = "corerun.node_id"
	AttemptKey contextKey = "corerun.attempt"
)

// RunStatus mirrors store.RunStatus to avoid an import cycle from graph to
// graph/store; the run manager translates between the two at its boundary.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// RunResult is the terminal outcome of Engine.Run.
type RunResult struct {
	RunID       string
	Status      RunStatus
	FinalState  State
	NodeResults map[string]NodeResult
	Err         error
}

// CheckpointStore is the minimal persistence surface Engine needs; it is
// satisfied by store.MemoryCheckpointStore, store.SQLiteStore, etc. Defined
// here (rather than imported from graph/store) to keep graph free of a
// dependency on its own store subpackage.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)

	// CheckIdempotency reports whether key has a live (unexpired) record,
	// without returning its contents.
	CheckIdempotency(ctx context.Context, key string) (bool, error)
	// StoreIdempotency records the outcome of a node dispatch under key.
	StoreIdempotency(ctx context.Context, key string, rec IdempotencyRecord) error
	// GetIdempotency returns key's cached record, if any and unexpired.
	GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// DeleteIdempotency removes key's cached record, if any.
	DeleteIdempotency(ctx context.Context, key string) error
}

// DLQSink receives node dispatches that exhausted retries.
type DLQSink interface {
	Enqueue(ctx context.Context, runID, workflowName, nodeName string, input State, err error, attempts int) error
}

// Engine executes Workflows against a CheckpointStore, emitting observability
// events as it goes. One Engine instance is shared across concurrent runs;
// all mutable per-run state lives in the Run call's local variables.
type Engine struct {
	store   CheckpointStore
	emitter emit.Emitter
	metrics *PrometheusMetrics
	dlq     DLQSink
	cfg     engineConfig

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker // nodeName -> breaker, shared across runs
}

// NewEngine builds an Engine. store and emitter must be non-nil; pass
// emit.NewNullEmitter() to disable event emission.
func NewEngine(store CheckpointStore, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("engine option: %w", err)
		}
	}
	return &Engine{
		store:    store,
		emitter:  emitter,
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// WithMetrics attaches a PrometheusMetrics collector to the engine.
func (e *Engine) WithMetrics(m *PrometheusMetrics) *Engine {
	e.metrics = m
	return e
}

// WithDLQ attaches a dead letter sink for nodes that exhaust retries.
func (e *Engine) WithDLQ(sink DLQSink) *Engine {
	e.dlq = sink
	return e
}

func (e *Engine) breakerFor(node *Node) *CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	b, ok := e.breakers[node.Name]
	if !ok {
		b = NewCircuitBreaker(node.Breaker)
		e.breakers[node.Name] = b
	}
	return b
}

// Run executes wf starting from its InitialState (or a resumed checkpoint's
// state, if runID already has one), emitting node:start/node:complete/
// node:error/workflow:complete events, checkpointing after every node, and
// driving compensation/DLQ on unrecoverable failure.
func (e *Engine) Run(ctx context.Context, runID string, wf *Workflow) RunResult {
	if err := wf.Validate(); err != nil {
		return RunResult{RunID: runID, Status: StatusFailed, Err: err}
	}

	if e.cfg.runWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.runWallClockBudget)
		defer cancel()
	}

	state := wf.InitialState.Clone()
	completed := map[string]bool{}
	results := map[string]NodeResult{}
	pending := []string{wf.EntryPoint}

	if cp, err := e.store.Load(ctx, runID); err == nil {
		state = cp.State.Clone()
		for _, n := range cp.CompletedNodes {
			completed[n] = true
		}
		for k, v := range cp.NodeResults {
			results[k] = v
		}
		pending = e.resumeFrontier(wf, completed)
	}

	var compensations []*Node // nodes completed successfully, in order, for LIFO compensation
	loopIterations := map[string]int{}
	loopBodies := loopBodySet(wf)

	iterations := 0
	for len(pending) > 0 {
		iterations++
		if iterations > e.cfg.maxIterations {
			return e.fail(ctx, runID, wf, state, results, ErrIterationLimit, compensations)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, runID, wf, state, results, fmt.Errorf("%w: %v", ErrCancelled, err), compensations)
		}

		nodeName := pending[0]
		pending = pending[1:]
		if completed[nodeName] {
			continue
		}
		node, ok := wf.Nodes[nodeName]
		if !ok {
			return e.fail(ctx, runID, wf, state, results, fmt.Errorf("%w: %q", ErrDanglingEdge, nodeName), compensations)
		}

		outcome, err := e.dispatch(ctx, runID, wf, node, state, iterations)
		if err != nil {
			e.enqueueDLQ(ctx, runID, wf.Name, nodeName, state, err, outcome.result.Attempt)
			return e.fail(ctx, runID, wf, state, results, err, compensations)
		}

		state = mergeFunc(node)(state, outcome.result.Output)
		// The From and Body nodes of a Loop edge are deliberately never
		// marked completed: the loop routes back through them every
		// iteration, and the completed set otherwise exists to stop a node
		// from ever being dispatched twice.
		if !loopBodies[nodeName] {
			completed[nodeName] = true
		}
		results[nodeName] = outcome.result
		compensations = append(compensations, node)

		if err := e.checkpoint(ctx, runID, wf, state, completed, results); err != nil {
			return e.fail(ctx, runID, wf, state, results, err, compensations)
		}

		// Union-of-siblings: accumulate rather than replace so a Terminal
		// decision on one branch never cancels successors another branch
		// contributed in the same step.
		nextNodes := successors(wf, nodeName, outcome.next, state, loopIterations)
		pending = appendUnique(pending, nextNodes)
	}

	e.emit(runID, 0, "", "workflow:complete", map[string]any{"status": "completed"})
	if e.metrics != nil {
		e.metrics.RecordRunFinished(wf.Name, "completed")
	}
	return RunResult{RunID: runID, Status: StatusCompleted, FinalState: state, NodeResults: results}
}

func mergeFunc(n *Node) MergeFunc {
	if n.MergeFunc != nil {
		return n.MergeFunc
	}
	return DefaultMerge
}

// loopBodySet collects every node name that participates in a Loop edge as
// either the deciding node (From) or the repeated body (Body), so Run knows
// which nodes must stay eligible for re-dispatch across iterations instead
// of being permanently marked completed after their first run.
func loopBodySet(wf *Workflow) map[string]bool {
	nodes := map[string]bool{}
	for _, e := range wf.Edges {
		if e.Kind == Loop {
			nodes[e.From] = true
			nodes[e.Body] = true
		}
	}
	return nodes
}

func appendUnique(pending []string, add []string) []string {
	seen := make(map[string]bool, len(pending))
	for _, p := range pending {
		seen[p] = true
	}
	for _, a := range add {
		if !seen[a] {
			pending = append(pending, a)
			seen[a] = true
		}
	}
	return pending
}

// dispatchOutcome bundles a completed dispatch's recorded result with the
// routing decision the node function returned.
type dispatchOutcome struct {
	result NodeResult
	next   Next
}

// dispatch runs one node through the full reliability envelope, in the
// fixed outer-to-inner order: cancellation check, circuit breaker gate,
// idempotency check, retry loop (which itself wraps per-attempt timeout).
func (e *Engine) dispatch(ctx context.Context, runID string, wf *Workflow, node *Node, state State, step int) (dispatchOutcome, error) {
	e.emit(runID, step, node.Name, "node:start", nil)

	if err := ctx.Err(); err != nil {
		return dispatchOutcome{result: NodeResult{NodeName: node.Name}}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	breaker := e.breakerFor(node)
	if !breaker.Allow() {
		e.emit(runID, step, node.Name, "node:error", map[string]any{"error": "upstream_open"})
		return dispatchOutcome{result: NodeResult{NodeName: node.Name}},
			NewEngineError(ErrorKindUpstreamOpen, node.Name, "circuit breaker open", ErrUpstreamOpen)
	}

	var idemKey string
	if !node.Idempotent {
		if node.IdempotencyKeyFunc != nil {
			idemKey = node.IdempotencyKeyFunc(state)
		} else {
			idemKey = computeIdempotencyKey(wf.Name, node.Name, state)
		}
		if rec, found, err := e.store.GetIdempotency(ctx, idemKey); err == nil && found {
			e.emit(runID, step, node.Name, "node:skipped_duplicate", nil)
			if rec.Status == IdempotencyFailed {
				return dispatchOutcome{result: rec.Result},
					NewEngineError(ErrorKindExecution, node.Name, "replayed cached failure", errors.New(rec.Err))
			}
			return dispatchOutcome{result: rec.Result, next: UseGraphEdges()}, nil
		}
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.defaultNodeTimeout
	}

	maxAttempts := 1
	if node.Retry != nil {
		maxAttempts = node.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptCtx = context.WithValue(attemptCtx, RunIDKey, runID)
		attemptCtx = context.WithValue(attemptCtx, NodeIDKey, node.Name)
		attemptCtx = context.WithValue(attemptCtx, AttemptKey, attempt)

		start := time.Now()
		res := node.Fn(attemptCtx, state)
		cancel()
		duration := time.Since(start)

		if res.Err == nil {
			breaker.RecordSuccess()
			if e.metrics != nil {
				e.metrics.RecordStepLatency(runID, node.Name, duration, "success")
				e.metrics.UpdateBreakerState(node.Name, breaker.State())
			}
			e.emit(runID, step, node.Name, "node:complete", map[string]any{"duration_ms": duration.Milliseconds(), "attempt": attempt})
			result := NodeResult{NodeName: node.Name, Output: res.Delta, Duration: duration, Attempt: attempt}
			if idemKey != "" {
				e.storeIdempotency(ctx, idemKey, IdempotencyCompleted, result, "")
			}
			return dispatchOutcome{result: result, next: res.Next}, nil
		}

		lastErr = res.Err
		breaker.RecordFailure()
		if e.metrics != nil {
			e.metrics.RecordStepLatency(runID, node.Name, duration, "error")
			e.metrics.UpdateBreakerState(node.Name, breaker.State())
		}

		retryable := node.Retry != nil && node.Retry.shouldRetry(res.Err) && attempt < maxAttempts
		if !retryable {
			break
		}
		if e.metrics != nil {
			e.metrics.IncrementRetries(runID, node.Name, "error")
		}
		e.emit(runID, step, node.Name, "node:retry", map[string]any{"attempt": attempt, "error": res.Err.Error()})
		delay := computeBackoff(node.Retry, attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return dispatchOutcome{result: NodeResult{NodeName: node.Name, Attempt: attempt}}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	e.emit(runID, step, node.Name, "node:error", map[string]any{"error": lastErr.Error()})
	failResult := NodeResult{NodeName: node.Name, Attempt: maxAttempts, Err: lastErr.Error()}
	if idemKey != "" {
		e.storeIdempotency(ctx, idemKey, IdempotencyFailed, failResult, lastErr.Error())
	}
	return dispatchOutcome{result: failResult},
		NewEngineError(ErrorKindExecution, node.Name, "node failed after retries", lastErr)
}

// storeIdempotency persists a dispatch outcome under key, best-effort: a
// store error here only means the next duplicate call re-executes the node
// rather than replaying, which is safe.
func (e *Engine) storeIdempotency(ctx context.Context, key string, status IdempotencyStatus, result NodeResult, errMsg string) {
	now := time.Now()
	rec := IdempotencyRecord{Status: status, Result: result, Err: errMsg, CreatedAt: now}
	if e.cfg.idempotencyTTL > 0 {
		rec.ExpiresAt = now.Add(e.cfg.idempotencyTTL)
	}
	_ = e.store.StoreIdempotency(context.WithoutCancel(ctx), key, rec)
}

// fail runs compensation for every successfully completed node (LIFO) and
// builds the terminal failure RunResult.
func (e *Engine) fail(ctx context.Context, runID string, wf *Workflow, state State, results map[string]NodeResult, cause error, completed []*Node) RunResult {
	runCompensation(context.WithoutCancel(ctx), completed, state, e.emitFunc(runID))
	status := StatusFailed
	if errors.Is(cause, ErrCancelled) {
		status = StatusCancelled
	}
	e.emit(runID, 0, "", "workflow:complete", map[string]any{"status": string(status), "error": cause.Error()})
	if e.metrics != nil {
		e.metrics.RecordRunFinished(wf.Name, string(status))
	}
	return RunResult{RunID: runID, Status: status, FinalState: state, NodeResults: results, Err: cause}
}

func (e *Engine) checkpoint(ctx context.Context, runID string, wf *Workflow, state State, completed map[string]bool, results map[string]NodeResult) error {
	names := make([]string, 0, len(completed))
	for n := range completed {
		names = append(names, n)
	}
	cp := Checkpoint{
		ID:             uuid.NewString(),
		RunID:          runID,
		WorkflowName:   wf.Name,
		State:          state,
		CompletedNodes: names,
		NodeResults:    results,
		Timestamp:      time.Now(),
	}
	return e.store.Save(ctx, cp)
}

func (e *Engine) resumeFrontier(wf *Workflow, completed map[string]bool) []string {
	if !completed[wf.EntryPoint] {
		return []string{wf.EntryPoint}
	}
	var pending []string
	for _, edge := range wf.Edges {
		if !completed[edge.From] {
			continue
		}
		for _, n := range edgeTargets(edge) {
			if !completed[n] {
				pending = appendUnique(pending, []string{n})
			}
		}
	}
	return pending
}

func edgeTargets(e Edge) []string {
	switch e.Kind {
	case Sequential:
		return []string{e.To}
	case Conditional:
		var out []string
		for _, b := range e.Branches {
			out = append(out, b.Target)
		}
		if e.Default != "" {
			out = append(out, e.Default)
		}
		return out
	case Parallel:
		return e.Targets
	case Loop:
		return []string{e.Body, e.Exit}
	default:
		return nil
	}
}

func (e *Engine) enqueueDLQ(ctx context.Context, runID, workflowName, nodeName string, state State, err error, attempts int) {
	if e.dlq == nil {
		return
	}
	_ = e.dlq.Enqueue(context.WithoutCancel(ctx), runID, workflowName, nodeName, state, err, attempts)
	if e.metrics != nil {
		e.metrics.IncrementDLQEnqueued(workflowName, nodeName)
	}
}

func (e *Engine) emit(runID string, step int, nodeID, msg string, meta map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: msg, Meta: meta})
}

func (e *Engine) emitFunc(runID string) func(nodeID, msg string) {
	return func(nodeID, msg string) { e.emit(runID, 0, nodeID, msg, nil) }
}
