package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/corerun/graph"
)

// MemoryStore bundles independent in-memory implementations of every store
// interface, for tests and single-process deployments. Nothing here
// survives a process restart. Each field satisfies one store interface;
// they are kept as distinct concrete types (rather than one type
// implementing all five interfaces) since several interfaces share method
// names (Get, Create, List) that a single receiver could not overload.
type MemoryStore struct {
	Checkpoints *MemoryCheckpointStore
	Runs        *MemoryRunStore
	DLQ         *MemoryDLQStore
	Approvals   *MemoryApprovalStore
	Timers      *MemoryTimerStore
}

// NewMemoryStore builds a MemoryStore with all five sub-stores initialized.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Checkpoints: NewMemoryCheckpointStore(),
		Runs:        NewMemoryRunStore(),
		DLQ:         NewMemoryDLQStore(),
		Approvals:   NewMemoryApprovalStore(),
		Timers:      NewMemoryTimerStore(),
	}
}

// MemoryCheckpointStore implements CheckpointStore in memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]graph.Checkpoint
	idempotency map[string]graph.IdempotencyRecord
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]graph.Checkpoint),
		idempotency: make(map[string]graph.IdempotencyRecord),
	}
}

func (m *MemoryCheckpointStore) Save(_ context.Context, cp graph.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = cp
	return nil
}

func (m *MemoryCheckpointStore) Load(_ context.Context, runID string) (graph.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[runID]
	if !ok {
		return graph.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryCheckpointStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	_, found, err := m.GetIdempotency(ctx, key)
	return found, err
}

func (m *MemoryCheckpointStore) StoreIdempotency(_ context.Context, key string, rec graph.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idempotency[key] = rec
	return nil
}

func (m *MemoryCheckpointStore) GetIdempotency(_ context.Context, key string) (graph.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return graph.IdempotencyRecord{}, false, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		delete(m.idempotency, key)
		return graph.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryCheckpointStore) DeleteIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

// MemoryRunStore implements RunStore in memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]RunRecord)}
}

func (m *MemoryRunStore) Create(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = r
	return nil
}

func (m *MemoryRunStore) Update(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; !ok {
		return ErrNotFound
	}
	m.runs[r.RunID] = r
	return nil
}

func (m *MemoryRunStore) Get(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRunStore) List(_ context.Context, status RunStatus) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RunRecord
	for _, r := range m.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryDLQStore implements DLQStore in memory.
type MemoryDLQStore struct {
	mu    sync.RWMutex
	byID  map[string]DLQEntry
	order []string
}

func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{byID: make(map[string]DLQEntry)}
}

func (m *MemoryDLQStore) Enqueue(_ context.Context, e DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = e
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryDLQStore) List(_ context.Context, limit int) ([]DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DLQEntry
	for _, id := range m.order {
		if e, ok := m.byID[id]; ok {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryDLQStore) Get(_ context.Context, id string) (DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return DLQEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryDLQStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryDLQStore) Depth(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

// MemoryApprovalStore implements ApprovalStore in memory.
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]ApprovalRecord
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]ApprovalRecord)}
}

func (m *MemoryApprovalStore) Create(_ context.Context, a ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *MemoryApprovalStore) Resolve(_ context.Context, id string, status ApprovalStatus, response graph.State, respondent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.Response = response
	a.Respondent = respondent
	a.ResolvedAt = time.Now()
	m.approvals[id] = a
	return nil
}

func (m *MemoryApprovalStore) Get(_ context.Context, id string) (ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return ApprovalRecord{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryApprovalStore) ListPending(_ context.Context) ([]ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ApprovalRecord
	for _, a := range m.approvals {
		if a.Status == ApprovalPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryApprovalStore) PendingForAssignee(_ context.Context, assignee string) ([]ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ApprovalRecord
	for _, a := range m.approvals {
		if a.Status == ApprovalPending && (a.Assignee == assignee || a.AssigneeGroup == assignee) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryApprovalStore) Delegate(_ context.Context, id, assignee, respondent string) (ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.approvals[id]
	if !ok {
		return ApprovalRecord{}, ErrNotFound
	}
	orig.DelegatedTo = assignee
	m.approvals[id] = orig

	derived := orig
	derived.ID = uuid.NewString()
	derived.ParentID = id
	derived.Assignee = assignee
	derived.AssigneeGroup = ""
	derived.Status = ApprovalPending
	derived.Response = nil
	derived.Respondent = ""
	derived.DelegatedTo = ""
	derived.CreatedAt = time.Now()
	derived.ResolvedAt = time.Time{}
	m.approvals[derived.ID] = derived
	return derived, nil
}

func (m *MemoryApprovalStore) Escalate(_ context.Context, id, escalateTo string) (ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.approvals[id]
	if !ok {
		return ApprovalRecord{}, ErrNotFound
	}
	orig.Status = ApprovalEscalated
	orig.ResolvedAt = time.Now()
	m.approvals[id] = orig

	derived := orig
	derived.ID = uuid.NewString()
	derived.ParentID = id
	derived.Assignee = escalateTo
	derived.AssigneeGroup = ""
	derived.Status = ApprovalPending
	derived.Response = nil
	derived.Respondent = ""
	derived.DelegatedTo = ""
	derived.CreatedAt = time.Now()
	derived.ResolvedAt = time.Time{}
	derived.Deadline = time.Time{}
	m.approvals[derived.ID] = derived
	return derived, nil
}

// MemoryTimerStore implements TimerStore in memory.
type MemoryTimerStore struct {
	mu     sync.RWMutex
	timers map[string]TimerEntry
}

func NewMemoryTimerStore() *MemoryTimerStore {
	return &MemoryTimerStore{timers: make(map[string]TimerEntry)}
}

func (m *MemoryTimerStore) Create(_ context.Context, t TimerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.ID] = t
	return nil
}

func (m *MemoryTimerStore) Due(_ context.Context, asOf time.Time) ([]TimerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TimerEntry
	for _, t := range m.timers {
		if !t.Fired && !t.FireAt.After(asOf) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (m *MemoryTimerStore) MarkFired(_ context.Context, id string, nextFireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return ErrNotFound
	}
	if nextFireAt.IsZero() {
		t.Fired = true
	} else {
		t.FireAt = nextFireAt
	}
	m.timers[id] = t
	return nil
}

func (m *MemoryTimerStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[id]; !ok {
		return ErrNotFound
	}
	delete(m.timers, id)
	return nil
}

func (m *MemoryTimerStore) Pending(_ context.Context) ([]TimerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TimerEntry
	for _, t := range m.timers {
		if !t.Fired {
			out = append(out, t)
		}
	}
	return out, nil
}
