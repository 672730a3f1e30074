// Package approval implements the human-in-the-loop node kind:
// requests pause a run, persist to a store.ApprovalStore, notify a human
// (console, webhook, or a Chain of several), and either resume the run on
// response or apply a configured timeout action once the deadline passes.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/store"
)

// Notifier delivers the lifecycle events of an approval request to a human
// reviewer. Implementations only need to handle the events they care about;
// the others can be no-ops.
type Notifier interface {
	// NotifyRequest is called once when a request is first created.
	NotifyRequest(ctx context.Context, req store.ApprovalRecord) error
	// NotifyEscalation is called when a request's deadline passes with
	// TimeoutEscalate and a derived request is raised to EscalateTo.
	NotifyEscalation(ctx context.Context, req, escalated store.ApprovalRecord) error
	// NotifyTimeout is called when a request's deadline passes and is
	// resolved without escalation (approve, reject, or fail).
	NotifyTimeout(ctx context.Context, req store.ApprovalRecord) error
	// NotifyDelegation is called when a response delegates the decision to
	// another reviewer.
	NotifyDelegation(ctx context.Context, req, delegated store.ApprovalRecord) error
}

// RequestOptions configures a single approval request beyond its payload.
type RequestOptions struct {
	// Type is an opaque, node-declared request category forwarded to the
	// notifier (e.g. "expense", "deploy").
	Type string
	// Assignee addresses the request to a single reviewer.
	Assignee string
	// AssigneeGroup addresses the request to any member of a named group.
	AssigneeGroup string
	// Priority orders PendingForAssignee results, higher first; ListPending
	// does not order by it.
	Priority int

	// Deadline bounds how long Request waits before applying TimeoutAction.
	// Zero means wait forever.
	Deadline time.Duration
	// PollInterval controls how often Request re-reads the record while
	// waiting. Defaults to 2s.
	PollInterval time.Duration

	// TimeoutAction chooses what happens when Deadline passes unresolved.
	// Defaults to store.TimeoutFail.
	TimeoutAction store.TimeoutAction
	// EscalateTo is required when TimeoutAction is store.TimeoutEscalate.
	EscalateTo string
}

// Manager coordinates approval requests: creating them, notifying, and
// waiting for (or timing out on) a resolution.
type Manager struct {
	store    store.ApprovalStore
	notifier Notifier
}

// NewManager builds a Manager backed by s, notifying reviewers via n.
func NewManager(s store.ApprovalStore, n Notifier) *Manager {
	return &Manager{store: s, notifier: n}
}

// Request creates and persists a new approval request, notifies the
// reviewer, then blocks until it is resolved, its deadline passes and the
// configured TimeoutAction resolves it, or ctx is cancelled. If a response
// delegates to another reviewer, Request keeps waiting on the original
// record (which the store leaves ApprovalPending) until a terminal
// response eventually arrives, following it through any number of hops.
func (m *Manager) Request(ctx context.Context, runID, nodeName string, payload graph.State, opts RequestOptions) (graph.State, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	timeoutAction := opts.TimeoutAction
	if timeoutAction == "" {
		timeoutAction = store.TimeoutFail
	}

	rec := store.ApprovalRecord{
		ID: uuid.NewString(), RunID: runID, NodeName: nodeName,
		Status: store.ApprovalPending, Payload: payload, CreatedAt: time.Now(),
		Type: opts.Type, Assignee: opts.Assignee, AssigneeGroup: opts.AssigneeGroup,
		Priority: opts.Priority, TimeoutAction: timeoutAction, EscalateTo: opts.EscalateTo,
	}
	if opts.Deadline > 0 {
		rec.Deadline = rec.CreatedAt.Add(opts.Deadline)
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	if m.notifier != nil {
		if err := m.notifier.NotifyRequest(ctx, rec); err != nil {
			return nil, fmt.Errorf("notify approval: %w", err)
		}
	}

	return m.await(ctx, nodeName, rec.ID, pollInterval)
}

// await polls id until it reaches a terminal outcome, following delegation
// hops by switching to whatever derived request the store hands back.
func (m *Manager) await(ctx context.Context, nodeName, id string, pollInterval time.Duration) (graph.State, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			cur, err := m.store.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("poll approval: %w", err)
			}
			switch cur.Status {
			case store.ApprovalApproved:
				return cur.Response, nil
			case store.ApprovalRejected:
				return nil, graph.NewEngineError(graph.ErrorKindValidation, nodeName, "approval rejected", nil)
			case store.ApprovalTimedOut:
				return nil, graph.ErrApprovalTimeout
			case store.ApprovalEscalated:
				// The escalation handler below already created the derived
				// request; this status only appears transiently before our
				// own handleTimeout swaps to it, but guard against a race
				// with an externally-driven escalation too.
				continue
			case store.ApprovalPending:
				if cur.DelegatedTo != "" {
					id, err = m.followDelegation(ctx, cur)
					if err != nil {
						return nil, err
					}
					continue
				}
				if !cur.Deadline.IsZero() && time.Now().After(cur.Deadline) {
					next, result, err, done := m.handleTimeout(ctx, nodeName, cur)
					if done {
						return result, err
					}
					id = next
				}
			}
		}
	}
}

// followDelegation finds (or, if the delegation just happened elsewhere and
// the store doesn't expose lookup-by-parent, re-derives) the request id
// has been delegated to, so await can continue polling the live record.
func (m *Manager) followDelegation(ctx context.Context, cur store.ApprovalRecord) (string, error) {
	pending, err := m.store.PendingForAssignee(ctx, cur.DelegatedTo)
	if err != nil {
		return "", fmt.Errorf("find delegated approval: %w", err)
	}
	for _, p := range pending {
		if p.ParentID == cur.ID {
			return p.ID, nil
		}
	}
	// The derived record was already resolved and is no longer pending;
	// keep polling the original, whose DelegatedTo we already followed
	// once, won't change again.
	return cur.ID, nil
}

// handleTimeout applies cur's TimeoutAction once its deadline has passed.
// done reports whether await should return immediately (approve/reject/fail)
// or keep polling a new record id (escalate).
func (m *Manager) handleTimeout(ctx context.Context, nodeName string, cur store.ApprovalRecord) (nextID string, result graph.State, err error, done bool) {
	switch cur.TimeoutAction {
	case store.TimeoutApprove:
		if rerr := m.store.Resolve(ctx, cur.ID, store.ApprovalApproved, nil, "system:timeout"); rerr != nil {
			return "", nil, fmt.Errorf("resolve timeout approval: %w", rerr), true
		}
		m.notifyTimeout(ctx, cur)
		return "", nil, nil, true
	case store.TimeoutReject:
		if rerr := m.store.Resolve(ctx, cur.ID, store.ApprovalRejected, nil, "system:timeout"); rerr != nil {
			return "", nil, fmt.Errorf("resolve timeout rejection: %w", rerr), true
		}
		m.notifyTimeout(ctx, cur)
		return "", nil, graph.NewEngineError(graph.ErrorKindValidation, nodeName, "approval rejected on timeout", nil), true
	case store.TimeoutEscalate:
		escalated, eerr := m.store.Escalate(ctx, cur.ID, cur.EscalateTo)
		if eerr != nil {
			return "", nil, fmt.Errorf("escalate approval: %w", eerr), true
		}
		if m.notifier != nil {
			if nerr := m.notifier.NotifyEscalation(ctx, cur, escalated); nerr != nil {
				return "", nil, fmt.Errorf("notify escalation: %w", nerr), true
			}
		}
		return escalated.ID, nil, nil, false
	default: // store.TimeoutFail, or unset
		if rerr := m.store.Resolve(ctx, cur.ID, store.ApprovalTimedOut, nil, ""); rerr != nil {
			return "", nil, fmt.Errorf("resolve approval timeout: %w", rerr), true
		}
		m.notifyTimeout(ctx, cur)
		return "", nil, graph.ErrApprovalTimeout, true
	}
}

func (m *Manager) notifyTimeout(ctx context.Context, rec store.ApprovalRecord) {
	if m.notifier == nil {
		return
	}
	_ = m.notifier.NotifyTimeout(ctx, rec)
}

// Resolve records a human response to a pending approval, to be called
// from whatever surface (CLI, HTTP handler, chat command) the reviewer used.
func (m *Manager) Resolve(ctx context.Context, approvalID string, approved bool, response graph.State, respondent string) error {
	status := store.ApprovalApproved
	if !approved {
		status = store.ApprovalRejected
	}
	return m.store.Resolve(ctx, approvalID, status, response, respondent)
}

// Delegate hands a pending approval to another reviewer: the original
// record is left ApprovalPending with DelegatedTo set, and a new request
// addressed to assignee is created and notified. Request's poll loop
// follows the delegation automatically.
func (m *Manager) Delegate(ctx context.Context, approvalID, assignee, respondent string) (store.ApprovalRecord, error) {
	orig, err := m.store.Get(ctx, approvalID)
	if err != nil {
		return store.ApprovalRecord{}, fmt.Errorf("get approval: %w", err)
	}
	derived, err := m.store.Delegate(ctx, approvalID, assignee, respondent)
	if err != nil {
		return store.ApprovalRecord{}, fmt.Errorf("delegate approval: %w", err)
	}
	if m.notifier != nil {
		if err := m.notifier.NotifyDelegation(ctx, orig, derived); err != nil {
			return store.ApprovalRecord{}, fmt.Errorf("notify delegation: %w", err)
		}
	}
	return derived, nil
}

// ConsoleNotifier writes approval lifecycle events to stdout (or any
// io.Writer) — useful for local development and tests.
type ConsoleNotifier struct {
	Writer io.Writer
}

func (c *ConsoleNotifier) NotifyRequest(_ context.Context, req store.ApprovalRecord) error {
	_, err := fmt.Fprintf(c.Writer, "approval requested: run=%s node=%s id=%s\n", req.RunID, req.NodeName, req.ID)
	return err
}

func (c *ConsoleNotifier) NotifyEscalation(_ context.Context, req, escalated store.ApprovalRecord) error {
	_, err := fmt.Fprintf(c.Writer, "approval escalated: id=%s -> %s (assignee=%s)\n", req.ID, escalated.ID, escalated.Assignee)
	return err
}

func (c *ConsoleNotifier) NotifyTimeout(_ context.Context, req store.ApprovalRecord) error {
	_, err := fmt.Fprintf(c.Writer, "approval timed out: id=%s action=%s\n", req.ID, req.TimeoutAction)
	return err
}

func (c *ConsoleNotifier) NotifyDelegation(_ context.Context, req, delegated store.ApprovalRecord) error {
	_, err := fmt.Fprintf(c.Writer, "approval delegated: id=%s -> %s (assignee=%s)\n", req.ID, delegated.ID, delegated.Assignee)
	return err
}

// WebhookNotifier POSTs approval lifecycle events as JSON to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a WebhookNotifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) NotifyRequest(ctx context.Context, req store.ApprovalRecord) error {
	return w.post(ctx, map[string]any{"event": "request", "approval": req})
}

func (w *WebhookNotifier) NotifyEscalation(ctx context.Context, req, escalated store.ApprovalRecord) error {
	return w.post(ctx, map[string]any{"event": "escalation", "approval": req, "escalated": escalated})
}

func (w *WebhookNotifier) NotifyTimeout(ctx context.Context, req store.ApprovalRecord) error {
	return w.post(ctx, map[string]any{"event": "timeout", "approval": req})
}

func (w *WebhookNotifier) NotifyDelegation(ctx context.Context, req, delegated store.ApprovalRecord) error {
	return w.post(ctx, map[string]any{"event": "delegation", "approval": req, "delegated": delegated})
}

func (w *WebhookNotifier) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ChainStep is one reviewer in a ChainNotifier's sequence, with its own
// deadline independent of the overall request's. A step has no timeout
// policy of its own; ChainNotifier decides what a passed deadline means.
type ChainStep struct {
	Notifier Notifier
	Assignee string
	Deadline time.Duration
}

// ChainNotifier runs a sequence of reviewers one at a time: each step is
// notified only after the previous one resolves, any reject terminates the
// chain immediately with a reject outcome, and every step must approve for
// the chain as a whole to approve (unanimity). ChainNotifier owns the
// derived per-step approval records itself, created against the same store
// the parent Manager uses, polling each in turn before advancing.
type ChainNotifier struct {
	Steps []ChainStep
	Store store.ApprovalStore

	// PollInterval controls how often each step is polled for its own
	// resolution. Defaults to 2s.
	PollInterval time.Duration
}

// NotifyRequest runs the chain to completion against req, resolving req
// itself as approved (every step approved) or rejected (any step rejected)
// once the chain finishes. It blocks until the chain resolves or ctx is done.
func (c *ChainNotifier) NotifyRequest(ctx context.Context, req store.ApprovalRecord) error {
	poll := c.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	for _, step := range c.Steps {
		stepRec := store.ApprovalRecord{
			ID: uuid.NewString(), RunID: req.RunID, NodeName: req.NodeName,
			Status: store.ApprovalPending, Payload: req.Payload, CreatedAt: time.Now(),
			Type: req.Type, Assignee: step.Assignee, Priority: req.Priority,
			ParentID: req.ID,
		}
		if step.Deadline > 0 {
			stepRec.Deadline = stepRec.CreatedAt.Add(step.Deadline)
		}
		if err := c.Store.Create(ctx, stepRec); err != nil {
			return fmt.Errorf("create chain step for %s: %w", step.Assignee, err)
		}
		if step.Notifier != nil {
			if err := step.Notifier.NotifyRequest(ctx, stepRec); err != nil {
				return fmt.Errorf("notify chain step for %s: %w", step.Assignee, err)
			}
		}

		approved, err := c.awaitStep(ctx, stepRec, poll)
		if err != nil {
			return err
		}
		if !approved {
			return c.Store.Resolve(ctx, req.ID, store.ApprovalRejected, nil, "chain:"+step.Assignee)
		}
	}
	return c.Store.Resolve(ctx, req.ID, store.ApprovalApproved, nil, "chain:unanimous")
}

func (c *ChainNotifier) awaitStep(ctx context.Context, stepRec store.ApprovalRecord, poll time.Duration) (bool, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			cur, err := c.Store.Get(ctx, stepRec.ID)
			if err != nil {
				return false, fmt.Errorf("poll chain step: %w", err)
			}
			switch cur.Status {
			case store.ApprovalApproved:
				return true, nil
			case store.ApprovalRejected:
				return false, nil
			case store.ApprovalPending:
				if !cur.Deadline.IsZero() && time.Now().After(cur.Deadline) {
					_ = c.Store.Resolve(ctx, cur.ID, store.ApprovalTimedOut, nil, "")
					return false, nil
				}
			}
		}
	}
}

// NotifyEscalation, NotifyTimeout, and NotifyDelegation delegate to every
// configured step's notifier in order, for events raised against the
// overall (parent) request rather than one of the chain's own steps.
func (c *ChainNotifier) NotifyEscalation(ctx context.Context, req, escalated store.ApprovalRecord) error {
	for _, step := range c.Steps {
		if step.Notifier == nil {
			continue
		}
		if err := step.Notifier.NotifyEscalation(ctx, req, escalated); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChainNotifier) NotifyTimeout(ctx context.Context, req store.ApprovalRecord) error {
	for _, step := range c.Steps {
		if step.Notifier == nil {
			continue
		}
		if err := step.Notifier.NotifyTimeout(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChainNotifier) NotifyDelegation(ctx context.Context, req, delegated store.ApprovalRecord) error {
	for _, step := range c.Steps {
		if step.Notifier == nil {
			continue
		}
		if err := step.Notifier.NotifyDelegation(ctx, req, delegated); err != nil {
			return err
		}
	}
	return nil
}

// HumanConfig configures a human-in-the-loop node built by NewHumanNode.
type HumanConfig struct {
	// PayloadKey reads the approval payload from state; defaults to "approval_payload".
	PayloadKey string
	// OutputKey writes the reviewer's response to state; defaults to "approval_response".
	OutputKey string

	RequestOptions
}

// NewHumanNode builds a graph.Node of graph.KindHuman that pauses dispatch
// on m until a human resolves (or a configured timeout policy settles) the
// request. It lives in this package, not graph, because approval imports
// graph for its error and state types and graph cannot import it back.
func (m *Manager) NewHumanNode(name string, cfg HumanConfig) *graph.Node {
	payloadKey := cfg.PayloadKey
	if payloadKey == "" {
		payloadKey = "approval_payload"
	}
	outputKey := cfg.OutputKey
	if outputKey == "" {
		outputKey = "approval_response"
	}

	return &graph.Node{
		Name:   name,
		Kind:   graph.KindHuman,
		Config: cfg,
		Fn: func(ctx context.Context, state graph.State) graph.Result {
			payload, _ := state[payloadKey].(graph.State)
			runID, _ := state["run_id"].(string)

			resp, err := m.Request(ctx, runID, name, payload, cfg.RequestOptions)
			if err != nil {
				return graph.Result{Err: fmt.Errorf("human node %q: %w", name, err)}
			}
			return graph.Result{Delta: graph.State{outputKey: resp}, Next: graph.UseGraphEdges()}
		},
	}
}
