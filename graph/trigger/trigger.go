// Package trigger starts runs from outside sources: a cron schedule, an
// inbound webhook, or an application-level event bus.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/flowforge/corerun/graph"
)

// Launcher starts a new run of wf with the given initial state, returning
// its run ID. Implemented by runmanager.Manager.Submit (adapted to this
// narrower signature by callers).
type Launcher func(ctx context.Context, wf *graph.Workflow, state graph.State) (string, error)

// CronTrigger fires Launcher on a cron schedule, parsed with the same
// robfig/cron parser the timer package uses so schedule semantics (and DST
// handling) are identical whether a workflow is timer- or trigger-driven.
type CronTrigger struct {
	cron   *cron.Cron
	launch Launcher
	wf     *graph.Workflow
	state  graph.State
}

// NewCronTrigger builds a CronTrigger that launches wf on every firing of
// cronExpr (standard 5-field expression).
func NewCronTrigger(cronExpr string, wf *graph.Workflow, state graph.State, launch Launcher) (*CronTrigger, error) {
	c := cron.New()
	t := &CronTrigger{cron: c, launch: launch, wf: wf, state: state}
	if _, err := c.AddFunc(cronExpr, t.fire); err != nil {
		return nil, fmt.Errorf("parse cron trigger expression %q: %w", cronExpr, err)
	}
	return t, nil
}

func (t *CronTrigger) fire() {
	_, _ = t.launch(context.Background(), t.wf, t.state.Clone())
}

// Start begins firing on the configured schedule.
func (t *CronTrigger) Start() { t.cron.Start() }

// Stop halts the schedule, waiting for any in-flight fire to finish.
func (t *CronTrigger) Stop() { <-t.cron.Stop().Done() }

// WebhookTrigger launches a run from an inbound HTTP request, verifying an
// HMAC-SHA256 signature and admitting
// requests through a per-second token bucket (golang.org/x/time/rate).
// It does not use SlidingWindowLimiter, the strict N-per-period limiter
// defined below.
type WebhookTrigger struct {
	secret  []byte
	wf      *graph.Workflow
	launch  Launcher
	limiter *rate.Limiter
}

// NewWebhookTrigger builds a WebhookTrigger admitting up to burst requests
// immediately and ratePerSecond thereafter.
func NewWebhookTrigger(secret []byte, wf *graph.Workflow, launch Launcher, ratePerSecond float64, burst int) *WebhookTrigger {
	return &WebhookTrigger{
		secret:  secret,
		wf:      wf,
		launch:  launch,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// ServeHTTP validates the X-Signature header (hex-encoded HMAC-SHA256 of
// the raw body) and, if it matches and the rate limiter admits the
// request, launches a run with the JSON body decoded into the state.
func (w *WebhookTrigger) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !w.limiter.Allow() {
		http.Error(rw, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}

	if !w.verifySignature(r.Header.Get("X-Signature"), body) {
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	var state graph.State
	if len(body) > 0 {
		if err := json.Unmarshal(body, &state); err != nil {
			http.Error(rw, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if state == nil {
		state = graph.State{}
	}

	runID, err := w.launch(r.Context(), w.wf, state)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"run_id": runID})
}

func (w *WebhookTrigger) verifySignature(header string, body []byte) bool {
	if len(w.secret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

// SlidingWindowLimiter enforces a strict "at most N events per rolling
// window" admission rule. No library in the example corpus provides a
// second-boundary sliding window (golang.org/x/time/rate is a token
// bucket, which allows bursting beyond N/window at the window edges), so
// this is a deliberate standard-library implementation.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	events []time.Time
}

// NewSlidingWindowLimiter builds a limiter admitting at most limit events
// per rolling window.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{window: window, limit: limit}
}

// Allow reports whether one more event may be admitted now, recording it
// if so.
func (s *SlidingWindowLimiter) Allow() bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.events[:0]
	for _, t := range s.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.events = kept

	if len(s.events) >= s.limit {
		return false
	}
	s.events = append(s.events, now)
	return true
}

// EventTrigger launches a run whenever Dispatch is called with an event
// matching its filter, for wiring to an application's internal event bus.
type EventTrigger struct {
	eventType string
	filter    func(payload map[string]any) bool
	wf        *graph.Workflow
	launch    Launcher
}

// NewEventTrigger builds an EventTrigger firing wf whenever Dispatch
// receives eventType and filter (nil means always match) returns true.
func NewEventTrigger(eventType string, filter func(payload map[string]any) bool, wf *graph.Workflow, launch Launcher) *EventTrigger {
	return &EventTrigger{eventType: eventType, filter: filter, wf: wf, launch: launch}
}

// Dispatch evaluates an incoming event and launches a run if it matches.
func (e *EventTrigger) Dispatch(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	if eventType != e.eventType {
		return "", nil
	}
	if e.filter != nil && !e.filter(payload) {
		return "", nil
	}
	state := graph.State(payload)
	return e.launch(ctx, e.wf, state)
}
