// Package timer schedules future wake-ups for runs — one-shot delays,
// absolute-time fires, and cron-recurring triggers — backed by a
// store.TimerStore and a polling Manager driving per-run node wake-ups.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowforge/corerun/graph/store"
)

// Fire is a due timer handed to the manager's callback.
type Fire struct {
	RunID    string
	NodeName string
	TimerID  string
}

// Manager polls a TimerStore for due entries and invokes a callback for
// each, rescheduling recurring (cron) timers for their next fire time and
// marking one-shot timers fired.
type Manager struct {
	store    store.TimerStore
	interval time.Duration
	log      *slog.Logger
}

// NewManager builds a Manager polling store every interval; 1s-5s is a
// reasonable default for sub-minute precision without excessive store load.
func NewManager(s store.TimerStore, interval time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Manager{store: s, interval: interval, log: log}
}

// ScheduleAfter creates a one-shot timer firing after d elapses.
func (m *Manager) ScheduleAfter(ctx context.Context, runID, nodeName string, d time.Duration) (string, error) {
	return m.ScheduleAt(ctx, runID, nodeName, time.Now().Add(d))
}

// ScheduleAt creates a one-shot timer firing at the given absolute time.
func (m *Manager) ScheduleAt(ctx context.Context, runID, nodeName string, at time.Time) (string, error) {
	id := uuid.NewString()
	entry := store.TimerEntry{ID: id, RunID: runID, NodeName: nodeName, FireAt: at, CreatedAt: time.Now()}
	if err := m.store.Create(ctx, entry); err != nil {
		return "", fmt.Errorf("schedule timer: %w", err)
	}
	return id, nil
}

// ScheduleCron creates a recurring timer firing per the cron expression
// (standard 5-field, via robfig/cron's parser — which already accounts for
// DST transitions when given a zone-aware schedule).
func (m *Manager) ScheduleCron(ctx context.Context, runID, nodeName, cronExpr string) (string, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	id := uuid.NewString()
	entry := store.TimerEntry{
		ID: id, RunID: runID, NodeName: nodeName,
		FireAt: schedule.Next(time.Now()), CronSpec: cronExpr, CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, entry); err != nil {
		return "", fmt.Errorf("schedule cron timer: %w", err)
	}
	return id, nil
}

// Run polls for due timers until ctx is cancelled, invoking onFire for
// each. Recurring timers are rescheduled for their next occurrence;
// one-shot timers are marked fired (terminal).
func (m *Manager) Run(ctx context.Context, onFire func(Fire)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, onFire)
		}
	}
}

func (m *Manager) poll(ctx context.Context, onFire func(Fire)) {
	due, err := m.store.Due(ctx, time.Now())
	if err != nil {
		m.log.Error("timer poll failed", "error", err)
		return
	}
	for _, t := range due {
		var next time.Time
		if t.CronSpec != "" {
			schedule, err := cron.ParseStandard(t.CronSpec)
			if err != nil {
				m.log.Error("re-parse cron schedule failed", "timer_id", t.ID, "error", err)
			} else {
				next = schedule.Next(time.Now())
			}
		}
		if err := m.store.MarkFired(ctx, t.ID, next); err != nil {
			m.log.Error("mark timer fired failed", "timer_id", t.ID, "error", err)
			continue
		}
		onFire(Fire{RunID: t.RunID, NodeName: t.NodeName, TimerID: t.ID})
	}
}
