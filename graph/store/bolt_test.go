package store_test

import (
	"path/filepath"
	"testing"

	"github.com/flowforge/corerun/graph/store"
)

func newTestBoltStore(t *testing.T) *store.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bolt")
	s, err := store.NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func init() {
	dlqBackends = append(dlqBackends, dlqBackend{
		name: "bolt",
		new:  func(t *testing.T) store.DLQStore { return newTestBoltStore(t).DLQ },
	})
	approvalBackends = append(approvalBackends, approvalBackend{
		name: "bolt",
		new:  func(t *testing.T) store.ApprovalStore { return newTestBoltStore(t).Approvals },
	})
	timerBackends = append(timerBackends, timerBackend{
		name: "bolt",
		new:  func(t *testing.T) store.TimerStore { return newTestBoltStore(t).Timers },
	})
}

func TestNewBoltStoreInitializesSubStores(t *testing.T) {
	s := newTestBoltStore(t)
	if s.DLQ == nil || s.Approvals == nil || s.Timers == nil {
		t.Fatalf("NewBoltStore() left a nil sub-store: %+v", s)
	}
}
