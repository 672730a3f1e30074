package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/flowforge/corerun/graph"
)

var (
	bucketDLQ       = []byte("dlq")
	bucketApprovals = []byte("approvals")
	bucketTimers    = []byte("timers")
)

// BoltStore is a single bbolt database file backing the three stores that
// are read far more rarely than CheckpointStore/RunStore and don't need
// SQL's ad-hoc querying: the dead letter queue, human approvals, and
// scheduled timers. Each store is its own concrete type (Get/List have
// different signatures per store, which Go can't overload on one receiver)
// sharing the same underlying *bbolt.DB and its own bucket.
type BoltStore struct {
	DLQ       *BoltDLQStore
	Approvals *BoltApprovalStore
	Timers    *BoltTimerStore

	db *bbolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketDLQ, bucketApprovals, bucketTimers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{
		DLQ:       &BoltDLQStore{db: db},
		Approvals: &BoltApprovalStore{db: db},
		Timers:    &BoltTimerStore{db: db},
		db:        db,
	}, nil
}

// Close closes the underlying database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// BoltDLQStore implements DLQStore over a bbolt bucket.
type BoltDLQStore struct {
	db *bbolt.DB
}

// Enqueue persists a failed node dispatch to the dead letter queue.
func (b *BoltDLQStore) Enqueue(_ context.Context, e DLQEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal DLQ entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDLQ).Put([]byte(e.ID), data)
	})
}

// List returns up to limit DLQ entries in bucket iteration order.
func (b *BoltDLQStore) List(_ context.Context, limit int) ([]DLQEntry, error) {
	var out []DLQEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDLQ).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var e DLQEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal DLQ entry %q: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Get retrieves a single DLQ entry by ID.
func (b *BoltDLQStore) Get(_ context.Context, id string) (DLQEntry, error) {
	var e DLQEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDLQ).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Remove deletes a DLQ entry, e.g. after a manual replay.
func (b *BoltDLQStore) Remove(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDLQ).Delete([]byte(id))
	})
}

// Depth reports how many entries currently sit in the dead letter queue.
func (b *BoltDLQStore) Depth(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDLQ).Stats().KeyN
		return nil
	})
	return n, err
}

// BoltApprovalStore implements ApprovalStore over a bbolt bucket.
type BoltApprovalStore struct {
	db *bbolt.DB
}

// Create persists a new approval request.
func (b *BoltApprovalStore) Create(_ context.Context, a ApprovalRecord) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).Put([]byte(a.ID), data)
	})
}

// Resolve records a reviewer's decision against a pending approval.
func (b *BoltApprovalStore) Resolve(_ context.Context, id string, status ApprovalStatus, response graph.State, respondent string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketApprovals)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var a ApprovalRecord
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal approval record: %w", err)
		}
		a.Status = status
		a.Response = response
		a.Respondent = respondent
		a.ResolvedAt = time.Now()

		updated, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal resolved approval: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// Get retrieves a single approval record by ID.
func (b *BoltApprovalStore) Get(_ context.Context, id string) (ApprovalRecord, error) {
	var a ApprovalRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	return a, err
}

// ListPending returns every approval record still awaiting a decision.
func (b *BoltApprovalStore) ListPending(_ context.Context) ([]ApprovalRecord, error) {
	var out []ApprovalRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var a ApprovalRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal approval record %q: %w", k, err)
			}
			if a.Status == ApprovalPending {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}

// PendingForAssignee returns pending requests addressed to assignee directly
// or via AssigneeGroup, highest Priority first.
func (b *BoltApprovalStore) PendingForAssignee(_ context.Context, assignee string) ([]ApprovalRecord, error) {
	var out []ApprovalRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var a ApprovalRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal approval record %q: %w", k, err)
			}
			if a.Status == ApprovalPending && (a.Assignee == assignee || a.AssigneeGroup == assignee) {
				out = append(out, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// Delegate marks id as delegated to assignee and creates a derived request
// addressed to assignee, linked back via ParentID. The original record stays
// ApprovalPending.
func (b *BoltApprovalStore) Delegate(_ context.Context, id, assignee, respondent string) (ApprovalRecord, error) {
	var derived ApprovalRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketApprovals)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var orig ApprovalRecord
		if err := json.Unmarshal(data, &orig); err != nil {
			return fmt.Errorf("unmarshal approval record: %w", err)
		}
		orig.DelegatedTo = assignee
		updated, err := json.Marshal(orig)
		if err != nil {
			return fmt.Errorf("marshal delegated approval: %w", err)
		}
		if err := bucket.Put([]byte(id), updated); err != nil {
			return err
		}

		derived = ApprovalRecord{
			ID:            uuid.NewString(),
			RunID:         orig.RunID,
			NodeName:      orig.NodeName,
			Status:        ApprovalPending,
			Payload:       orig.Payload,
			Respondent:    respondent,
			CreatedAt:     time.Now(),
			Deadline:      orig.Deadline,
			Type:          orig.Type,
			Assignee:      assignee,
			Priority:      orig.Priority,
			TimeoutAction: orig.TimeoutAction,
			EscalateTo:    orig.EscalateTo,
			ParentID:      id,
		}
		derivedData, err := json.Marshal(derived)
		if err != nil {
			return fmt.Errorf("marshal derived approval: %w", err)
		}
		return bucket.Put([]byte(derived.ID), derivedData)
	})
	return derived, err
}

// Escalate marks id ApprovalEscalated and creates a derived request addressed
// to escalateTo, linked back via ParentID.
func (b *BoltApprovalStore) Escalate(_ context.Context, id, escalateTo string) (ApprovalRecord, error) {
	var derived ApprovalRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketApprovals)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var orig ApprovalRecord
		if err := json.Unmarshal(data, &orig); err != nil {
			return fmt.Errorf("unmarshal approval record: %w", err)
		}
		orig.Status = ApprovalEscalated
		orig.ResolvedAt = time.Now()
		updated, err := json.Marshal(orig)
		if err != nil {
			return fmt.Errorf("marshal escalated approval: %w", err)
		}
		if err := bucket.Put([]byte(id), updated); err != nil {
			return err
		}

		derived = ApprovalRecord{
			ID:            uuid.NewString(),
			RunID:         orig.RunID,
			NodeName:      orig.NodeName,
			Status:        ApprovalPending,
			Payload:       orig.Payload,
			CreatedAt:     time.Now(),
			Type:          orig.Type,
			Assignee:      escalateTo,
			Priority:      orig.Priority,
			TimeoutAction: orig.TimeoutAction,
			ParentID:      id,
		}
		derivedData, err := json.Marshal(derived)
		if err != nil {
			return fmt.Errorf("marshal derived approval: %w", err)
		}
		return bucket.Put([]byte(derived.ID), derivedData)
	})
	return derived, err
}

// BoltTimerStore implements TimerStore over a bbolt bucket.
type BoltTimerStore struct {
	db *bbolt.DB
}

// Create persists a new scheduled timer.
func (b *BoltTimerStore) Create(_ context.Context, t TimerEntry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timer entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).Put([]byte(t.ID), data)
	})
}

// Due returns every unfired timer whose FireAt is at or before asOf.
func (b *BoltTimerStore) Due(_ context.Context, asOf time.Time) ([]TimerEntry, error) {
	var out []TimerEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).ForEach(func(k, v []byte) error {
			var t TimerEntry
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal timer entry %q: %w", k, err)
			}
			if !t.Fired && !t.FireAt.After(asOf) {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// MarkFired marks a timer as having fired. For recurring (cron) timers,
// nextFireAt re-arms it instead of marking it permanently fired.
func (b *BoltTimerStore) MarkFired(_ context.Context, id string, nextFireAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTimers)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var t TimerEntry
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("unmarshal timer entry: %w", err)
		}
		if nextFireAt.IsZero() {
			t.Fired = true
		} else {
			t.FireAt = nextFireAt
		}
		updated, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal updated timer entry: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// Remove deletes a timer entry.
func (b *BoltTimerStore) Remove(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).Delete([]byte(id))
	})
}

// Pending returns every timer not yet fired.
func (b *BoltTimerStore) Pending(_ context.Context) ([]TimerEntry, error) {
	var out []TimerEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).ForEach(func(k, v []byte) error {
			var t TimerEntry
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal timer entry %q: %w", k, err)
			}
			if !t.Fired {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}
