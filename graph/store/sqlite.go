package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforge/corerun/graph"
)

// SQLiteStore is a single-file SQLite-backed implementation of CheckpointStore
// and RunStore. Designed for single-process deployments and local development
// before migrating to a networked store; WAL mode lets readers (dashboards,
// CLIs inspecting run state) proceed without blocking on in-flight writes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path,
// enabling WAL mode and a busy timeout so concurrent engine instances sharing
// a file don't immediately fail on SQLITE_BUSY.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			state TEXT NOT NULL,
			completed_nodes TEXT NOT NULL,
			node_results TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints(run_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'completed',
			result TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the underlying database connection. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Save persists a checkpoint, replacing any stored checkpoint with the same
// ID. It does not write to the idempotency_keys table.
func (s *SQLiteStore) Save(ctx context.Context, cp graph.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	completedJSON, err := json.Marshal(cp.CompletedNodes)
	if err != nil {
		return fmt.Errorf("marshal completed nodes: %w", err)
	}
	resultsJSON, err := json.Marshal(cp.NodeResults)
	if err != nil {
		return fmt.Errorf("marshal node results: %w", err)
	}

	query := `
		INSERT INTO checkpoints (id, run_id, workflow_name, state, completed_nodes, node_results, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_nodes = excluded.completed_nodes,
			node_results = excluded.node_results,
			timestamp = excluded.timestamp
	`
	_, err = s.db.ExecContext(ctx, query, cp.ID, cp.RunID, cp.WorkflowName,
		string(stateJSON), string(completedJSON), string(resultsJSON), cp.Timestamp)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the most recent checkpoint recorded for runID.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (graph.Checkpoint, error) {
	query := `
		SELECT id, run_id, workflow_name, state, completed_nodes, node_results, timestamp
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	var (
		cp                                   graph.Checkpoint
		stateJSON, completedJSON, resultsJSON string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&cp.ID, &cp.RunID, &cp.WorkflowName, &stateJSON, &completedJSON, &resultsJSON, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return graph.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return graph.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &cp.CompletedNodes); err != nil {
		return graph.Checkpoint{}, fmt.Errorf("unmarshal completed nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &cp.NodeResults); err != nil {
		return graph.Checkpoint{}, fmt.Errorf("unmarshal node results: %w", err)
	}
	return cp, nil
}

// CheckIdempotency reports whether key has a live (unexpired) cached record.
func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	_, found, err := s.GetIdempotency(ctx, key)
	return found, err
}

// StoreIdempotency records the outcome of a node dispatch under key.
func (s *SQLiteStore) StoreIdempotency(ctx context.Context, key string, rec graph.IdempotencyRecord) error {
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	query := `
		INSERT INTO idempotency_keys (key_value, status, result, error, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_value) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err = s.db.ExecContext(ctx, query, key, string(rec.Status), string(resultJSON), rec.Err, rec.CreatedAt, nullTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// GetIdempotency returns key's cached record, if any and unexpired. An
// expired record is lazily deleted and reported as not found.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, key string) (graph.IdempotencyRecord, bool, error) {
	query := `SELECT status, result, error, created_at, expires_at FROM idempotency_keys WHERE key_value = ?`
	var (
		status, resultJSON, errMsg string
		createdAt                  time.Time
		expiresAt                  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&status, &resultJSON, &errMsg, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return graph.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return graph.IdempotencyRecord{}, false, fmt.Errorf("get idempotency record: %w", err)
	}

	rec := graph.IdempotencyRecord{
		Status:    graph.IdempotencyStatus(status),
		Err:       errMsg,
		CreatedAt: createdAt,
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
		if time.Now().After(rec.ExpiresAt) {
			_ = s.DeleteIdempotency(ctx, key)
			return graph.IdempotencyRecord{}, false, nil
		}
	}
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return graph.IdempotencyRecord{}, false, fmt.Errorf("unmarshal idempotency result: %w", err)
	}
	return rec, true, nil
}

// DeleteIdempotency removes key's cached record, if any.
func (s *SQLiteStore) DeleteIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key_value = ?`, key)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// Create inserts a new run record.
func (s *SQLiteStore) Create(ctx context.Context, r RunRecord) error {
	query := `
		INSERT INTO runs (run_id, workflow_name, status, priority, created_at, updated_at, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, r.RunID, r.WorkflowName, string(r.Status), r.Priority,
		r.CreatedAt, r.UpdatedAt, nullTime(r.StartedAt), nullTime(r.FinishedAt), r.Error)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing run record.
func (s *SQLiteStore) Update(ctx context.Context, r RunRecord) error {
	query := `
		UPDATE runs SET status = ?, priority = ?, updated_at = ?, started_at = ?, finished_at = ?, error = ?
		WHERE run_id = ?
	`
	res, err := s.db.ExecContext(ctx, query, string(r.Status), r.Priority, r.UpdatedAt,
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.Error, r.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a single run record by ID.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (RunRecord, error) {
	query := `
		SELECT run_id, workflow_name, status, priority, created_at, updated_at, started_at, finished_at, error
		FROM runs WHERE run_id = ?
	`
	var (
		r                          RunRecord
		status                     string
		startedAt, finishedAt      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&r.RunID, &r.WorkflowName, &status, &r.Priority, &r.CreatedAt, &r.UpdatedAt, &startedAt, &finishedAt, &r.Error)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}
	return r, nil
}

// List returns every run record matching status, newest first. An empty
// status matches every run.
func (s *SQLiteStore) List(ctx context.Context, status RunStatus) ([]RunRecord, error) {
	query := `
		SELECT run_id, workflow_name, status, priority, created_at, updated_at, started_at, finished_at, error
		FROM runs WHERE (? = '' OR status = ?) ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var (
			r                     RunRecord
			st                    string
			startedAt, finishedAt sql.NullTime
		)
		if err := rows.Scan(&r.RunID, &r.WorkflowName, &st, &r.Priority, &r.CreatedAt, &r.UpdatedAt, &startedAt, &finishedAt, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.Status = RunStatus(st)
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
