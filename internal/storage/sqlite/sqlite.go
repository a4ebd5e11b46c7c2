// Copyright 2026 The Durableflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a single-node, file-backed storage.Store
// implementation for development and small deployments, using the pure-Go
// modernc.org/sqlite driver so the binary stays CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
)

var _ storage.Store = (*Backend)(nil)

// Backend is a SQLite storage backend backed by a single *sql.DB. A mutex
// serializes writes: SQLite allows only one writer at a time, and the
// driver's own busy-timeout handling is not enough under the CAS-heavy
// access pattern this contract requires.
type Backend struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if absent) the SQLite database at path and runs
// migrations. Use ":memory:" for an ephemeral database, though the memory
// backend in internal/storage/memory is preferred for tests since it avoids
// the file-locking overhead entirely.
func New(path string) (*Backend, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input_args TEXT,
			input_kwargs TEXT,
			result TEXT,
			error TEXT,
			parent_run_id TEXT,
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			max_recovery_attempts INTEGER NOT NULL DEFAULT 3,
			max_duration_ms INTEGER,
			metadata TEXT,
			tags TEXT,
			successor_run_id TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency ON runs(workflow_name, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS run_claims (
			run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			worker_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			call_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS step_claims (
			step_id TEXT PRIMARY KEY REFERENCES steps(id) ON DELETE CASCADE,
			worker_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			call_index INTEGER NOT NULL,
			schema TEXT,
			status TEXT NOT NULL,
			payload TEXT,
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_wakes (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			wake_at DATETIME NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_wakes_wake_at ON schedule_wakes(wake_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_states (
			name TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			cron TEXT,
			interval_ms INTEGER,
			inputs TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			timezone TEXT,
			last_fire_at DATETIME,
			next_fire_at DATETIME,
			run_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements storage.RunStore.
func (b *Backend) CreateRun(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if run.IdempotencyKey != "" {
		existing, err := b.findByIdempotencyKeyLocked(ctx, run.WorkflowName, run.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	argsJSON, _ := json.Marshal(run.InputArgs)
	kwargsJSON, _ := json.Marshal(run.InputKwargs)
	metaJSON, _ := json.Marshal(run.Metadata)
	tagsJSON, _ := json.Marshal(run.Tags)

	var idemKey, parentID any
	if run.IdempotencyKey != "" {
		idemKey = run.IdempotencyKey
	}
	if run.ParentRunID != "" {
		parentID = run.ParentRunID
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, status, input_args, input_kwargs, parent_run_id,
			nesting_depth, idempotency_key, max_recovery_attempts, max_duration_ms, metadata, tags, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.WorkflowName, run.Status, argsJSON, kwargsJSON, parentID,
		run.NestingDepth, idemKey, run.MaxRecoveryAttempts, run.MaxDurationMS, metaJSON, tagsJSON, run.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, ferr := b.findByIdempotencyKeyLocked(ctx, run.WorkflowName, run.IdempotencyKey)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	return nil, true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && contains(err.Error(), "UNIQUE constraint failed")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func (b *Backend) findByIdempotencyKeyLocked(ctx context.Context, workflowName, key string) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE workflow_name = ? AND idempotency_key = ?`, workflowName, key)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b.getRunLocked(ctx, id)
}

// GetRun implements storage.RunStore.
func (b *Backend) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getRunLocked(ctx, runID)
}

func (b *Backend) getRunLocked(ctx context.Context, runID string) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, status, input_args, input_kwargs, result, error,
			parent_run_id, nesting_depth, idempotency_key, recovery_attempts, max_recovery_attempts,
			max_duration_ms, metadata, tags, successor_run_id, created_at, started_at, completed_at
		FROM runs WHERE id = ?`, runID)

	var run model.Run
	var argsJSON, kwargsJSON, resultJSON, metaJSON, tagsJSON []byte
	var errMsg, idemKey, parentID, successorID sql.NullString
	err := row.Scan(&run.ID, &run.WorkflowName, &run.Status, &argsJSON, &kwargsJSON, &resultJSON, &errMsg,
		&parentID, &run.NestingDepth, &idemKey, &run.RecoveryAttempts, &run.MaxRecoveryAttempts,
		&run.MaxDurationMS, &metaJSON, &tagsJSON, &successorID, &run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Error = errMsg.String
	run.IdempotencyKey = idemKey.String
	run.ParentRunID = parentID.String
	run.SuccessorRunID = successorID.String
	_ = json.Unmarshal(argsJSON, &run.InputArgs)
	_ = json.Unmarshal(kwargsJSON, &run.InputKwargs)
	_ = json.Unmarshal(resultJSON, &run.Result)
	_ = json.Unmarshal(metaJSON, &run.Metadata)
	_ = json.Unmarshal(tagsJSON, &run.Tags)
	return &run, nil
}

// UpdateRunStatus implements storage.RunStore with a CAS on current status.
func (b *Backend) UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, mutate func(*model.Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, err := b.getRunLocked(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != from {
		return fmt.Errorf("conflict: run %s status is %s, expected %s", runID, run.Status, from)
	}
	run.Status = to
	if mutate != nil {
		mutate(run)
	}

	resultJSON, _ := json.Marshal(run.Result)
	metaJSON, _ := json.Marshal(run.Metadata)
	var successorID any
	if run.SuccessorRunID != "" {
		successorID = run.SuccessorRunID
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, result = ?, error = ?, started_at = ?, completed_at = ?,
			recovery_attempts = ?, metadata = ?, successor_run_id = ?
		WHERE id = ? AND status = ?`,
		run.Status, resultJSON, run.Error, run.StartedAt, run.CompletedAt,
		run.RecoveryAttempts, metaJSON, successorID, runID, from)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conflict: run %s status changed concurrently", runID)
	}
	return nil
}

// ListRuns implements storage.RunLister.
func (b *Backend) ListRuns(ctx context.Context, filter storage.RunFilter) (storage.RunPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	query := `SELECT id FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.StartTime != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		query += " AND created_at <= ?"
		args = append(args, *filter.EndTime)
	}
	if filter.Cursor != "" {
		cursorAt, cursorID := storage.DecodeCursor(filter.Cursor)
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, cursorAt, cursorAt, cursorID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	// Fetch one extra row beyond the page so we know whether a next page
	// exists, without a second COUNT query.
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit+1)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.RunPage{}, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return storage.RunPage{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return storage.RunPage{}, err
	}

	hasMore := filter.Limit > 0 && len(ids) > filter.Limit
	if hasMore {
		ids = ids[:filter.Limit]
	}

	var page storage.RunPage
	for _, id := range ids {
		run, err := b.getRunLocked(ctx, id)
		if err != nil {
			return storage.RunPage{}, err
		}
		page.Runs = append(page.Runs, run)
	}
	if hasMore && len(page.Runs) > 0 {
		last := page.Runs[len(page.Runs)-1]
		page.NextCursor = storage.EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// AppendEvent implements storage.EventStore with a CAS on sequence.
func (b *Backend) AppendEvent(ctx context.Context, runID string, expectedNextSequence int64, ev *model.Event) (*model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dataJSON, _ := json.Marshal(ev.Data)
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, sequence, type, timestamp, data)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM events WHERE run_id = ? AND sequence >= ?)`,
		ev.ID, runID, expectedNextSequence, ev.Type, ev.Timestamp, dataJSON, runID, expectedNextSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("conflict: run %s expected next sequence %d already taken", runID, expectedNextSequence)
	}
	cp := *ev
	cp.RunID = runID
	cp.Sequence = expectedNextSequence
	return &cp, nil
}

// ReadEvents implements storage.EventStore.
func (b *Backend) ReadEvents(ctx context.Context, runID string, fromSequence int64) ([]*model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, sequence, type, timestamp, data FROM events
		WHERE run_id = ? AND sequence >= ? ORDER BY sequence ASC`, runID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var result []*model.Event
	for rows.Next() {
		ev := &model.Event{RunID: runID}
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Sequence, &ev.Type, &ev.Timestamp, &dataJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(dataJSON, &ev.Data)
		result = append(result, ev)
	}
	return result, rows.Err()
}

// ClaimRun implements storage.ClaimStore.
func (b *Backend) ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	row := b.db.QueryRowContext(ctx, `SELECT worker_id, expires_at FROM run_claims WHERE run_id = ?`, runID)
	var existingWorker string
	var expiresAt time.Time
	err := row.Scan(&existingWorker, &expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if err == nil && expiresAt.After(now) && existingWorker != workerID {
		return false, nil
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO run_claims (run_id, worker_id, expires_at) VALUES (?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET worker_id = excluded.worker_id, expires_at = excluded.expires_at`,
		runID, workerID, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	return true, nil
}

// RenewClaim implements storage.ClaimStore.
func (b *Backend) RenewClaim(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `UPDATE run_claims SET expires_at = ? WHERE run_id = ? AND worker_id = ?`,
		time.Now().Add(ttl), runID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseClaim implements storage.ClaimStore.
func (b *Backend) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM run_claims WHERE run_id = ? AND worker_id = ?`, runID, workerID)
	return err
}

// ListExpiredClaims implements storage.ClaimStore.
func (b *Backend) ListExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT rc.run_id FROM run_claims rc JOIN runs r ON r.id = rc.run_id
		WHERE rc.expires_at < ? AND r.status NOT IN ('COMPLETED','FAILED','CANCELLED','INTERRUPTED')`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertStep implements storage.StepStore.
func (b *Backend) UpsertStep(ctx context.Context, step *model.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	resultJSON, _ := json.Marshal(step.Result)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, step_name, call_index, status, attempt, max_retries,
			retry_delay_ms, result, error, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, attempt=excluded.attempt,
			result=excluded.result, error=excluded.error,
			started_at=COALESCE(steps.started_at, excluded.started_at), completed_at=excluded.completed_at`,
		step.ID, step.RunID, step.StepName, step.CallIndex, step.Status, step.Attempt,
		step.MaxRetries, step.RetryDelayMS, resultJSON, step.Error, step.StartedAt, step.CompletedAt)
	return err
}

// GetStep implements storage.StepStore.
func (b *Backend) GetStep(ctx context.Context, stepID string) (*model.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := b.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_name, call_index, status, attempt, max_retries, retry_delay_ms,
			result, error, created_at, started_at, completed_at FROM steps WHERE id = ?`, stepID)
	var s model.Step
	var resultJSON []byte
	var errMsg sql.NullString
	err := row.Scan(&s.ID, &s.RunID, &s.StepName, &s.CallIndex, &s.Status, &s.Attempt, &s.MaxRetries,
		&s.RetryDelayMS, &resultJSON, &errMsg, &s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step not found")
	}
	if err != nil {
		return nil, err
	}
	s.Error = errMsg.String
	_ = json.Unmarshal(resultJSON, &s.Result)
	return &s, nil
}

// ListSteps implements storage.StepStore.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, call_index, status, attempt, max_retries, retry_delay_ms,
			result, error, created_at, started_at, completed_at FROM steps
		WHERE run_id = ? ORDER BY call_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Step
	for rows.Next() {
		var s model.Step
		var resultJSON []byte
		var errMsg sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.StepName, &s.CallIndex, &s.Status, &s.Attempt, &s.MaxRetries,
			&s.RetryDelayMS, &resultJSON, &errMsg, &s.CreatedAt, &s.StartedAt, &s.CompletedAt); err != nil {
			return nil, err
		}
		s.Error = errMsg.String
		_ = json.Unmarshal(resultJSON, &s.Result)
		result = append(result, &s)
	}
	return result, rows.Err()
}

// ClaimStep implements storage.StepStore.
func (b *Backend) ClaimStep(ctx context.Context, stepID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	row := b.db.QueryRowContext(ctx, `SELECT worker_id, expires_at FROM step_claims WHERE step_id = ?`, stepID)
	var existingWorker string
	var expiresAt time.Time
	err := row.Scan(&existingWorker, &expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if err == nil && expiresAt.After(now) && existingWorker != workerID {
		return false, nil
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO step_claims (step_id, worker_id, expires_at) VALUES (?,?,?)
		ON CONFLICT(step_id) DO UPDATE SET worker_id = excluded.worker_id, expires_at = excluded.expires_at`,
		stepID, workerID, now.Add(ttl))
	if err != nil {
		return false, err
	}
	return true, nil
}

// RenewStepClaim implements storage.StepStore.
func (b *Backend) RenewStepClaim(ctx context.Context, stepID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `UPDATE step_claims SET expires_at = ? WHERE step_id = ? AND worker_id = ?`,
		time.Now().Add(ttl), stepID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseStepClaim implements storage.StepStore.
func (b *Backend) ReleaseStepClaim(ctx context.Context, stepID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM step_claims WHERE step_id = ? AND worker_id = ?`, stepID, workerID)
	return err
}

// ListExpiredStepClaims implements storage.StepStore.
func (b *Backend) ListExpiredStepClaims(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT sc.step_id FROM step_claims sc JOIN steps s ON s.id = sc.step_id
		WHERE sc.expires_at < ? AND s.status NOT IN ('COMPLETED','FAILED')`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertHook implements storage.HookStore.
func (b *Backend) UpsertHook(ctx context.Context, hook *model.Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	schemaJSON, _ := json.Marshal(hook.Schema)
	payloadJSON, _ := json.Marshal(hook.Payload)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO hooks (id, run_id, name, call_index, schema, status, payload, expires_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload`,
		hook.ID, hook.RunID, hook.Name, hook.CallIndex, schemaJSON, hook.Status, payloadJSON, hook.ExpiresAt)
	return err
}

// GetHook implements storage.HookStore.
func (b *Backend) GetHook(ctx context.Context, hookID string) (*model.Hook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanHookLocked(ctx, `SELECT id, run_id, name, call_index, schema, status, payload, expires_at, created_at FROM hooks WHERE id = ?`, hookID)
}

// FindHookByName implements storage.HookStore.
func (b *Backend) FindHookByName(ctx context.Context, runID, name string) (*model.Hook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanHookLocked(ctx, `SELECT id, run_id, name, call_index, schema, status, payload, expires_at, created_at FROM hooks WHERE run_id = ? AND name = ?`, runID, name)
}

func (b *Backend) scanHookLocked(ctx context.Context, query string, args ...any) (*model.Hook, error) {
	row := b.db.QueryRowContext(ctx, query, args...)
	var h model.Hook
	var schemaJSON, payloadJSON []byte
	err := row.Scan(&h.ID, &h.RunID, &h.Name, &h.CallIndex, &schemaJSON, &h.Status, &payloadJSON, &h.ExpiresAt, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hook not found")
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(schemaJSON, &h.Schema)
	_ = json.Unmarshal(payloadJSON, &h.Payload)
	return &h, nil
}

// TransitionHook implements storage.HookStore's single-writer CAS.
func (b *Backend) TransitionHook(ctx context.Context, hookID string, to model.HookStatus, payload map[string]any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var payloadArg any
	if payload != nil {
		payloadJSON, _ := json.Marshal(payload)
		payloadArg = payloadJSON
	}

	var res sql.Result
	var err error
	if payloadArg != nil {
		res, err = b.db.ExecContext(ctx, `UPDATE hooks SET status = ?, payload = ? WHERE id = ? AND status = 'PENDING'`, to, payloadArg, hookID)
	} else {
		res, err = b.db.ExecContext(ctx, `UPDATE hooks SET status = ? WHERE id = ? AND status = 'PENDING'`, to, hookID)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ScheduleWake implements storage.WakeStore.
func (b *Backend) ScheduleWake(ctx context.Context, wake *model.ScheduledWake) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	payloadJSON, _ := json.Marshal(wake.Payload)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_wakes (id, run_id, wake_at, kind, payload) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET wake_at=excluded.wake_at, kind=excluded.kind, payload=excluded.payload`,
		wake.ID, wake.RunID, wake.WakeAt, wake.Kind, payloadJSON)
	return err
}

// PopDueWakes implements storage.WakeStore.
func (b *Backend) PopDueWakes(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledWake, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `SELECT id, run_id, wake_at, kind, payload FROM schedule_wakes WHERE wake_at <= ? ORDER BY wake_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	var result []*model.ScheduledWake
	var ids []string
	for rows.Next() {
		var w model.ScheduledWake
		var payloadJSON []byte
		if err := rows.Scan(&w.ID, &w.RunID, &w.WakeAt, &w.Kind, &payloadJSON); err != nil {
			rows.Close()
			return nil, err
		}
		_ = json.Unmarshal(payloadJSON, &w.Payload)
		result = append(result, &w)
		ids = append(ids, w.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM schedule_wakes WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// CancelWake implements storage.WakeStore.
func (b *Backend) CancelWake(ctx context.Context, wakeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM schedule_wakes WHERE id = ?`, wakeID)
	return err
}

// SaveScheduleState implements storage.ScheduleStore.
func (b *Backend) SaveScheduleState(ctx context.Context, state *model.ScheduleState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inputsJSON, _ := json.Marshal(state.Inputs)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_states (name, workflow_name, cron, interval_ms, inputs, enabled, timezone,
			last_fire_at, next_fire_at, run_count, error_count, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET enabled=excluded.enabled, last_fire_at=excluded.last_fire_at,
			next_fire_at=excluded.next_fire_at, run_count=excluded.run_count,
			error_count=excluded.error_count, updated_at=CURRENT_TIMESTAMP`,
		state.Name, state.WorkflowName, state.Cron, state.IntervalMS, inputsJSON, state.Enabled, state.Timezone,
		state.LastFireAt, state.NextFireAt, state.RunCount, state.ErrorCount)
	return err
}

// GetScheduleState implements storage.ScheduleStore.
func (b *Backend) GetScheduleState(ctx context.Context, name string) (*model.ScheduleState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getScheduleStateLocked(ctx, name)
}

func (b *Backend) getScheduleStateLocked(ctx context.Context, name string) (*model.ScheduleState, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT name, workflow_name, cron, interval_ms, inputs, enabled, timezone,
			last_fire_at, next_fire_at, run_count, error_count, updated_at
		FROM schedule_states WHERE name = ?`, name)

	var s model.ScheduleState
	var inputsJSON []byte
	var cron, tz sql.NullString
	var intervalMS sql.NullInt64
	err := row.Scan(&s.Name, &s.WorkflowName, &cron, &intervalMS, &inputsJSON, &s.Enabled, &tz,
		&s.LastFireAt, &s.NextFireAt, &s.RunCount, &s.ErrorCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule state not found: %s", name)
	}
	if err != nil {
		return nil, err
	}
	s.Cron = cron.String
	s.Timezone = tz.String
	s.IntervalMS = intervalMS.Int64
	_ = json.Unmarshal(inputsJSON, &s.Inputs)
	return &s, nil
}

// ListScheduleStates implements storage.ScheduleStore.
func (b *Backend) ListScheduleStates(ctx context.Context) ([]*model.ScheduleState, error) {
	b.mu.Lock()
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM schedule_states`)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			b.mu.Unlock()
			return nil, err
		}
		names = append(names, n)
	}
	rerr := rows.Err()
	rows.Close()
	b.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}

	var result []*model.ScheduleState
	for _, n := range names {
		s, err := b.GetScheduleState(ctx, n)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// DeleteScheduleState implements storage.ScheduleStore.
func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM schedule_states WHERE name = ?`, name)
	return err
}

// Ping implements storage.Store.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close implements storage.Store.
func (b *Backend) Close() error {
	return b.db.Close()
}
