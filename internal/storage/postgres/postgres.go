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

// Package postgres provides a PostgreSQL storage.Store implementation for
// fleet deployments where multiple workers share one durable backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the "pgx" database/sql driver name via its stdlib adapter.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sony/gobreaker"

	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
)

var _ storage.Store = (*Backend)(nil)

// Config contains PostgreSQL connection configuration.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// Backend is a PostgreSQL storage backend. Only CreateRun's insert goes
// through the circuit breaker, which fails it fast after repeated errors;
// every other query goes to the database directly. GET /health does not
// report the breaker's state.
type Backend struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

// New creates a new PostgreSQL backend and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-storage",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	b := &Backend{db: db, cb: cb}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

// DB returns the underlying connection pool, for wiring a PostgresElector
// against the same database as the storage backend.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_args JSONB,
			input_kwargs JSONB,
			result JSONB,
			error TEXT,
			parent_run_id VARCHAR(64),
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			idempotency_key VARCHAR(255),
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			max_recovery_attempts INTEGER NOT NULL DEFAULT 3,
			max_duration_ms BIGINT,
			metadata JSONB,
			tags JSONB,
			successor_run_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency ON runs(workflow_name, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			sequence BIGINT NOT NULL,
			type VARCHAR(64) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			data JSONB,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS run_claims (
			run_id VARCHAR(64) PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			worker_id VARCHAR(255) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_name VARCHAR(255) NOT NULL,
			call_index INTEGER NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			result JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS step_claims (
			step_id VARCHAR(64) PRIMARY KEY REFERENCES steps(id) ON DELETE CASCADE,
			worker_id VARCHAR(255) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			call_index INTEGER NOT NULL,
			schema JSONB,
			status VARCHAR(32) NOT NULL,
			payload JSONB,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_wakes (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			wake_at TIMESTAMPTZ NOT NULL,
			kind VARCHAR(32) NOT NULL,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_wakes_wake_at ON schedule_wakes(wake_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_states (
			name VARCHAR(255) PRIMARY KEY,
			workflow_name VARCHAR(255) NOT NULL,
			cron VARCHAR(64),
			interval_ms BIGINT,
			inputs JSONB,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			timezone VARCHAR(64),
			last_fire_at TIMESTAMPTZ,
			next_fire_at TIMESTAMPTZ,
			run_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) exec(ctx context.Context, fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// CreateRun implements storage.RunStore.
func (b *Backend) CreateRun(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	if run.IdempotencyKey != "" {
		existing, err := b.findByIdempotencyKey(ctx, run.WorkflowName, run.IdempotencyKey)
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

	var idemKey *string
	if run.IdempotencyKey != "" {
		idemKey = &run.IdempotencyKey
	}
	var parentID *string
	if run.ParentRunID != "" {
		parentID = &run.ParentRunID
	}

	_, err := b.exec(ctx, func() (any, error) {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO runs (id, workflow_name, status, input_args, input_kwargs, parent_run_id,
				nesting_depth, idempotency_key, max_recovery_attempts, max_duration_ms, metadata, tags, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			run.ID, run.WorkflowName, run.Status, argsJSON, kwargsJSON, parentID,
			run.NestingDepth, idemKey, run.MaxRecoveryAttempts, run.MaxDurationMS, metaJSON, tagsJSON, run.CreatedAt)
		return nil, err
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, ferr := b.findByIdempotencyKey(ctx, run.WorkflowName, run.IdempotencyKey)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	return nil, true, nil
}

func isUniqueViolation(err error) bool {
	// pgx reports SQLSTATE 23505 for unique_violation; avoided importing
	// the pgconn error type directly to keep the backend's surface small,
	// matching the string-based error classification the teacher's
	// postgres.go uses elsewhere.
	return err != nil && (containsAny(err.Error(), "23505", "duplicate key"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func (b *Backend) findByIdempotencyKey(ctx context.Context, workflowName, key string) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE workflow_name = $1 AND idempotency_key = $2`, workflowName, key)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b.GetRun(ctx, id)
}

// GetRun implements storage.RunStore.
func (b *Backend) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, status, input_args, input_kwargs, result, error,
			parent_run_id, nesting_depth, idempotency_key, recovery_attempts, max_recovery_attempts,
			max_duration_ms, metadata, tags, successor_run_id, created_at, started_at, completed_at
		FROM runs WHERE id = $1`, runID)

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
	run, err := b.GetRun(ctx, runID)
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

	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, result = $3, error = $4, started_at = $5, completed_at = $6,
			recovery_attempts = $7, metadata = $8, successor_run_id = $9
		WHERE id = $1 AND status = $10`,
		runID, run.Status, resultJSON, run.Error, run.StartedAt, run.CompletedAt,
		run.RecoveryAttempts, metaJSON, nullIfEmpty(run.SuccessorRunID), from)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conflict: run %s status changed concurrently", runID)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListRuns implements storage.RunLister.
func (b *Backend) ListRuns(ctx context.Context, filter storage.RunFilter) (storage.RunPage, error) {
	query := `SELECT id FROM runs WHERE 1=1`
	var args []any
	i := 1
	if filter.WorkflowName != "" {
		query += fmt.Sprintf(" AND workflow_name = $%d", i)
		args = append(args, filter.WorkflowName)
		i++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, filter.Status)
		i++
	}
	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", i)
		args = append(args, *filter.StartTime)
		i++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", i)
		args = append(args, *filter.EndTime)
		i++
	}
	if filter.Cursor != "" {
		cursorAt, cursorID := storage.DecodeCursor(filter.Cursor)
		query += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id < $%d))", i, i, i+1)
		args = append(args, cursorAt, cursorID)
		i += 2
	}
	query += " ORDER BY created_at DESC, id DESC"
	// Fetch one extra row beyond the page so we know whether a next page
	// exists, without a second COUNT query.
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", i)
		args = append(args, filter.Limit+1)
		i++
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
		run, err := b.GetRun(ctx, id)
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
	dataJSON, _ := json.Marshal(ev.Data)
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, sequence, type, timestamp, data)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (SELECT 1 FROM events WHERE run_id = $2 AND sequence >= $3)`,
		ev.ID, runID, expectedNextSequence, ev.Type, ev.Timestamp, dataJSON)
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
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, sequence, type, timestamp, data FROM events
		WHERE run_id = $1 AND sequence >= $2 ORDER BY sequence ASC`, runID, fromSequence)
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

// ClaimRun implements storage.ClaimStore via upsert-with-expiry.
func (b *Backend) ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO run_claims (run_id, worker_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET worker_id = EXCLUDED.worker_id, expires_at = EXCLUDED.expires_at
		WHERE run_claims.expires_at < NOW() OR run_claims.worker_id = EXCLUDED.worker_id`,
		runID, workerID, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewClaim implements storage.ClaimStore.
func (b *Backend) RenewClaim(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE run_claims SET expires_at = $3 WHERE run_id = $1 AND worker_id = $2`,
		runID, workerID, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to renew claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseClaim implements storage.ClaimStore.
func (b *Backend) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM run_claims WHERE run_id = $1 AND worker_id = $2`, runID, workerID)
	return err
}

// ListExpiredClaims implements storage.ClaimStore.
func (b *Backend) ListExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT rc.run_id FROM run_claims rc JOIN runs r ON r.id = rc.run_id
		WHERE rc.expires_at < $1 AND r.status NOT IN ('COMPLETED','FAILED','CANCELLED','INTERRUPTED')`, now)
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
	resultJSON, _ := json.Marshal(step.Result)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, step_name, call_index, status, attempt, max_retries,
			retry_delay_ms, result, error, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET status=$5, attempt=$6, result=$9, error=$10,
			started_at=COALESCE(steps.started_at, $11), completed_at=$12`,
		step.ID, step.RunID, step.StepName, step.CallIndex, step.Status, step.Attempt,
		step.MaxRetries, step.RetryDelayMS, resultJSON, step.Error, step.StartedAt, step.CompletedAt)
	return err
}

// GetStep implements storage.StepStore.
func (b *Backend) GetStep(ctx context.Context, stepID string) (*model.Step, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_name, call_index, status, attempt, max_retries, retry_delay_ms,
			result, error, created_at, started_at, completed_at FROM steps WHERE id = $1`, stepID)
	return scanStep(row)
}

func scanStep(row *sql.Row) (*model.Step, error) {
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
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, call_index, status, attempt, max_retries, retry_delay_ms,
			result, error, created_at, started_at, completed_at FROM steps
		WHERE run_id = $1 ORDER BY call_index ASC`, runID)
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
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO step_claims (step_id, worker_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (step_id) DO UPDATE SET worker_id = EXCLUDED.worker_id, expires_at = EXCLUDED.expires_at
		WHERE step_claims.expires_at < NOW() OR step_claims.worker_id = EXCLUDED.worker_id`,
		stepID, workerID, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewStepClaim implements storage.StepStore.
func (b *Backend) RenewStepClaim(ctx context.Context, stepID, workerID string, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `UPDATE step_claims SET expires_at = $3 WHERE step_id = $1 AND worker_id = $2`,
		stepID, workerID, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseStepClaim implements storage.StepStore.
func (b *Backend) ReleaseStepClaim(ctx context.Context, stepID, workerID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM step_claims WHERE step_id = $1 AND worker_id = $2`, stepID, workerID)
	return err
}

// ListExpiredStepClaims implements storage.StepStore.
func (b *Backend) ListExpiredStepClaims(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT sc.step_id FROM step_claims sc JOIN steps s ON s.id = sc.step_id
		WHERE sc.expires_at < $1 AND s.status NOT IN ('COMPLETED','FAILED')`, now)
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
	schemaJSON, _ := json.Marshal(hook.Schema)
	payloadJSON, _ := json.Marshal(hook.Payload)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO hooks (id, run_id, name, call_index, schema, status, payload, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET status=$6, payload=$7`,
		hook.ID, hook.RunID, hook.Name, hook.CallIndex, schemaJSON, hook.Status, payloadJSON, hook.ExpiresAt)
	return err
}

// GetHook implements storage.HookStore.
func (b *Backend) GetHook(ctx context.Context, hookID string) (*model.Hook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, call_index, schema, status, payload, expires_at, created_at
		FROM hooks WHERE id = $1`, hookID)
	return scanHook(row)
}

// FindHookByName implements storage.HookStore.
func (b *Backend) FindHookByName(ctx context.Context, runID, name string) (*model.Hook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, call_index, schema, status, payload, expires_at, created_at
		FROM hooks WHERE run_id = $1 AND name = $2`, runID, name)
	return scanHook(row)
}

func scanHook(row *sql.Row) (*model.Hook, error) {
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
	payloadJSON, _ := json.Marshal(payload)
	res, err := b.db.ExecContext(ctx, `
		UPDATE hooks SET status = $2, payload = COALESCE($3, payload) WHERE id = $1 AND status = 'PENDING'`,
		hookID, to, nullIfEmptyJSON(payload, payloadJSON))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullIfEmptyJSON(payload map[string]any, payloadJSON []byte) any {
	if payload == nil {
		return nil
	}
	return payloadJSON
}

// ScheduleWake implements storage.WakeStore.
func (b *Backend) ScheduleWake(ctx context.Context, wake *model.ScheduledWake) error {
	payloadJSON, _ := json.Marshal(wake.Payload)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_wakes (id, run_id, wake_at, kind, payload) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET wake_at=$3, kind=$4, payload=$5`,
		wake.ID, wake.RunID, wake.WakeAt, wake.Kind, payloadJSON)
	return err
}

// PopDueWakes implements storage.WakeStore.
func (b *Backend) PopDueWakes(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledWake, error) {
	rows, err := b.db.QueryContext(ctx, `
		DELETE FROM schedule_wakes WHERE id IN (
			SELECT id FROM schedule_wakes WHERE wake_at <= $1 ORDER BY wake_at ASC LIMIT $2
		) RETURNING id, run_id, wake_at, kind, payload`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.ScheduledWake
	for rows.Next() {
		var w model.ScheduledWake
		var payloadJSON []byte
		if err := rows.Scan(&w.ID, &w.RunID, &w.WakeAt, &w.Kind, &payloadJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payloadJSON, &w.Payload)
		result = append(result, &w)
	}
	return result, rows.Err()
}

// CancelWake implements storage.WakeStore.
func (b *Backend) CancelWake(ctx context.Context, wakeID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM schedule_wakes WHERE id = $1`, wakeID)
	return err
}

// SaveScheduleState implements storage.ScheduleStore.
func (b *Backend) SaveScheduleState(ctx context.Context, state *model.ScheduleState) error {
	inputsJSON, _ := json.Marshal(state.Inputs)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_states (name, workflow_name, cron, interval_ms, inputs, enabled, timezone,
			last_fire_at, next_fire_at, run_count, error_count, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (name) DO UPDATE SET enabled=$6, last_fire_at=$8, next_fire_at=$9,
			run_count=$10, error_count=$11, updated_at=NOW()`,
		state.Name, state.WorkflowName, state.Cron, state.IntervalMS, inputsJSON, state.Enabled, state.Timezone,
		state.LastFireAt, state.NextFireAt, state.RunCount, state.ErrorCount)
	return err
}

// GetScheduleState implements storage.ScheduleStore.
func (b *Backend) GetScheduleState(ctx context.Context, name string) (*model.ScheduleState, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT name, workflow_name, cron, interval_ms, inputs, enabled, timezone,
			last_fire_at, next_fire_at, run_count, error_count, updated_at
		FROM schedule_states WHERE name = $1`, name)
	return scanSchedule(row)
}

func scanSchedule(row *sql.Row) (*model.ScheduleState, error) {
	var s model.ScheduleState
	var inputsJSON []byte
	var cron, tz sql.NullString
	var intervalMS sql.NullInt64
	err := row.Scan(&s.Name, &s.WorkflowName, &cron, &intervalMS, &inputsJSON, &s.Enabled, &tz,
		&s.LastFireAt, &s.NextFireAt, &s.RunCount, &s.ErrorCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule state not found: %s", s.Name)
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
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM schedule_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
	_, err := b.db.ExecContext(ctx, `DELETE FROM schedule_states WHERE name = $1`, name)
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
