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

// Package leader provides leader election for fleet deployments, so only
// one worker runs singleton duties: the recovery sweeper (spec §4.7) and
// the cron/interval scheduler (spec §4.8).
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Elector reports and maintains leadership, notifying subscribers on
// change so they can start/stop singleton loops.
type Elector interface {
	Start(ctx context.Context)
	Stop()
	IsLeader() bool
	OnLeadershipChange(callback func(isLeader bool))
}

// AdvisoryLockID is the Postgres advisory lock ID used for leader election.
// Unique across applications sharing the database.
const AdvisoryLockID int64 = 0x6475726162666C77 // "durabflw" in hex (truncated)

// PostgresElector manages leader election using PostgreSQL advisory locks.
// Fleet deployments with a shared Postgres storage backend use this so the
// sweeper and scheduler run on exactly one instance at a time.
type PostgresElector struct {
	db         *sql.DB
	instanceID string
	isLeader   bool
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	callbacks  []func(isLeader bool)
	logger     *slog.Logger
}

var _ Elector = (*PostgresElector)(nil)

// Config contains leader election configuration.
type Config struct {
	DB            *sql.DB
	InstanceID    string
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// NewPostgresElector creates a new advisory-lock-backed elector.
func NewPostgresElector(cfg Config) *PostgresElector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresElector{
		db:         cfg.DB,
		instanceID: cfg.InstanceID,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("instance_id", cfg.InstanceID)),
	}
}

// Start begins the leader election loop.
func (e *PostgresElector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop stops the election loop and releases leadership if held.
func (e *PostgresElector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this instance currently holds leadership.
func (e *PostgresElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback invoked whenever leadership flips.
func (e *PostgresElector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *PostgresElector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	e.tryAcquireLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			e.releaseLeadership(ctx)
			return
		case <-e.stopCh:
			e.releaseLeadership(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
			} else if !e.verifyLeadership(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *PostgresElector) tryAcquireLeadership(ctx context.Context) {
	var acquired bool
	err := e.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired)
	if err != nil {
		e.logger.Error("failed to acquire leadership", slog.Any("error", err))
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *PostgresElector) verifyLeadership(ctx context.Context) bool {
	var holding bool
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, AdvisoryLockID).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", slog.Any("error", err))
		return false
	}
	return holding
}

func (e *PostgresElector) releaseLeadership(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

func (e *PostgresElector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status describes current leadership. The /health handler does not
// include it.
type Status struct {
	InstanceID string    `json:"instance_id"`
	IsLeader   bool      `json:"is_leader"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// Status returns the current leadership status.
func (e *PostgresElector) Status() Status {
	return Status{InstanceID: e.instanceID, IsLeader: e.IsLeader()}
}

// AlwaysLeader is a no-op Elector for single-instance deployments (memory
// or unshared sqlite backends), where there is no fleet to coordinate with.
type AlwaysLeader struct {
	instanceID string
}

var _ Elector = (*AlwaysLeader)(nil)

// NewAlwaysLeader returns an Elector that is permanently the leader.
func NewAlwaysLeader(instanceID string) *AlwaysLeader {
	return &AlwaysLeader{instanceID: instanceID}
}

func (a *AlwaysLeader) Start(ctx context.Context) {}
func (a *AlwaysLeader) Stop()                     {}
func (a *AlwaysLeader) IsLeader() bool            { return true }

func (a *AlwaysLeader) OnLeadershipChange(callback func(isLeader bool)) {
	callback(true)
}

// Status returns the current leadership status.
func (a *AlwaysLeader) Status() Status {
	return Status{InstanceID: a.instanceID, IsLeader: true}
}
