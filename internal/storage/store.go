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

// Package storage defines the storage contract required to make the
// execution engine crash-safe (spec.md §4.5). The contract is segregated
// into small interfaces so a minimal backend can implement just the pieces
// it needs; Store composes all of them for full-featured backends.
package storage

import (
	"context"
	"encoding/base64"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/durableflow/engine/internal/model"
)

// RunFilter narrows ListRuns for observability queries (not on the hot path).
type RunFilter struct {
	WorkflowName string
	Status       model.RunStatus
	StartTime    *time.Time
	EndTime      *time.Time
	Cursor       string
	Limit        int
}

// RunPage is one page of a ListRuns query.
type RunPage struct {
	Runs       []*model.Run
	NextCursor string
}

// EncodeCursor opaquely encodes the position of a run seen last in a page
// (ListRuns orders by created_at descending), so the next page can resume
// immediately after it regardless of backend.
func EncodeCursor(createdAt time.Time, runID string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + runID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. A malformed cursor decodes to the
// zero time and empty ID, which callers treat as "start from the beginning"
// rather than erroring — a stale or tampered cursor degrades gracefully.
func DecodeCursor(cursor string) (createdAt time.Time, runID string) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, ""
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, ""
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, ""
	}
	return time.Unix(0, nanos), parts[1]
}

// CursorLess reports whether a run sorts strictly after the cursor position
// in created_at-descending order — i.e. whether it belongs on the next
// page. Ties on created_at break on ID so pages never skip or repeat a run.
// The in-memory backend filters with this directly; sqlite/postgres
// translate the same rule into a WHERE clause instead.
func CursorLess(createdAt time.Time, runID string, cursorAt time.Time, cursorID string) bool {
	if createdAt.Equal(cursorAt) {
		return runID < cursorID
	}
	return createdAt.Before(cursorAt)
}

// RunStore is the minimal contract for run lifecycle persistence.
type RunStore interface {
	// CreateRun inserts run, enforcing the unique (workflow_name,
	// idempotency_key) index when run.IdempotencyKey is set. If a run
	// already exists under that key, CreateRun returns the existing run
	// and created=false (no other state is changed) instead of an error.
	CreateRun(ctx context.Context, run *model.Run) (existing *model.Run, created bool, err error)

	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// UpdateRunStatus performs a CAS transition from→to. If the run's
	// current status is not from, the reference backends return a plain
	// error whose message starts with "conflict:"; it is not an
	// engine.ConflictError.
	UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, mutate func(*model.Run)) error
}

// RunLister is an optional capability for paginated listing (spec §6.1,
// §6.4). Not required for the hot execution path.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) (RunPage, error)
}

// EventStore is the append-only, monotonic event log contract.
type EventStore interface {
	// AppendEvent appends ev with a CAS on expectedNextSequence: if the
	// run's next sequence isn't expectedNextSequence, the reference
	// backends return a plain error whose message starts with "conflict:"
	// (not an engine.ConflictError) and the caller must re-read and retry.
	AppendEvent(ctx context.Context, runID string, expectedNextSequence int64, ev *model.Event) (*model.Event, error)

	// ReadEvents returns the ordered event log for runID starting at
	// fromSequence (inclusive); fromSequence=0 reads from the beginning.
	ReadEvents(ctx context.Context, runID string, fromSequence int64) ([]*model.Event, error)
}

// ClaimStore manages the exclusive, time-bounded lease on a run (spec §3.2,
// §4.5). A claim is a lease, not a mutex: it tolerates worker death by
// expiring.
type ClaimStore interface {
	// ClaimRun attempts to acquire an exclusive lease on runID for ttl.
	// Returns ok=false if another non-expired claim is held.
	ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) (ok bool, err error)

	// RenewClaim extends the TTL of a claim currently held by workerID.
	// Returns ok=false if the caller no longer holds the claim.
	RenewClaim(ctx context.Context, runID, workerID string, ttl time.Duration) (ok bool, err error)

	// ReleaseClaim releases a claim held by workerID. Releasing a claim
	// that has already expired or been reassigned is a no-op.
	ReleaseClaim(ctx context.Context, runID, workerID string) error

	// ListExpiredClaims returns run IDs whose claim TTL has elapsed while
	// the run is not terminal, for the recovery sweeper (spec §4.7).
	ListExpiredClaims(ctx context.Context, now time.Time) ([]string, error)
}

// StepStore indexes step records by their deterministic step_id.
type StepStore interface {
	UpsertStep(ctx context.Context, step *model.Step) error
	GetStep(ctx context.Context, stepID string) (*model.Step, error)
	ListSteps(ctx context.Context, runID string) ([]*model.Step, error)

	// ClaimStep is the step-task analogue of ClaimRun: step tasks may run
	// concurrently across runs, but at most one worker executes a given
	// step_id at a time.
	ClaimStep(ctx context.Context, stepID, workerID string, ttl time.Duration) (ok bool, err error)
	RenewStepClaim(ctx context.Context, stepID, workerID string, ttl time.Duration) (ok bool, err error)
	ReleaseStepClaim(ctx context.Context, stepID, workerID string) error
	ListExpiredStepClaims(ctx context.Context, now time.Time) ([]string, error)
}

// HookStore indexes hook records and implements the single-writer CAS on
// PENDING→RECEIVED|EXPIRED|DISPOSED (spec §3.1, §3.2).
type HookStore interface {
	UpsertHook(ctx context.Context, hook *model.Hook) error
	GetHook(ctx context.Context, hookID string) (*model.Hook, error)
	FindHookByName(ctx context.Context, runID, name string) (*model.Hook, error)

	// TransitionHook performs a CAS from PENDING to `to`, optionally
	// setting payload. Returns ok=false if the hook was not PENDING.
	TransitionHook(ctx context.Context, hookID string, to model.HookStatus, payload map[string]any) (ok bool, err error)
}

// WakeStore is the persistent timer index used when the broker lacks a
// native delayed-delivery primitive (spec §4.4, §4.6).
type WakeStore interface {
	ScheduleWake(ctx context.Context, wake *model.ScheduledWake) error
	PopDueWakes(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledWake, error)
	CancelWake(ctx context.Context, wakeID string) error
}

// ScheduleStore persists cron/interval schedule trigger state (spec §4.8).
type ScheduleStore interface {
	SaveScheduleState(ctx context.Context, state *model.ScheduleState) error
	GetScheduleState(ctx context.Context, name string) (*model.ScheduleState, error)
	ListScheduleStates(ctx context.Context) ([]*model.ScheduleState, error)
	DeleteScheduleState(ctx context.Context, name string) error
}

// Store is the full contract composed of every segregated interface, plus
// io.Closer for lifecycle management and Ping for health reporting. All
// three reference backends (memory, sqlite, postgres) implement Store.
type Store interface {
	RunStore
	RunLister
	EventStore
	ClaimStore
	StepStore
	HookStore
	WakeStore
	ScheduleStore
	io.Closer

	// Ping reports whether the backend is reachable, backing GET /health's
	// storage_healthy field (spec §6.1).
	Ping(ctx context.Context) error
}
