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

// Package memory provides an in-memory storage.Store implementation, used
// by tests and single-process deployments without a durability requirement.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
)

// Compile-time interface assertion.
var _ storage.Store = (*Backend)(nil)

type claim struct {
	workerID  string
	expiresAt time.Time
}

// Backend is an in-memory storage backend. Safe for concurrent use.
type Backend struct {
	mu sync.RWMutex

	runs       map[string]*model.Run
	idemIndex  map[string]string // (workflow_name, idempotency_key) -> run_id
	events     map[string][]*model.Event
	runClaims  map[string]claim
	steps      map[string]*model.Step
	stepClaims map[string]claim
	hooks      map[string]*model.Hook
	hooksByName map[string]string // (run_id, name) -> hook_id
	wakes      map[string]*model.ScheduledWake
	schedules  map[string]*model.ScheduleState
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*model.Run),
		idemIndex:   make(map[string]string),
		events:      make(map[string][]*model.Event),
		runClaims:   make(map[string]claim),
		steps:       make(map[string]*model.Step),
		stepClaims:  make(map[string]claim),
		hooks:       make(map[string]*model.Hook),
		hooksByName: make(map[string]string),
		wakes:       make(map[string]*model.ScheduledWake),
		schedules:   make(map[string]*model.ScheduleState),
	}
}

func idemKey(workflowName, key string) string { return workflowName + "\x00" + key }

// CreateRun implements storage.RunStore.
func (b *Backend) CreateRun(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if run.IdempotencyKey != "" {
		ik := idemKey(run.WorkflowName, run.IdempotencyKey)
		if existingID, ok := b.idemIndex[ik]; ok {
			return b.runs[existingID], false, nil
		}
		b.idemIndex[ik] = run.ID
	}

	if _, exists := b.runs[run.ID]; exists {
		return nil, false, fmt.Errorf("run already exists: %s", run.ID)
	}

	cp := *run
	b.runs[run.ID] = &cp
	return nil, true, nil
}

// GetRun implements storage.RunStore.
func (b *Backend) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	cp := *run
	return &cp, nil
}

// UpdateRunStatus implements storage.RunStore.
func (b *Backend) UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, mutate func(*model.Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.Status != from {
		return fmt.Errorf("conflict: run %s status is %s, expected %s", runID, run.Status, from)
	}
	run.Status = to
	if mutate != nil {
		mutate(run)
	}
	return nil
}

// ListRuns implements storage.RunLister.
func (b *Backend) ListRuns(ctx context.Context, filter storage.RunFilter) (storage.RunPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var cursorAt time.Time
	var cursorID string
	if filter.Cursor != "" {
		cursorAt, cursorID = storage.DecodeCursor(filter.Cursor)
	}

	var result []*model.Run
	for _, run := range b.runs {
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.StartTime != nil && run.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && run.CreatedAt.After(*filter.EndTime) {
			continue
		}
		if filter.Cursor != "" && !storage.CursorLess(run.CreatedAt, run.ID, cursorAt, cursorID) {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}
	// Newest first, ties broken by ID descending so it's the exact reverse
	// of CursorLess's ordering and a cursor never skips or repeats a run.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	page := storage.RunPage{}
	if filter.Limit > 0 && len(result) > filter.Limit {
		page.Runs = result[:filter.Limit]
		last := page.Runs[len(page.Runs)-1]
		page.NextCursor = storage.EncodeCursor(last.CreatedAt, last.ID)
	} else {
		page.Runs = result
	}
	return page, nil
}

// AppendEvent implements storage.EventStore.
func (b *Backend) AppendEvent(ctx context.Context, runID string, expectedNextSequence int64, ev *model.Event) (*model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.events[runID]
	nextSeq := int64(len(log))
	if expectedNextSequence != nextSeq {
		return nil, fmt.Errorf("conflict: run %s next sequence is %d, expected %d", runID, nextSeq, expectedNextSequence)
	}

	cp := *ev
	cp.RunID = runID
	cp.Sequence = nextSeq
	b.events[runID] = append(log, &cp)
	return &cp, nil
}

// ReadEvents implements storage.EventStore.
func (b *Backend) ReadEvents(ctx context.Context, runID string, fromSequence int64) ([]*model.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log := b.events[runID]
	var result []*model.Event
	for _, ev := range log {
		if ev.Sequence >= fromSequence {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}

// ClaimRun implements storage.ClaimStore.
func (b *Backend) ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return claimLocked(b.runClaims, runID, workerID, ttl), nil
}

// RenewClaim implements storage.ClaimStore.
func (b *Backend) RenewClaim(ctx context.Context, runID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return renewLocked(b.runClaims, runID, workerID, ttl), nil
}

// ReleaseClaim implements storage.ClaimStore.
func (b *Backend) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	releaseLocked(b.runClaims, runID, workerID)
	return nil
}

// ListExpiredClaims implements storage.ClaimStore.
func (b *Backend) ListExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for runID, c := range b.runClaims {
		if now.After(c.expiresAt) {
			if run, ok := b.runs[runID]; ok && !run.Status.Terminal() {
				ids = append(ids, runID)
			}
		}
	}
	return ids, nil
}

// UpsertStep implements storage.StepStore.
func (b *Backend) UpsertStep(ctx context.Context, step *model.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *step
	b.steps[step.ID] = &cp
	return nil
}

// GetStep implements storage.StepStore.
func (b *Backend) GetStep(ctx context.Context, stepID string) (*model.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	step, ok := b.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step not found: %s", stepID)
	}
	cp := *step
	return &cp, nil
}

// ListSteps implements storage.StepStore.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []*model.Step
	for _, s := range b.steps {
		if s.RunID == runID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CallIndex < result[j].CallIndex })
	return result, nil
}

// ClaimStep implements storage.StepStore.
func (b *Backend) ClaimStep(ctx context.Context, stepID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return claimLocked(b.stepClaims, stepID, workerID, ttl), nil
}

// RenewStepClaim implements storage.StepStore.
func (b *Backend) RenewStepClaim(ctx context.Context, stepID, workerID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return renewLocked(b.stepClaims, stepID, workerID, ttl), nil
}

// ReleaseStepClaim implements storage.StepStore.
func (b *Backend) ReleaseStepClaim(ctx context.Context, stepID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	releaseLocked(b.stepClaims, stepID, workerID)
	return nil
}

// ListExpiredStepClaims implements storage.StepStore.
func (b *Backend) ListExpiredStepClaims(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for stepID, c := range b.stepClaims {
		if now.After(c.expiresAt) {
			if step, ok := b.steps[stepID]; ok && step.Status != model.StepCompleted && step.Status != model.StepFailed {
				ids = append(ids, stepID)
			}
		}
	}
	return ids, nil
}

// UpsertHook implements storage.HookStore.
func (b *Backend) UpsertHook(ctx context.Context, hook *model.Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *hook
	b.hooks[hook.ID] = &cp
	b.hooksByName[hook.RunID+"\x00"+hook.Name] = hook.ID
	return nil
}

// GetHook implements storage.HookStore.
func (b *Backend) GetHook(ctx context.Context, hookID string) (*model.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hook, ok := b.hooks[hookID]
	if !ok {
		return nil, fmt.Errorf("hook not found: %s", hookID)
	}
	cp := *hook
	return &cp, nil
}

// FindHookByName implements storage.HookStore.
func (b *Backend) FindHookByName(ctx context.Context, runID, name string) (*model.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hookID, ok := b.hooksByName[runID+"\x00"+name]
	if !ok {
		return nil, fmt.Errorf("hook not found: %s/%s", runID, name)
	}
	cp := *b.hooks[hookID]
	return &cp, nil
}

// TransitionHook implements storage.HookStore.
func (b *Backend) TransitionHook(ctx context.Context, hookID string, to model.HookStatus, payload map[string]any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hook, ok := b.hooks[hookID]
	if !ok {
		return false, fmt.Errorf("hook not found: %s", hookID)
	}
	if hook.Status != model.HookPending {
		return false, nil
	}
	hook.Status = to
	if payload != nil {
		hook.Payload = payload
	}
	return true, nil
}

// ScheduleWake implements storage.WakeStore.
func (b *Backend) ScheduleWake(ctx context.Context, wake *model.ScheduledWake) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *wake
	b.wakes[wake.ID] = &cp
	return nil
}

// PopDueWakes implements storage.WakeStore.
func (b *Backend) PopDueWakes(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledWake, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*model.ScheduledWake
	for id, w := range b.wakes {
		if !now.Before(w.WakeAt) {
			cp := *w
			due = append(due, &cp)
			delete(b.wakes, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].WakeAt.Before(due[j].WakeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CancelWake implements storage.WakeStore.
func (b *Backend) CancelWake(ctx context.Context, wakeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.wakes, wakeID)
	return nil
}

// SaveScheduleState implements storage.ScheduleStore.
func (b *Backend) SaveScheduleState(ctx context.Context, state *model.ScheduleState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *state
	b.schedules[state.Name] = &cp
	return nil
}

// GetScheduleState implements storage.ScheduleStore.
func (b *Backend) GetScheduleState(ctx context.Context, name string) (*model.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.schedules[name]
	if !ok {
		return nil, fmt.Errorf("schedule state not found: %s", name)
	}
	cp := *state
	return &cp, nil
}

// ListScheduleStates implements storage.ScheduleStore.
func (b *Backend) ListScheduleStates(ctx context.Context) ([]*model.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]*model.ScheduleState, 0, len(b.schedules))
	for _, s := range b.schedules {
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

// DeleteScheduleState implements storage.ScheduleStore.
func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.schedules, name)
	return nil
}

// Ping implements storage.Store.
func (b *Backend) Ping(ctx context.Context) error { return nil }

// Close implements storage.Store.
func (b *Backend) Close() error { return nil }

func claimLocked(m map[string]claim, id, workerID string, ttl time.Duration) bool {
	now := time.Now()
	if existing, ok := m[id]; ok && now.Before(existing.expiresAt) && existing.workerID != workerID {
		return false
	}
	m[id] = claim{workerID: workerID, expiresAt: now.Add(ttl)}
	return true
}

func renewLocked(m map[string]claim, id, workerID string, ttl time.Duration) bool {
	existing, ok := m[id]
	if !ok || existing.workerID != workerID {
		return false
	}
	m[id] = claim{workerID: workerID, expiresAt: time.Now().Add(ttl)}
	return true
}

func releaseLocked(m map[string]claim, id, workerID string) {
	if existing, ok := m[id]; ok && existing.workerID == workerID {
		delete(m, id)
	}
}
