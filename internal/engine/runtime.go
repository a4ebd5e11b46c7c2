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

// Package engine is the public surface of the execution engine (spec.md
// §4.1): start, cancel, signal_hook, resume. It owns no replay logic of its
// own — every operation here either creates/reads durable state or enqueues
// a task for the dispatcher (internal/dispatcher) to pick up, exactly like
// any other broker producer. This is the explicit, non-global "Runtime"
// context object the source's singleton registry is replaced by
// (SPEC_FULL.md §1.2): callers construct one and pass it around rather than
// reaching for package-level state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
	"github.com/durableflow/engine/pkg/workflow"
)

// Runtime composes the storage backend, broker, workflow registry and clock
// into the object every public operation is a method on.
type Runtime struct {
	Store    storage.Store
	Queue    broker.Queue
	Registry *workflow.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

// New constructs a Runtime. A nil clock defaults to the real wall clock; a
// nil logger defaults to slog.Default().
func New(store storage.Store, queue broker.Queue, registry *workflow.Registry, clk clock.Clock, logger *slog.Logger) *Runtime {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{Store: store, Queue: queue, Registry: registry, Clock: clk, Logger: logger.With(slog.String("component", "engine"))}
}

// StartOptions configures a Start call.
type StartOptions struct {
	IdempotencyKey string
	ParentRunID    string
	MaxDurationMS  int64
	Tags           []string
	Metadata       map[string]any
}

// Start creates a run, writes workflow.started, and enqueues its first
// workflow-tick. Calling Start twice with the same (workflow_name,
// idempotency_key) returns the original run_id and makes no other changes
// (spec.md §4.1, §8.1 "Idempotency").
func (r *Runtime) Start(ctx context.Context, workflowName string, args []any, kwargs map[string]any, opts StartOptions) (*model.Run, error) {
	if _, ok := r.Registry.Workflow(workflowName); !ok {
		return nil, &ValidationError{Err: fmt.Errorf("workflow %q is not registered", workflowName)}
	}

	now := r.Clock.Now()
	run := &model.Run{
		ID:                  uuid.NewString(),
		WorkflowName:        workflowName,
		Status:              model.RunPending,
		InputArgs:           args,
		InputKwargs:         kwargs,
		CreatedAt:           now,
		ParentRunID:         opts.ParentRunID,
		IdempotencyKey:      opts.IdempotencyKey,
		MaxRecoveryAttempts: 3,
		MaxDurationMS:       opts.MaxDurationMS,
		Metadata:            opts.Metadata,
		Tags:                opts.Tags,
	}

	existing, created, err := r.Store.CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return existing, nil
	}

	ev := &model.Event{
		RunID:     run.ID,
		Type:      model.EventWorkflowStarted,
		Timestamp: now,
		Data:      map[string]any{"call_index": -1, "workflow_name": workflowName, "args": args, "kwargs": kwargs},
	}
	if _, err := r.Store.AppendEvent(ctx, run.ID, 0, ev); err != nil {
		return nil, fmt.Errorf("append workflow.started: %w", err)
	}

	if err := r.enqueueTick(ctx, run.ID, time.Time{}); err != nil {
		return nil, fmt.Errorf("enqueue initial tick: %w", err)
	}
	return run, nil
}

// Cancel records a cancellation request against runID. Terminal runs are
// ignored. A SUSPENDED run is re-ticked immediately so the checkpoint fires
// without waiting on its existing wake source.
func (r *Runtime) Cancel(ctx context.Context, runID, reason string) error {
	run, err := r.Store.GetRun(ctx, runID)
	if err != nil {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}

	events, err := r.Store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, ev := range events {
		if ev.Type == model.EventCancellationRequested {
			// Already requested; a SUSPENDED run still benefits from an
			// immediate re-tick in case the request was never observed.
			if run.Status == model.RunSuspended {
				return r.enqueueTick(ctx, runID, time.Time{})
			}
			return nil
		}
	}

	ev := &model.Event{
		RunID:     runID,
		Type:      model.EventCancellationRequested,
		Timestamp: r.Clock.Now(),
		Data:      map[string]any{"call_index": -1, "reason": reason},
	}
	if _, err := r.Store.AppendEvent(ctx, runID, int64(len(events)), ev); err != nil {
		return fmt.Errorf("append cancellation.requested: %w", err)
	}

	if err := r.propagateToChildren(ctx, events); err != nil {
		return fmt.Errorf("propagate cancellation: %w", err)
	}
	return r.enqueueTick(ctx, runID, time.Time{})
}

// propagateToChildren applies each outstanding child's cancellation policy
// (spec.md §4.6): TERMINATE cancels it too, ABANDON and WAIT leave it
// running.
func (r *Runtime) propagateToChildren(ctx context.Context, events []*model.Event) error {
	terminal := map[int]bool{}
	for _, ev := range events {
		switch ev.Type {
		case model.EventChildCompleted, model.EventChildFailed, model.EventChildCancelled:
			terminal[model.CallIndexOf(ev.Data)] = true
		}
	}

	for _, ev := range events {
		if ev.Type != model.EventChildStarted {
			continue
		}
		ci := model.CallIndexOf(ev.Data)
		if terminal[ci] {
			continue
		}

		policy := model.ChildCancellationPolicy(fmt.Sprint(ev.Data["cancellation_policy"]))
		if policy == "" || policy == "<nil>" {
			policy = model.ChildTerminate
		}
		if policy != model.ChildTerminate {
			continue
		}

		childRunID, _ := ev.Data["child_run_id"].(string)
		if childRunID == "" {
			continue
		}
		if err := r.Cancel(ctx, childRunID, "parent cancelled"); err != nil {
			return fmt.Errorf("cancel child %s: %w", childRunID, err)
		}
	}
	return nil
}

// SignalHook delivers an external signal: a CAS from PENDING to RECEIVED on
// the named hook, followed by hook.received and a workflow-tick. Returns
// ErrHookNotFound if the hook doesn't exist, or ErrHookNotPending if it
// exists but has already been resolved (received/expired/disposed).
func (r *Runtime) SignalHook(ctx context.Context, runID, hookName string, payload map[string]any) error {
	hook, err := r.Store.FindHookByName(ctx, runID, hookName)
	if err != nil {
		return ErrHookNotFound
	}
	if hook == nil {
		return ErrHookNotFound
	}

	ok, err := r.Store.TransitionHook(ctx, hook.ID, model.HookReceived, payload)
	if err != nil {
		return fmt.Errorf("transition hook: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: hook %q is no longer pending", ErrHookNotPending, hookName)
	}

	events, err := r.Store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	ev := &model.Event{
		RunID:     runID,
		Type:      model.EventHookReceived,
		Timestamp: r.Clock.Now(),
		Data:      map[string]any{"call_index": hook.CallIndex, "name": hookName, "result": payload},
	}
	if _, err := r.Store.AppendEvent(ctx, runID, int64(len(events)), ev); err != nil {
		return fmt.Errorf("append hook.received: %w", err)
	}
	return r.enqueueTick(ctx, runID, time.Time{})
}

// Resume enqueues a workflow-tick if runID is SUSPENDED; intended for
// operator/CLI use (spec.md §4.1).
func (r *Runtime) Resume(ctx context.Context, runID string) error {
	run, err := r.Store.GetRun(ctx, runID)
	if err != nil {
		return ErrRunNotFound
	}
	if run.Status != model.RunSuspended {
		return nil
	}
	return r.enqueueTick(ctx, runID, time.Time{})
}

// ScheduleAdapter narrows a Runtime to the four-argument Start shape the
// schedule package's Starter interface expects (spec.md §4.8), so the
// scheduler doesn't need to know about args/StartOptions it never uses.
// Structural, not an embedding, so internal/schedule never has to import
// internal/engine's full surface to be satisfied by it.
type ScheduleAdapter struct {
	Runtime *Runtime
}

// Start implements schedule.Starter.
func (a ScheduleAdapter) Start(ctx context.Context, workflowName string, kwargs map[string]any, idempotencyKey string) (*model.Run, error) {
	return a.Runtime.Start(ctx, workflowName, nil, kwargs, StartOptions{IdempotencyKey: idempotencyKey})
}

func (r *Runtime) enqueueTick(ctx context.Context, runID string, notBefore time.Time) error {
	return r.Queue.Enqueue(ctx, &broker.Task{
		ID:        runID + ":tick:" + r.Clock.Now().String(),
		Class:     broker.TaskWorkflowTick,
		RunID:     runID,
		CreatedAt: r.Clock.Now(),
		NotBefore: notBefore,
	})
}
