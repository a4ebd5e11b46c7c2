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

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/observability"
	"github.com/durableflow/engine/internal/replay"
)

// handleWorkflowTick implements the five-step tick lifecycle of spec.md
// §4.2: claim, load, replay, classify, commit. The broker message is only
// considered handled once every event and status transition below is
// durably committed; a crash mid-tick leaves the run claimed until the
// lease expires, at which point the recovery sweeper re-enqueues it.
func (d *Dispatcher) handleWorkflowTick(ctx context.Context, runID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.tick", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ok, err := d.store.ClaimRun(ctx, runID, d.cfg.WorkerID, d.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if releaseErr := d.store.ReleaseClaim(ctx, runID, d.cfg.WorkerID); releaseErr != nil {
			d.logger.Warn("release claim failed", slog.String("run_id", runID), slog.Any("error", releaseErr))
		}
	}()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	span.SetAttributes(attribute.String("workflow_name", run.WorkflowName), attribute.String("run_status", string(run.Status)))
	if run.Status.Terminal() {
		return nil
	}

	events, err := d.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	if run.Status == model.RunPending {
		startedAt := d.clock.Now()
		if err := d.store.UpdateRunStatus(ctx, runID, model.RunPending, model.RunRunning, func(r *model.Run) {
			r.StartedAt = &startedAt
		}); err != nil {
			return fmt.Errorf("transition to running: %w", err)
		}
		run.Status = model.RunRunning
		run.StartedAt = &startedAt
	}

	cancellationRequested := hasCancellationRequest(events)

	outcome, err := d.replayer.Tick(ctx, run, events, cancellationRequested)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}

	nextSeq := int64(len(events))
	for _, ev := range outcome.NewEvents {
		ev.RunID = runID
		ev.Timestamp = d.clock.Now()
		if _, err := d.store.AppendEvent(ctx, runID, nextSeq, ev); err != nil {
			return fmt.Errorf("append event %s: %w", ev.Type, err)
		}
		nextSeq++
	}

	if err := d.scheduleNewChildren(ctx, run, outcome.NewEvents); err != nil {
		return fmt.Errorf("schedule child workflows: %w", err)
	}
	if err := d.scheduleNewHooks(ctx, runID, outcome.NewEvents); err != nil {
		return fmt.Errorf("schedule hooks: %w", err)
	}

	switch outcome.Kind {
	case replay.OutcomeCompleted:
		if err := d.commitTerminal(ctx, run, model.EventWorkflowCompleted, model.RunCompleted, nextSeq, func(r *model.Run) {
			r.Result = outcome.Result
		}); err != nil {
			return err
		}
		return d.notifyParentOfChildTerminal(ctx, run, model.EventChildCompleted, map[string]any{"result": outcome.Result})

	case replay.OutcomeFailed:
		if err := d.commitTerminal(ctx, run, model.EventWorkflowFailed, model.RunFailed, nextSeq, func(r *model.Run) {
			r.Error = outcome.Err
		}); err != nil {
			return err
		}
		return d.notifyParentOfChildTerminal(ctx, run, model.EventChildFailed, map[string]any{"error": outcome.Err})

	case replay.OutcomeCancelled:
		seq, err := d.disposeOutstandingHooks(ctx, runID, events, nextSeq)
		if err != nil {
			return fmt.Errorf("dispose outstanding hooks: %w", err)
		}
		if err := d.commitTerminal(ctx, run, model.EventWorkflowCancelled, model.RunCancelled, seq, func(r *model.Run) {
			r.Error = outcome.Err
		}); err != nil {
			return err
		}
		return d.notifyParentOfChildTerminal(ctx, run, model.EventChildCancelled, map[string]any{"error": outcome.Err})

	case replay.OutcomeSuspended:
		if run.Status != model.RunSuspended {
			if err := d.store.UpdateRunStatus(ctx, runID, model.RunRunning, model.RunSuspended, func(*model.Run) {}); err != nil {
				return fmt.Errorf("transition to suspended: %w", err)
			}
		}
		if outcome.WakeAt != nil {
			return d.enqueueTick(ctx, runID, *outcome.WakeAt)
		}
		return nil

	case replay.OutcomeNeedsStep:
		if run.Status != model.RunRunning {
			if err := d.store.UpdateRunStatus(ctx, runID, run.Status, model.RunRunning, func(*model.Run) {}); err != nil {
				return fmt.Errorf("transition to running: %w", err)
			}
		}
		return d.scheduleNewSteps(ctx, runID, outcome.NewEvents)

	case replay.OutcomeContinuedAsNew:
		return d.commitContinueAsNew(ctx, run, outcome)

	default:
		return fmt.Errorf("dispatcher: unhandled outcome kind %q", outcome.Kind)
	}
}

// commitTerminal appends the classifying event for a terminal outcome and
// transitions run status to it, all CAS-guarded.
func (d *Dispatcher) commitTerminal(ctx context.Context, run *model.Run, evType model.EventType, to model.RunStatus, nextSeq int64, mutate func(*model.Run)) error {
	completedAt := d.clock.Now()
	ev := &model.Event{RunID: run.ID, Type: evType, Timestamp: completedAt, Data: map[string]any{"call_index": -1}}
	if _, err := d.store.AppendEvent(ctx, run.ID, nextSeq, ev); err != nil {
		return fmt.Errorf("append terminal event: %w", err)
	}
	from := run.Status
	if from == model.RunPending {
		from = model.RunRunning
	}
	err := d.store.UpdateRunStatus(ctx, run.ID, from, to, func(r *model.Run) {
		r.CompletedAt = &completedAt
		mutate(r)
	})
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	return nil
}

// scheduleNewSteps creates a Step record and enqueues a step task for every
// step.started event this tick produced, reading call_index back off the
// event so the deterministic step_id matches what replay will look up next
// tick (spec.md §4.3 encounter-order correlation).
func (d *Dispatcher) scheduleNewSteps(ctx context.Context, runID string, newEvents []*model.Event) error {
	now := d.clock.Now()
	for _, ev := range newEvents {
		if ev.Type != model.EventStepStarted {
			continue
		}
		name, _ := ev.Data["step_name"].(string)
		ci := model.CallIndexOf(ev.Data)
		maxRetries, _ := ev.Data["max_retries"].(int)
		retryDelayMS, _ := ev.Data["retry_delay_ms"].(int64)

		stepID := model.StepID(runID, name, ci)
		step := &model.Step{
			ID:           stepID,
			RunID:        runID,
			StepName:     name,
			CallIndex:    ci,
			Status:       model.StepPending,
			MaxRetries:   maxRetries,
			RetryDelayMS: retryDelayMS,
			CreatedAt:    now,
		}
		if err := d.store.UpsertStep(ctx, step); err != nil {
			return fmt.Errorf("upsert step %s: %w", stepID, err)
		}
		if err := d.enqueueStep(ctx, runID, stepID, time.Time{}); err != nil {
			return fmt.Errorf("enqueue step %s: %w", stepID, err)
		}
	}
	return nil
}

// scheduleNewChildren creates the run record for every child_workflow.started
// event this tick produced and kicks off its first tick. The child's run_id
// was already embedded in the event by the replay resolver
// (model.ChildRunID), so this is safe to call even if a retry of this same
// tick already created it: a child whose run_id GetRun already finds is
// skipped, since CreateRun rejects a duplicate ID.
func (d *Dispatcher) scheduleNewChildren(ctx context.Context, parent *model.Run, newEvents []*model.Event) error {
	for _, ev := range newEvents {
		if ev.Type != model.EventChildStarted {
			continue
		}
		childRunID, _ := ev.Data["child_run_id"].(string)
		workflowName, _ := ev.Data["workflow_name"].(string)
		args, _ := ev.Data["args"].([]any)
		kwargs, _ := ev.Data["kwargs"].(map[string]any)

		existing, err := d.store.GetRun(ctx, childRunID)
		if err == nil && existing != nil {
			continue
		}

		child := &model.Run{
			ID:                  childRunID,
			WorkflowName:        workflowName,
			Status:              model.RunPending,
			InputArgs:           args,
			InputKwargs:         kwargs,
			CreatedAt:           d.clock.Now(),
			ParentRunID:         parent.ID,
			NestingDepth:        parent.NestingDepth + 1,
			MaxRecoveryAttempts: parent.MaxRecoveryAttempts,
		}
		if _, _, err := d.store.CreateRun(ctx, child); err != nil {
			return fmt.Errorf("create child run %s: %w", childRunID, err)
		}
		if err := d.enqueueTick(ctx, childRunID, time.Time{}); err != nil {
			return fmt.Errorf("enqueue child tick %s: %w", childRunID, err)
		}
	}
	return nil
}

// notifyParentOfChildTerminal mirrors a child run's terminal outcome onto
// its parent's event log as child_workflow.completed/failed/cancelled
// (spec.md §3.2's child-workflow handle) and re-ticks the parent so a
// resolver blocked in StartChildWorkflow with wait=true observes it on
// next replay. A run with no ParentRunID (not a child) is a no-op.
func (d *Dispatcher) notifyParentOfChildTerminal(ctx context.Context, child *model.Run, evType model.EventType, data map[string]any) error {
	if child.ParentRunID == "" {
		return nil
	}

	parentEvents, err := d.store.ReadEvents(ctx, child.ParentRunID, 0)
	if err != nil {
		return fmt.Errorf("read parent events: %w", err)
	}

	ci := -1
	for _, ev := range parentEvents {
		if ev.Type != model.EventChildStarted {
			continue
		}
		if childRunID, _ := ev.Data["child_run_id"].(string); childRunID == child.ID {
			ci = model.CallIndexOf(ev.Data)
			break
		}
	}
	if ci < 0 {
		// The parent's own child_workflow.started event is missing (should
		// not happen outside of corrupted state); nothing to correlate
		// against.
		return nil
	}

	data["call_index"] = ci
	ev := &model.Event{RunID: child.ParentRunID, Type: evType, Timestamp: d.clock.Now(), Data: data}
	if _, err := d.store.AppendEvent(ctx, child.ParentRunID, int64(len(parentEvents)), ev); err != nil {
		return fmt.Errorf("append child terminal event to parent %s: %w", child.ParentRunID, err)
	}
	return d.enqueueTick(ctx, child.ParentRunID, time.Time{})
}

// scheduleNewHooks persists a Hook record for every hook.created event this
// tick produced, and — when the hook declares an expiry — registers a
// scheduled wake so the recovery sweeper can CAS it to EXPIRED when it comes
// due (spec.md §4.6).
func (d *Dispatcher) scheduleNewHooks(ctx context.Context, runID string, newEvents []*model.Event) error {
	now := d.clock.Now()
	for _, ev := range newEvents {
		if ev.Type != model.EventHookCreated {
			continue
		}
		name, _ := ev.Data["name"].(string)
		ci := model.CallIndexOf(ev.Data)
		schema, _ := ev.Data["schema"].(map[string]any)

		hookID := model.HookID(runID, name, ci)
		hook := &model.Hook{
			ID:        hookID,
			RunID:     runID,
			Name:      name,
			CallIndex: ci,
			Schema:    schema,
			Status:    model.HookPending,
			CreatedAt: now,
		}
		if expiresAt, ok := ev.Data["expires_at"].(time.Time); ok {
			hook.ExpiresAt = &expiresAt
		}
		if err := d.store.UpsertHook(ctx, hook); err != nil {
			return fmt.Errorf("upsert hook %s: %w", hookID, err)
		}
		if hook.ExpiresAt != nil {
			wake := &model.ScheduledWake{
				ID:      hookID + ":expiry",
				RunID:   runID,
				WakeAt:  *hook.ExpiresAt,
				Kind:    model.WakeHookExpiry,
				Payload: map[string]any{"hook_id": hookID},
			}
			if err := d.store.ScheduleWake(ctx, wake); err != nil {
				return fmt.Errorf("schedule hook expiry wake %s: %w", hookID, err)
			}
		}
	}
	return nil
}

// commitContinueAsNew finalizes run as COMPLETED pointing at a successor,
// then creates and kicks off the successor run in the same logical chain
// (spec.md §4.3 continue_as_new).
func (d *Dispatcher) commitContinueAsNew(ctx context.Context, run *model.Run, outcome replay.Outcome) error {
	successorID := uuid.NewString()
	completedAt := d.clock.Now()

	from := run.Status
	if from == model.RunPending {
		from = model.RunRunning
	}
	err := d.store.UpdateRunStatus(ctx, run.ID, from, model.RunCompleted, func(r *model.Run) {
		r.CompletedAt = &completedAt
		r.SuccessorRunID = successorID
	})
	if err != nil {
		return fmt.Errorf("finalize predecessor run: %w", err)
	}

	successor := &model.Run{
		ID:                  successorID,
		WorkflowName:        run.WorkflowName,
		Status:              model.RunPending,
		InputArgs:           outcome.ContinueAsNewArgs,
		InputKwargs:         outcome.ContinueAsNewKwargs,
		CreatedAt:           d.clock.Now(),
		ParentRunID:         run.ParentRunID,
		NestingDepth:        run.NestingDepth,
		MaxRecoveryAttempts: run.MaxRecoveryAttempts,
		MaxDurationMS:       run.MaxDurationMS,
		Metadata:            run.Metadata,
		Tags:                run.Tags,
	}
	if _, _, err := d.store.CreateRun(ctx, successor); err != nil {
		return fmt.Errorf("create successor run: %w", err)
	}
	return d.enqueueTick(ctx, successorID, time.Time{})
}

// disposeOutstandingHooks transitions every hook this run created but never
// resolved (no hook.received/expired/disposed yet) from PENDING to
// DISPOSED, per spec.md §8.4 S5: a cancelled run must not leave awaitable
// hooks open behind it. Returns the next free sequence number after any
// hook.disposed events it appended.
func (d *Dispatcher) disposeOutstandingHooks(ctx context.Context, runID string, events []*model.Event, nextSeq int64) (int64, error) {
	created := map[int]*model.Event{}
	resolved := map[int]bool{}
	for _, ev := range events {
		ci := model.CallIndexOf(ev.Data)
		switch ev.Type {
		case model.EventHookCreated:
			created[ci] = ev
		case model.EventHookReceived, model.EventHookExpired, model.EventHookDisposed:
			resolved[ci] = true
		}
	}

	for ci, ev := range created {
		if resolved[ci] {
			continue
		}
		name, _ := ev.Data["name"].(string)
		hookID := model.HookID(runID, name, ci)

		ok, err := d.store.TransitionHook(ctx, hookID, model.HookDisposed, nil)
		if err != nil {
			return nextSeq, fmt.Errorf("transition hook %s: %w", hookID, err)
		}
		if !ok {
			continue
		}
		if err := d.store.CancelWake(ctx, hookID+":expiry"); err != nil {
			return nextSeq, fmt.Errorf("cancel expiry wake for hook %s: %w", hookID, err)
		}

		disposed := &model.Event{
			RunID:     runID,
			Type:      model.EventHookDisposed,
			Timestamp: d.clock.Now(),
			Data:      map[string]any{"call_index": ci, "name": name},
		}
		if _, err := d.store.AppendEvent(ctx, runID, nextSeq, disposed); err != nil {
			return nextSeq, fmt.Errorf("append hook.disposed: %w", err)
		}
		nextSeq++
	}
	return nextSeq, nil
}

func hasCancellationRequest(events []*model.Event) bool {
	for _, ev := range events {
		if ev.Type == model.EventCancellationRequested {
			return true
		}
	}
	return false
}
