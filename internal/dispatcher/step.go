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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/observability"
)

// handleStepTask runs one step invocation to completion and records its
// outcome, honoring the retry/fatal split of spec.md §7: a step, once
// started, runs to completion (success, retry, or fatal) before the
// workflow body is re-driven.
func (d *Dispatcher) handleStepTask(ctx context.Context, runID, stepID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.step",
		trace.WithAttributes(attribute.String("run_id", runID), attribute.String("step_id", stepID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ok, err := d.store.ClaimStep(ctx, stepID, d.cfg.WorkerID, d.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim step: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if releaseErr := d.store.ReleaseStepClaim(ctx, stepID, d.cfg.WorkerID); releaseErr != nil {
			d.logger.Warn("release step claim failed", slog.String("step_id", stepID), slog.Any("error", releaseErr))
		}
	}()

	step, err := d.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("get step: %w", err)
	}
	// At-most-once side effects (spec §8.1): a step already terminal has
	// nothing left to do. This guards against a redundant redelivery racing
	// a completion that already happened.
	if step.Status == model.StepCompleted || step.Status == model.StepFailed {
		return nil
	}

	span.SetAttributes(attribute.String("step_name", step.StepName), attribute.Int("attempt", step.Attempt))

	stepFn, ok := d.registry.Step(step.StepName)
	if !ok {
		return d.failStep(ctx, runID, step, fmt.Sprintf("no registered step %q", step.StepName))
	}

	args, err := d.stepArgs(ctx, runID, step)
	if err != nil {
		return fmt.Errorf("load step args: %w", err)
	}

	now := d.clock.Now()
	step.Status = model.StepRunning
	step.Attempt++
	step.StartedAt = &now
	if err := d.store.UpsertStep(ctx, step); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	result, runErr := stepFn(stepCtx, args...)
	cancel()

	if runErr == nil {
		return d.completeStep(ctx, runID, step, result)
	}

	if engine.IsFatal(runErr) {
		return d.failStep(ctx, runID, step, runErr.Error())
	}

	if step.Attempt < step.MaxRetries {
		return d.retryStep(ctx, runID, step, runErr.Error())
	}
	return d.failStep(ctx, runID, step, runErr.Error())
}

// stepArgs recovers the args a step was invoked with by reading the run's
// event log back for the matching step.started event (step_name,
// call_index) — steps carry no argument storage of their own, mirroring
// how every other operation family resolves purely off the event log.
func (d *Dispatcher) stepArgs(ctx context.Context, runID string, step *model.Step) ([]any, error) {
	events, err := d.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Type != model.EventStepStarted {
			continue
		}
		name, _ := ev.Data["step_name"].(string)
		if name != step.StepName || model.CallIndexOf(ev.Data) != step.CallIndex {
			continue
		}
		args, _ := ev.Data["args"].([]any)
		return args, nil
	}
	return nil, nil
}

func (d *Dispatcher) completeStep(ctx context.Context, runID string, step *model.Step, result map[string]any) error {
	now := d.clock.Now()
	step.Status = model.StepCompleted
	step.Result = result
	step.CompletedAt = &now
	if err := d.store.UpsertStep(ctx, step); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	if err := d.appendStepEvent(ctx, runID, step, model.EventStepCompleted, map[string]any{"result": result}); err != nil {
		return err
	}
	return d.enqueueTick(ctx, runID, time.Time{})
}

func (d *Dispatcher) failStep(ctx context.Context, runID string, step *model.Step, reason string) error {
	now := d.clock.Now()
	step.Status = model.StepFailed
	step.Error = reason
	step.CompletedAt = &now
	if err := d.store.UpsertStep(ctx, step); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	if err := d.appendStepEvent(ctx, runID, step, model.EventStepFailed, map[string]any{"error": reason}); err != nil {
		return err
	}
	return d.enqueueTick(ctx, runID, time.Time{})
}

func (d *Dispatcher) retryStep(ctx context.Context, runID string, step *model.Step, reason string) error {
	step.Status = model.StepPending
	step.Error = reason
	if err := d.store.UpsertStep(ctx, step); err != nil {
		return fmt.Errorf("mark step pending for retry: %w", err)
	}
	if err := d.appendStepEvent(ctx, runID, step, model.EventStepRetrying, map[string]any{
		"attempt": step.Attempt,
		"error":   reason,
	}); err != nil {
		return err
	}

	delay := time.Duration(step.RetryDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	// Exponential backoff keyed off attempt count, matching the teacher's
	// retry helper shape used elsewhere for broker redelivery.
	for i := 1; i < step.Attempt; i++ {
		delay *= 2
	}
	return d.enqueueStep(ctx, runID, step.ID, d.clock.Now().Add(delay))
}

func (d *Dispatcher) appendStepEvent(ctx context.Context, runID string, step *model.Step, evType model.EventType, extra map[string]any) error {
	events, err := d.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	data := map[string]any{"call_index": step.CallIndex, "step_name": step.StepName}
	for k, v := range extra {
		data[k] = v
	}
	ev := &model.Event{RunID: runID, Type: evType, Timestamp: d.clock.Now(), Data: data}
	if _, err := d.store.AppendEvent(ctx, runID, int64(len(events)), ev); err != nil {
		return fmt.Errorf("append %s: %w", evType, err)
	}
	return nil
}
