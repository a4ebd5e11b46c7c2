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

// Package recovery implements the fleet-wide sweep of spec.md §4.7: finding
// runs and steps whose claim expired while not terminal, and either
// re-enqueueing them or giving up once max_recovery_attempts is exhausted.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/observability"
	"github.com/durableflow/engine/internal/storage"
)

// Config configures a Sweeper.
type Config struct {
	Interval time.Duration
}

// Sweeper periodically re-enqueues runs and steps whose claim lease expired
// without completing. Only the elected leader runs the sweep, so a fleet
// never produces duplicate recovery attempts for the same run.
type Sweeper struct {
	store   storage.Store
	queue   broker.Queue
	elector leader.Elector
	clock   clock.Clock
	logger  *slog.Logger
	cfg     Config

	metrics *observability.Metrics
}

// SetMetrics attaches a Metrics handle the sweeper records sweep/recovery
// outcomes against. Optional.
func (s *Sweeper) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// New creates a Sweeper.
func New(store storage.Store, queue broker.Queue, elector leader.Elector, clk clock.Clock, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, queue: queue, elector: elector, clock: clk, logger: logger.With(slog.String("component", "recovery_sweeper")), cfg: cfg}
}

// Run starts the periodic sweep loop until ctx is cancelled, mirroring the
// teacher's ticker-driven cleanup loop shape.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped", slog.Any("reason", ctx.Err()))
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			err := s.sweepOnce(ctx)
			if err != nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
			if s.metrics != nil {
				result := "ok"
				if err != nil {
					result = "error"
				}
				s.metrics.RecordRecoverySweep(result)
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	now := s.clock.Now()

	if err := s.sweepRuns(ctx, now); err != nil {
		return fmt.Errorf("sweep runs: %w", err)
	}
	if err := s.sweepSteps(ctx, now); err != nil {
		return fmt.Errorf("sweep steps: %w", err)
	}
	if err := s.sweepWakes(ctx, now); err != nil {
		return fmt.Errorf("sweep wakes: %w", err)
	}
	return nil
}

// sweepRuns finds runs with an expired claim and either re-enqueues a
// workflow-tick or marks the run INTERRUPTED once max_recovery_attempts is
// exhausted (spec.md §4.7).
func (s *Sweeper) sweepRuns(ctx context.Context, now time.Time) error {
	runIDs, err := s.store.ListExpiredClaims(ctx, now)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			s.logger.Warn("recovery: run vanished", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		if run.Status.Terminal() {
			continue
		}

		attempts := run.RecoveryAttempts + 1
		maxAttempts := run.MaxRecoveryAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}

		if attempts > maxAttempts {
			if err := s.interruptRun(ctx, run); err != nil {
				return fmt.Errorf("interrupt run %s: %w", runID, err)
			}
			if s.metrics != nil {
				s.metrics.RecordRecoveredRun("interrupted")
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordRecoveredRun("re-enqueued")
		}

		if err := s.store.UpdateRunStatus(ctx, runID, run.Status, run.Status, func(r *model.Run) {
			r.RecoveryAttempts = attempts
		}); err != nil {
			s.logger.Warn("recovery: bump attempts failed", slog.String("run_id", runID), slog.Any("error", err))
		}
		if err := s.enqueueTick(ctx, runID); err != nil {
			return fmt.Errorf("re-enqueue run %s: %w", runID, err)
		}
	}
	return nil
}

func (s *Sweeper) interruptRun(ctx context.Context, run *model.Run) error {
	completedAt := s.clock.Now()
	events, err := s.store.ReadEvents(ctx, run.ID, 0)
	if err != nil {
		return err
	}
	ev := &model.Event{
		RunID:     run.ID,
		Type:      model.EventWorkflowInterrupted,
		Timestamp: completedAt,
		Data:      map[string]any{"call_index": -1, "reason": "recovery attempts exhausted"},
	}
	if _, err := s.store.AppendEvent(ctx, run.ID, int64(len(events)), ev); err != nil {
		return err
	}
	if err := s.store.UpdateRunStatus(ctx, run.ID, run.Status, model.RunInterrupted, func(r *model.Run) {
		r.CompletedAt = &completedAt
		r.Error = "recovery attempts exhausted"
	}); err != nil {
		return err
	}
	// INTERRUPTED has no dedicated child_workflow.* event of its own (spec.md
	// §3.2 lists only started/completed/failed/cancelled); a waiting parent
	// still needs to observe this child reaching a terminal state, so it is
	// mirrored as child_workflow.failed.
	return s.notifyParentOfChildTerminal(ctx, run, model.EventChildFailed, map[string]any{"error": "recovery attempts exhausted"})
}

// notifyParentOfChildTerminal mirrors a child run's terminal outcome onto
// its parent's event log, matching internal/dispatcher's handling of the
// replay engine's own completed/failed/cancelled outcomes — the sweeper
// takes the equivalent path for a run the recovery loop itself finalizes.
func (s *Sweeper) notifyParentOfChildTerminal(ctx context.Context, child *model.Run, evType model.EventType, data map[string]any) error {
	if child.ParentRunID == "" {
		return nil
	}

	parentEvents, err := s.store.ReadEvents(ctx, child.ParentRunID, 0)
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
		return nil
	}

	data["call_index"] = ci
	ev := &model.Event{RunID: child.ParentRunID, Type: evType, Timestamp: s.clock.Now(), Data: data}
	if _, err := s.store.AppendEvent(ctx, child.ParentRunID, int64(len(parentEvents)), ev); err != nil {
		return fmt.Errorf("append child terminal event to parent %s: %w", child.ParentRunID, err)
	}
	return s.enqueueTick(ctx, child.ParentRunID)
}

// sweepSteps finds steps with an expired claim that have a step.started
// event but no terminal event, and re-enqueues the step task (or fails it
// once recovery is exhausted, re-ticking the workflow either way).
func (s *Sweeper) sweepSteps(ctx context.Context, now time.Time) error {
	stepIDs, err := s.store.ListExpiredStepClaims(ctx, now)
	if err != nil {
		return err
	}
	for _, stepID := range stepIDs {
		step, err := s.store.GetStep(ctx, stepID)
		if err != nil {
			s.logger.Warn("recovery: step vanished", slog.String("step_id", stepID), slog.Any("error", err))
			continue
		}
		if step.Status == model.StepCompleted || step.Status == model.StepFailed {
			continue
		}

		if step.Attempt >= step.MaxRetries+maxStepRecoveryAttempts {
			if err := s.failStep(ctx, step); err != nil {
				return fmt.Errorf("fail step %s: %w", stepID, err)
			}
			continue
		}
		if err := s.enqueueStep(ctx, step.RunID, stepID); err != nil {
			return fmt.Errorf("re-enqueue step %s: %w", stepID, err)
		}
	}
	return nil
}

// maxStepRecoveryAttempts bounds how many times a step claim may expire and
// be re-enqueued beyond its own configured max_retries before the sweeper
// gives up and fails it outright; an expired claim means the worker died,
// not that the step's own logic failed, so it gets its own small budget.
const maxStepRecoveryAttempts = 3

func (s *Sweeper) failStep(ctx context.Context, step *model.Step) error {
	now := s.clock.Now()
	events, err := s.store.ReadEvents(ctx, step.RunID, 0)
	if err != nil {
		return err
	}
	ev := &model.Event{
		RunID:     step.RunID,
		Type:      model.EventStepFailed,
		Timestamp: now,
		Data:      map[string]any{"call_index": step.CallIndex, "step_name": step.StepName, "error": "recovery attempts exhausted"},
	}
	if _, err := s.store.AppendEvent(ctx, step.RunID, int64(len(events)), ev); err != nil {
		return err
	}
	step.Status = model.StepFailed
	step.Error = "recovery attempts exhausted"
	step.CompletedAt = &now
	if err := s.store.UpsertStep(ctx, step); err != nil {
		return err
	}
	return s.enqueueTick(ctx, step.RunID)
}

// sweepWakes pops due scheduled wakes from the persistent timer index — the
// fallback path for broker implementations without native delayed delivery
// (spec.md §4.4). A hook-expiry wake additionally performs the
// PENDING→EXPIRED CAS and writes hook.expired (spec.md §4.6) before
// re-ticking; every other wake kind just re-ticks.
func (s *Sweeper) sweepWakes(ctx context.Context, now time.Time) error {
	const batchSize = 100
	wakes, err := s.store.PopDueWakes(ctx, now, batchSize)
	if err != nil {
		return err
	}
	for _, wake := range wakes {
		if wake.Kind == model.WakeHookExpiry {
			if err := s.expireHook(ctx, wake); err != nil {
				return fmt.Errorf("expire hook for wake %s: %w", wake.ID, err)
			}
			continue
		}
		if err := s.enqueueTick(ctx, wake.RunID); err != nil {
			return fmt.Errorf("enqueue wake %s: %w", wake.ID, err)
		}
	}
	return nil
}

// expireHook performs the PENDING→EXPIRED CAS and writes hook.expired for a
// due hook-expiry wake. A wake that lost the CAS (the hook was already
// delivered) is silently dropped; delivery already re-ticked the run.
func (s *Sweeper) expireHook(ctx context.Context, wake *model.ScheduledWake) error {
	hookID, _ := wake.Payload["hook_id"].(string)
	if hookID == "" {
		return fmt.Errorf("wake %s: missing hook_id", wake.ID)
	}

	hook, err := s.store.GetHook(ctx, hookID)
	if err != nil {
		return err
	}

	ok, err := s.store.TransitionHook(ctx, hookID, model.HookExpired, nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	events, err := s.store.ReadEvents(ctx, hook.RunID, 0)
	if err != nil {
		return err
	}
	ev := &model.Event{
		RunID:     hook.RunID,
		Type:      model.EventHookExpired,
		Timestamp: s.clock.Now(),
		Data:      map[string]any{"call_index": hook.CallIndex, "name": hook.Name},
	}
	if _, err := s.store.AppendEvent(ctx, hook.RunID, int64(len(events)), ev); err != nil {
		return err
	}
	return s.enqueueTick(ctx, hook.RunID)
}

func (s *Sweeper) enqueueTick(ctx context.Context, runID string) error {
	return s.queue.Enqueue(ctx, &broker.Task{
		ID:        runID + ":recovery-tick:" + s.clock.Now().String(),
		Class:     broker.TaskWorkflowTick,
		RunID:     runID,
		CreatedAt: s.clock.Now(),
	})
}

func (s *Sweeper) enqueueStep(ctx context.Context, runID, stepID string) error {
	return s.queue.Enqueue(ctx, &broker.Task{
		ID:        stepID + ":recovery-task:" + s.clock.Now().String(),
		Class:     broker.TaskStep,
		RunID:     runID,
		StepID:    stepID,
		CreatedAt: s.clock.Now(),
	})
}
