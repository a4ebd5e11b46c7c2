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

// Package dispatcher executes workflow-tick and step tasks popped off the
// broker (spec.md §4.2): claiming the run, replaying the body, classifying
// the outcome, and committing events and status transitions.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/observability"
	"github.com/durableflow/engine/internal/replay"
	"github.com/durableflow/engine/internal/storage"
	"github.com/durableflow/engine/pkg/workflow"
)

// Config configures a Dispatcher.
type Config struct {
	WorkerID    string
	Concurrency int
	ClaimTTL    time.Duration
	StepTimeout time.Duration

	// TaskClasses restricts which task classes this dispatcher handles
	// (spec.md §6.2's `worker run --workflow-only`/`--step-only`). Nil or
	// empty means handle every class. A task of an excluded class is put
	// back on the queue for another worker to pick up instead of being
	// dropped; the shared single-queue broker (internal/broker/memory,
	// internal/broker/redis) has no topic routing, so this is implemented
	// as requeue-and-skip rather than a separate consume topic.
	TaskClasses []broker.TaskClass

	// NestingLimit overrides the replay engine's maximum child-workflow
	// depth (spec.md §6.3 `nesting.limit`). Zero uses model.NestingLimit.
	NestingLimit int
}

func (c Config) accepts(class broker.TaskClass) bool {
	if len(c.TaskClasses) == 0 {
		return true
	}
	for _, allowed := range c.TaskClasses {
		if allowed == class {
			return true
		}
	}
	return false
}

// Dispatcher pulls tasks off a broker.Queue and drives them to completion.
// It mirrors the teacher's Runner: a semaphore-bounded worker pool with
// Submit-equivalent task consumption, graceful draining, and Stop.
type Dispatcher struct {
	store    storage.Store
	queue    broker.Queue
	replayer *replay.Engine
	registry *workflow.Registry
	clock    clock.Clock
	logger   *slog.Logger

	cfg Config

	semaphore chan struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup

	metrics *observability.Metrics
}

// SetMetrics attaches a Metrics handle the dispatcher records task outcomes
// against. Optional: a Dispatcher with no metrics attached just skips
// recording, so tests and enginetest fixtures never need to supply one.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// New creates a Dispatcher.
func New(store storage.Store, queue broker.Queue, registry *workflow.Registry, clk clock.Clock, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		queue:     queue,
		replayer:  replay.NewWithNestingLimit(registry, cfg.NestingLimit, clk),
		registry:  registry,
		clock:     clk,
		logger:    logger.With(slog.String("component", "dispatcher"), slog.String("worker_id", cfg.WorkerID)),
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.Concurrency),
	}
}

// Run pulls tasks from the queue until ctx is cancelled or the dispatcher
// is draining. Draining is checked before each dequeue; tasks still queued
// at that point stay on the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if d.draining.Load() {
			return nil
		}

		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("dequeue failed", slog.Any("error", err))
			continue
		}

		if !d.cfg.accepts(task.Class) {
			if err := d.queue.Enqueue(ctx, task); err != nil {
				d.logger.Error("requeue of excluded task class failed", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		select {
		case d.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d.wg.Add(1)
		go func(t *broker.Task) {
			defer d.wg.Done()
			defer func() { <-d.semaphore }()
			d.handle(ctx, t)
		}(task)
	}
}

func (d *Dispatcher) handle(ctx context.Context, task *broker.Task) {
	start := d.clock.Now()
	var err error
	switch task.Class {
	case broker.TaskWorkflowTick:
		err = d.handleWorkflowTick(ctx, task.RunID)
	case broker.TaskStep:
		err = d.handleStepTask(ctx, task.RunID, task.StepID)
	default:
		err = fmt.Errorf("dispatcher: unknown task class %q", task.Class)
	}
	if err != nil {
		d.logger.Error("task handling failed",
			slog.String("task_id", task.ID),
			slog.String("class", string(task.Class)),
			slog.String("run_id", task.RunID),
			slog.Any("error", err))
	}

	if d.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		seconds := d.clock.Now().Sub(start).Seconds()
		workflowName := task.RunID
		if run, runErr := d.store.GetRun(ctx, task.RunID); runErr == nil {
			workflowName = run.WorkflowName
		}
		switch task.Class {
		case broker.TaskWorkflowTick:
			d.metrics.RecordWorkflowTick(workflowName, outcome, seconds)
		case broker.TaskStep:
			stepName := task.StepID
			if step, stepErr := d.store.GetStep(ctx, task.StepID); stepErr == nil {
				stepName = step.StepName
			}
			d.metrics.RecordStepExecution(stepName, outcome, seconds)
		}
		d.metrics.SetQueueDepth(string(task.Class), float64(d.queue.Len()))
	}
}

// StartDraining stops Run from picking up new tasks once the current batch
// finishes; in-flight tasks still run to completion.
func (d *Dispatcher) StartDraining() {
	d.draining.Store(true)
}

// IsDraining reports whether the dispatcher is in graceful shutdown mode.
func (d *Dispatcher) IsDraining() bool {
	return d.draining.Load()
}

// WaitForDrain blocks until every in-flight task completes or timeout
// elapses.
func (d *Dispatcher) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher: drain timeout exceeded")
	}
}

// Drain synchronously handles every task currently eligible in the queue,
// one at a time, until none remain eligible or ctx is cancelled. A task's
// own handling may enqueue further tasks (a tick scheduling a step, a step
// completion re-ticking, a sleep re-ticking once its NotBefore elapses);
// Drain keeps going as long as it keeps finding eligible work. A queue
// holding only delayed tasks (an open sleep, pending retry backoff) is left
// untouched and Drain returns nil: the caller advances the clock and calls
// Drain again. This is what test harnesses use to run a workflow to
// quiescence without standing up the concurrent Run loop.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.queue.Len() == 0 {
			return nil
		}

		dequeueCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		task, err := d.queue.Dequeue(dequeueCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Deadline exceeded with no task: everything left is delayed
			// (NotBefore in the future). Nothing more to do right now.
			return nil
		}
		d.handle(ctx, task)
	}
}

// enqueueTick enqueues a workflow-tick task for runID at an optional delay.
func (d *Dispatcher) enqueueTick(ctx context.Context, runID string, notBefore time.Time) error {
	return d.queue.Enqueue(ctx, &broker.Task{
		ID:        runID + ":tick:" + d.clock.Now().String(),
		Class:     broker.TaskWorkflowTick,
		RunID:     runID,
		CreatedAt: d.clock.Now(),
		NotBefore: notBefore,
	})
}

// enqueueStep enqueues a step task.
func (d *Dispatcher) enqueueStep(ctx context.Context, runID, stepID string, notBefore time.Time) error {
	return d.queue.Enqueue(ctx, &broker.Task{
		ID:        stepID + ":task:" + d.clock.Now().String(),
		Class:     broker.TaskStep,
		RunID:     runID,
		StepID:    stepID,
		CreatedAt: d.clock.Now(),
		NotBefore: notBefore,
	})
}
