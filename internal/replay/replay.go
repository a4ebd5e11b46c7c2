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

// Package replay implements the deterministic replay engine (spec.md §4.3):
// re-driving a workflow body from the top on every tick, resolving each
// operation it issues against the run's event log by encounter order.
package replay

import (
	"context"
	"time"

	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/pkg/workflow"
)

// OutcomeKind classifies what a tick produced, mirroring spec.md §4.2 step 5.
type OutcomeKind string

const (
	OutcomeCompleted      OutcomeKind = "completed"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomeSuspended      OutcomeKind = "suspended"
	OutcomeNeedsStep      OutcomeKind = "needs_step"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeContinuedAsNew OutcomeKind = "continued_as_new"
)

// Outcome is the result of one Tick.
type Outcome struct {
	Kind   OutcomeKind
	Result map[string]any
	Err    string

	// NewEvents are the events this tick produced, still lacking their
	// final sequence number; the dispatcher appends them via
	// storage.EventStore.AppendEvent and assigns sequence as it goes.
	NewEvents []*model.Event

	// PendingStepNames are the step names newly started this tick, in
	// call order; the dispatcher enqueues one step task per entry.
	PendingStepNames []string

	// WakeAt is set for OutcomeSuspended when the cause is a sleep or
	// hook-expiry timer rather than an external signal.
	WakeAt *time.Time

	// ContinueAsNewArgs/Kwargs carry the new input when Kind is
	// OutcomeContinuedAsNew.
	ContinueAsNewArgs   []any
	ContinueAsNewKwargs map[string]any
}

// Engine drives workflow bodies forward one tick at a time.
type Engine struct {
	registry     *workflow.Registry
	nestingLimit int
	clock        clock.Clock
}

// New creates a replay Engine bound to registry, enforcing the default
// nesting limit (spec.md §3.1) and driven by clk. Use NewWithNestingLimit
// to override the nesting limit from config.
func New(registry *workflow.Registry, clk clock.Clock) *Engine {
	return NewWithNestingLimit(registry, model.NestingLimit, clk)
}

// NewWithNestingLimit creates a replay Engine bound to registry, enforcing
// limit as the maximum child-workflow nesting depth (spec.md §6.3
// `nesting.limit`) and driven by clk. A non-positive limit falls back to
// model.NestingLimit. clk is what Sleep and Hook expiry compute wake times
// against, so a clock.Fake can deterministically drive delayed tasks the
// same way it already drives broker/memory.Queue and the recovery sweeper.
func NewWithNestingLimit(registry *workflow.Registry, limit int, clk clock.Clock) *Engine {
	if limit <= 0 {
		limit = model.NestingLimit
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{registry: registry, nestingLimit: limit, clock: clk}
}

// Tick re-drives the workflow body for run against its existing event log,
// resolving each operation the body issues and classifying the result.
// Tick never mutates storage itself; the dispatcher commits NewEvents and
// transitions run status based on the returned Outcome.
func (e *Engine) Tick(ctx context.Context, run *model.Run, events []*model.Event, cancellationRequested bool) (Outcome, error) {
	body, ok := e.registry.Workflow(run.WorkflowName)
	if !ok {
		return Outcome{}, &engine.FatalError{Err: errUnknownWorkflow(run.WorkflowName)}
	}

	r := newResolver(ctx, run, events, cancellationRequested, e.nestingLimit, e.clock)
	wfCtx := workflow.NewCtx(r)

	result, err := body(wfCtx, run.InputArgs, run.InputKwargs)

	switch {
	case r.continueAsNew:
		return Outcome{
			Kind:                OutcomeContinuedAsNew,
			NewEvents:           r.newEvents,
			ContinueAsNewArgs:   r.continueAsNewArgs,
			ContinueAsNewKwargs: r.continueAsNewKwargs,
		}, nil

	case engine.IsCancellation(err):
		return Outcome{Kind: OutcomeCancelled, Err: err.Error(), NewEvents: r.newEvents}, nil

	case engine.IsSuspended(err):
		if names := newlyStartedStepNames(r.newEvents); len(names) > 0 {
			return Outcome{
				Kind:             OutcomeNeedsStep,
				NewEvents:        r.newEvents,
				PendingStepNames: names,
			}, nil
		}
		return Outcome{Kind: OutcomeSuspended, NewEvents: r.newEvents, WakeAt: r.wakeAt}, nil

	case err != nil:
		return Outcome{Kind: OutcomeFailed, Err: err.Error(), NewEvents: r.newEvents}, nil

	default:
		return Outcome{Kind: OutcomeCompleted, Result: result, NewEvents: r.newEvents}, nil
	}
}

// newlyStartedStepNames extracts, in order, the step names of any
// step.started events a tick just emitted.
func newlyStartedStepNames(events []*model.Event) []string {
	var names []string
	for _, ev := range events {
		if ev.Type != model.EventStepStarted {
			continue
		}
		if name, ok := ev.Data["step_name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

type unknownWorkflowError struct{ name string }

func (e *unknownWorkflowError) Error() string { return "replay: unknown workflow: " + e.name }

func errUnknownWorkflow(name string) error { return &unknownWorkflowError{name: name} }
