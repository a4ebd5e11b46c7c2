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

package replay

import (
	"context"
	"time"

	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/pkg/workflow"
)

// familyIndex correlates one operation family's prior events by call_index,
// the encounter-order key spec.md §4.3 defines correlation on.
type familyIndex struct {
	started  map[int]*model.Event
	terminal map[int]*model.Event
}

func newFamilyIndex() *familyIndex {
	return &familyIndex{started: map[int]*model.Event{}, terminal: map[int]*model.Event{}}
}

func callIndexOf(ev *model.Event) int {
	switch v := ev.Data["call_index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}

var startedTypes = map[model.EventType]bool{
	model.EventStepStarted:   true,
	model.EventSleepStarted:  true,
	model.EventHookCreated:   true,
	model.EventChildStarted:  true,
}

var terminalTypes = map[model.EventType]bool{
	model.EventStepCompleted:   true,
	model.EventStepFailed:      true,
	model.EventSleepCompleted:  true,
	model.EventHookReceived:    true,
	model.EventHookExpired:     true,
	model.EventHookDisposed:    true,
	model.EventChildCompleted:  true,
	model.EventChildFailed:     true,
	model.EventChildCancelled:  true,
}

func familyOf(t model.EventType) string {
	switch t {
	case model.EventStepStarted, model.EventStepCompleted, model.EventStepFailed, model.EventStepRetrying, model.EventStepCancelled:
		return "step"
	case model.EventSleepStarted, model.EventSleepCompleted:
		return "sleep"
	case model.EventHookCreated, model.EventHookReceived, model.EventHookExpired, model.EventHookDisposed:
		return "hook"
	case model.EventChildStarted, model.EventChildCompleted, model.EventChildFailed, model.EventChildCancelled:
		return "child"
	default:
		return ""
	}
}

func buildIndices(events []*model.Event) map[string]*familyIndex {
	indices := map[string]*familyIndex{
		"step":  newFamilyIndex(),
		"sleep": newFamilyIndex(),
		"hook":  newFamilyIndex(),
		"child": newFamilyIndex(),
	}
	for _, ev := range events {
		fam := familyOf(ev.Type)
		if fam == "" {
			continue
		}
		idx := indices[fam]
		ci := callIndexOf(ev)
		if startedTypes[ev.Type] {
			idx.started[ci] = ev
		}
		if terminalTypes[ev.Type] {
			idx.terminal[ci] = ev
		}
	}
	return indices
}

// resolver implements workflow.Resolver for one tick.
type resolver struct {
	ctx   context.Context
	run   *model.Run
	clock clock.Clock

	indices map[string]*familyIndex

	stepCount  int
	sleepCount int
	hookCount  int
	childCount int

	newEvents []*model.Event
	wakeAt    *time.Time

	shieldDepth            int
	cancellationRequested  bool
	cancellationDeferred   bool
	nestingLimit           int

	continueAsNew       bool
	continueAsNewArgs   []any
	continueAsNewKwargs map[string]any
}

var _ workflow.Resolver = (*resolver)(nil)

func newResolver(ctx context.Context, run *model.Run, events []*model.Event, cancellationRequested bool, nestingLimit int, clk clock.Clock) *resolver {
	if nestingLimit <= 0 {
		nestingLimit = model.NestingLimit
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &resolver{
		ctx:                   ctx,
		run:                   run,
		clock:                 clk,
		indices:               buildIndices(events),
		cancellationRequested: cancellationRequested,
		nestingLimit:          nestingLimit,
	}
}

// checkpoint is called before every operation; it raises the cancellation
// error into the body unless a shield region is active, in which case the
// request is remembered and re-checked once the region exits.
func (r *resolver) checkpoint() error {
	if !r.cancellationRequested {
		return nil
	}
	if r.shieldDepth > 0 {
		r.cancellationDeferred = true
		return nil
	}
	return &engine.CancellationError{Reason: "cancellation.requested observed at checkpoint"}
}

func (r *resolver) emit(evType model.EventType, callIndex int, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["call_index"] = callIndex
	r.newEvents = append(r.newEvents, &model.Event{
		RunID: r.run.ID,
		Type:  evType,
		Data:  data,
	})
}

// Step implements workflow.Resolver.
func (r *resolver) Step(name string, opts workflow.StepOptions, args []any) (map[string]any, error) {
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	ci := r.stepCount
	r.stepCount++
	idx := r.indices["step"]

	if term, ok := idx.terminal[ci]; ok {
		if term.Type == model.EventStepFailed {
			return nil, stepError(term.Data)
		}
		return resultOf(term.Data), nil
	}
	if _, ok := idx.started[ci]; ok {
		return nil, engine.ErrSuspended
	}

	r.emit(model.EventStepStarted, ci, map[string]any{
		"step_name":      name,
		"args":           args,
		"max_retries":    opts.MaxRetries,
		"retry_delay_ms": opts.RetryDelay.Milliseconds(),
	})
	return nil, engine.ErrSuspended
}

// Sleep implements workflow.Resolver.
func (r *resolver) Sleep(d time.Duration) error {
	if err := r.checkpoint(); err != nil {
		return err
	}

	ci := r.sleepCount
	r.sleepCount++
	idx := r.indices["sleep"]

	if _, ok := idx.terminal[ci]; ok {
		return nil
	}
	if started, ok := idx.started[ci]; ok {
		wakeAt, _ := started.Data["wake_at"].(time.Time)
		if s, ok := started.Data["wake_at"].(string); ok {
			wakeAt, _ = time.Parse(time.RFC3339Nano, s)
		}
		if !r.clock.Now().Before(wakeAt) {
			r.emit(model.EventSleepCompleted, ci, nil)
			return nil
		}
		r.wakeAt = &wakeAt
		return engine.ErrSuspended
	}

	wakeAt := r.clock.Now().Add(d)
	r.emit(model.EventSleepStarted, ci, map[string]any{"wake_at": wakeAt, "duration_seconds": d.Seconds()})
	r.wakeAt = &wakeAt
	return engine.ErrSuspended
}

// Hook implements workflow.Resolver.
func (r *resolver) Hook(name string, opts workflow.HookOptions) (map[string]any, error) {
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	ci := r.hookCount
	r.hookCount++
	idx := r.indices["hook"]

	if term, ok := idx.terminal[ci]; ok {
		switch term.Type {
		case model.EventHookReceived:
			return resultOf(term.Data), nil
		case model.EventHookExpired:
			return nil, engine.Retryable(errHookExpired(name))
		default:
			return nil, engine.Fatal(errHookDisposed(name))
		}
	}
	if _, ok := idx.started[ci]; ok {
		return nil, engine.ErrSuspended
	}

	data := map[string]any{"name": name, "schema": opts.Schema}
	if opts.Expires > 0 {
		expiresAt := r.clock.Now().Add(opts.Expires)
		data["expires_at"] = expiresAt
		r.wakeAt = &expiresAt
	}
	r.emit(model.EventHookCreated, ci, data)
	return nil, engine.ErrSuspended
}

// StartChildWorkflow implements workflow.Resolver.
func (r *resolver) StartChildWorkflow(workflowName string, args []any, kwargs map[string]any, opts workflow.ChildOptions) (map[string]any, error) {
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	if r.run.NestingDepth+1 > r.nestingLimit {
		return nil, engine.Fatal(&engine.NestingLimitError{Limit: r.nestingLimit, Depth: r.run.NestingDepth + 1})
	}

	ci := r.childCount
	r.childCount++
	idx := r.indices["child"]

	if term, ok := idx.terminal[ci]; ok {
		switch term.Type {
		case model.EventChildCompleted:
			return resultOf(term.Data), nil
		case model.EventChildFailed:
			return nil, engine.Fatal(stepError(term.Data))
		default:
			return nil, &engine.CancellationError{Reason: "child workflow cancelled"}
		}
	}
	if _, ok := idx.started[ci]; ok {
		if !opts.Wait {
			return map[string]any{}, nil
		}
		return nil, engine.ErrSuspended
	}

	r.emit(model.EventChildStarted, ci, map[string]any{
		"workflow_name":       workflowName,
		"args":                args,
		"kwargs":              kwargs,
		"wait":                opts.Wait,
		"cancellation_policy": string(opts.CancellationPolicy),
		"child_run_id":        model.ChildRunID(r.run.ID, ci),
	})
	if !opts.Wait {
		return map[string]any{}, nil
	}
	return nil, engine.ErrSuspended
}

// ContinueAsNew implements workflow.Resolver.
func (r *resolver) ContinueAsNew(args []any, kwargs map[string]any) error {
	r.continueAsNew = true
	r.continueAsNewArgs = args
	r.continueAsNewKwargs = kwargs
	r.emit(model.EventWorkflowContinuedAsNew, -1, map[string]any{"args": args, "kwargs": kwargs})
	return nil
}

// Parallel implements workflow.Resolver. Every branch gets a chance to
// reach its own first-encounter or terminal resolution in this tick; a
// branch suspending does not stop later branches from running (spec.md
// §4.3 "parallel composition").
func (r *resolver) Parallel(branches []func(*workflow.Ctx) (map[string]any, error)) ([]map[string]any, []error) {
	results := make([]map[string]any, len(branches))
	errs := make([]error, len(branches))
	anySuspended := false

	childCtx := workflow.NewCtx(r)
	for i, branch := range branches {
		res, err := branch(childCtx)
		results[i] = res
		errs[i] = err
		if engine.IsSuspended(err) {
			anySuspended = true
		}
	}

	if anySuspended {
		for _, err := range errs {
			if err != nil && !engine.IsSuspended(err) {
				// A sibling branch already reached a terminal failure;
				// surface it instead of the generic suspension.
				return results, errs
			}
		}
	}
	return results, errs
}

// ShieldEnter implements workflow.Resolver.
func (r *resolver) ShieldEnter() { r.shieldDepth++ }

// ShieldExit implements workflow.Resolver. Leaving the outermost shield
// region re-raises any cancellation observed while shielded.
func (r *resolver) ShieldExit() error {
	r.shieldDepth--
	if r.shieldDepth == 0 && r.cancellationDeferred {
		r.cancellationDeferred = false
		return &engine.CancellationError{Reason: "cancellation.requested observed while shielded"}
	}
	return nil
}

// RunContext implements workflow.Resolver.
func (r *resolver) RunContext() context.Context { return r.ctx }

func resultOf(data map[string]any) map[string]any {
	if v, ok := data["result"].(map[string]any); ok {
		return v
	}
	return nil
}

type stepFailure struct{ msg string }

func (e *stepFailure) Error() string { return e.msg }

func stepError(data map[string]any) error {
	if msg, ok := data["error"].(string); ok {
		return &stepFailure{msg: msg}
	}
	return &stepFailure{msg: "step failed"}
}

type hookExpiredError struct{ name string }

func (e *hookExpiredError) Error() string { return "hook expired: " + e.name }
func errHookExpired(name string) error    { return &hookExpiredError{name: name} }

type hookDisposedError struct{ name string }

func (e *hookDisposedError) Error() string { return "hook disposed: " + e.name }
func errHookDisposed(name string) error    { return &hookDisposedError{name: name} }
