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

package workflow

import (
	"context"
	"time"
)

// Resolver is implemented by internal/replay and handed to every workflow
// body invocation. It resolves one operation against the event log of the
// current tick: returning a recorded terminal outcome, or returning
// engine.ErrSuspended on first encounter or while still pending.
// Keeping this as an interface (rather than exporting the replay engine's
// concrete type) is what lets pkg/workflow stay free of internal/ imports.
type Resolver interface {
	Step(name string, opts StepOptions, args []any) (map[string]any, error)
	Sleep(d time.Duration) error
	Hook(name string, opts HookOptions) (map[string]any, error)
	StartChildWorkflow(workflowName string, args []any, kwargs map[string]any, opts ChildOptions) (map[string]any, error)
	ContinueAsNew(args []any, kwargs map[string]any) error

	// Parallel resolves every branch once before returning, so a branch
	// that would suspend does not prevent a later branch from reaching
	// its own first encounter in the same tick (spec.md §4.3 "parallel
	// composition").
	Parallel(branches []func(*Ctx) (map[string]any, error)) ([]map[string]any, []error)

	ShieldEnter()
	// ShieldExit closes a shield region and returns a non-nil error if a
	// cancellation was observed (and deferred) while shielded and the
	// outermost region has now closed; nil in every other case.
	ShieldExit() error

	// RunContext is the plain context.Context for the current tick,
	// carrying cancellation/deadline but never used for determinism.
	RunContext() context.Context
}

// Ctx is the handle a workflow Body receives. All of its methods are
// operations in the sense of spec.md §4.3: each one is correlated with the
// event log by encounter order, not by any identifier the caller supplies
// beyond its logical name.
type Ctx struct {
	r Resolver
}

// NewCtx wraps a Resolver for a workflow body invocation. Called by
// internal/replay at the start of each tick; user code never calls this.
func NewCtx(r Resolver) *Ctx {
	return &Ctx{r: r}
}

// Step invokes a registered step by name. During replay, if this call
// index already has a terminal event, the recorded result or error is
// returned directly; otherwise the call suspends the tick.
func (c *Ctx) Step(name string, opts StepOptions, args ...any) (map[string]any, error) {
	return c.r.Step(name, opts, args)
}

// Sleep suspends the workflow until d has elapsed, surviving worker
// restarts in between.
func (c *Ctx) Sleep(d time.Duration) error {
	return c.r.Sleep(d)
}

// Hook awaits an externally delivered payload under the given name.
func (c *Ctx) Hook(name string, opts HookOptions) (map[string]any, error) {
	return c.r.Hook(name, opts)
}

// StartChildWorkflow spawns a child run. If opts.Wait is true, the call
// suspends until the child reaches a terminal state and returns its
// result; if it is false (the zero value), the call returns an empty map
// as soon as the child is recorded as started.
func (c *Ctx) StartChildWorkflow(workflowName string, args []any, kwargs map[string]any, opts ChildOptions) (map[string]any, error) {
	return c.r.StartChildWorkflow(workflowName, args, kwargs, opts)
}

// ContinueAsNew finalizes the current run and starts a fresh one with new
// input, bounding event-log growth for long-running periodic workflows.
func (c *Ctx) ContinueAsNew(args []any, kwargs map[string]any) error {
	return c.r.ContinueAsNew(args, kwargs)
}

// Parallel runs each branch against its own child Ctx sharing this tick's
// resolver state, returning once every branch has reached either a
// terminal outcome or its own suspension point.
func (c *Ctx) Parallel(branches ...func(*Ctx) (map[string]any, error)) ([]map[string]any, []error) {
	return c.r.Parallel(branches)
}

// Shield defers cancellation checkpoints until fn returns, so compensating
// actions inside fn are not interrupted mid-flight (spec.md §4.3 "shield
// regions"). Step completions and cancellation requests are still
// observed while shielded; only the exception into the body is deferred.
// If a cancellation was observed while shielded, it is raised as soon as
// the outermost region closes rather than waiting for the body's next
// unrelated checkpoint (which may never come if fn's return is the last
// thing the body does).
func (c *Ctx) Shield(fn func() error) error {
	c.r.ShieldEnter()
	err := fn()
	if exitErr := c.r.ShieldExit(); exitErr != nil && err == nil {
		return exitErr
	}
	return err
}

// RunContext returns the tick's plain context.Context, for passing through
// to step functions that need it. Workflow bodies must not read the clock
// or randomness from it directly — see the determinism contract in
// SPEC_FULL.md §1.1.
func (c *Ctx) RunContext() context.Context {
	return c.r.RunContext()
}
