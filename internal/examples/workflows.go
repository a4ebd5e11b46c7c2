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

// Package examples registers a handful of demo workflows so a freshly
// built durableflowd binary has something runnable out of the box.
//
// SPEC_FULL.md §1.2 deliberately drops the source's dynamic module-import
// mechanism (config.Module names a Go import path the source would load at
// runtime; Go has no equivalent to Python's importlib short of cgo-only
// plugins, which the examples in this corpus never reach for). Real
// deployments register their own workflows by building their own `main`
// against pkg/workflow and internal/engine, the way any Go worker library
// expects its caller to link application code in rather than load it
// dynamically; cmd/durableflowd and `durableflow worker run` register this
// package only so `durableflow workflows list/run` has something concrete
// to exercise.
package examples

import (
	"context"
	"fmt"

	"github.com/durableflow/engine/pkg/workflow"
)

// Register adds the demo workflows and their steps to reg. Safe to call on
// a fresh *workflow.Registry; returns the first registration error, if any.
func Register(reg *workflow.Registry) error {
	if err := reg.RegisterStep("examples.greet", greetStep); err != nil {
		return err
	}
	if err := reg.RegisterWorkflow("examples.echo", echoWorkflow, []workflow.ParamSpec{
		{Name: "name", Type: "string", Required: true},
	}); err != nil {
		return err
	}
	if err := reg.RegisterWorkflow("examples.approval_gate", approvalGateWorkflow, []workflow.ParamSpec{
		{Name: "request", Type: "string", Required: true},
	}); err != nil {
		return err
	}
	return nil
}

// greetStep is the only side-effecting unit of work examples.echo performs;
// kept as a step (rather than inline in the workflow body) so the demo
// actually exercises the step-task/claim/retry path, not just the tick loop.
func greetStep(ctx context.Context, args ...any) (map[string]any, error) {
	name, _ := args[0].(string)
	return map[string]any{"greeting": fmt.Sprintf("hello, %s", name)}, nil
}

// echoWorkflow runs a single step and returns its result, the smallest
// possible straight-line workflow (spec.md §4.3's happy path).
func echoWorkflow(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
	name, _ := kwargs["name"].(string)
	return ctx.Step("examples.greet", workflow.StepOptions{MaxRetries: 2}, name)
}

// approvalGateWorkflow suspends on a hook until an operator signals it via
// POST /hooks/{run_id}/approval (spec.md §4.6), then returns the payload it
// was signalled with. Demonstrates the suspend/resume half of the engine
// that examples.echo never touches.
func approvalGateWorkflow(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
	request, _ := kwargs["request"].(string)
	decision, err := ctx.Hook("approval", workflow.HookOptions{})
	if err != nil {
		return nil, err
	}
	return map[string]any{"request": request, "decision": decision}, nil
}
