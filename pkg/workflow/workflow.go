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

// Package workflow is the authoring surface user code imports to define
// workflow bodies and steps. A workflow body is a plain Go function; it
// issues operations (Step, Sleep, Hook, StartChildWorkflow) against the
// *Ctx it is handed, and the replay engine drives it forward one tick at a
// time (spec.md §4.3).
package workflow

import (
	"context"
	"time"
)

// Body is a workflow definition: a deterministic function of its inputs and
// the recorded outcomes of the operations it issues against ctx.
type Body func(ctx *Ctx, args []any, kwargs map[string]any) (map[string]any, error)

// StepFunc is a single side-effecting unit of work. The error it returns is
// classified by the dispatcher via engine.IsRetryable/IsFatal.
type StepFunc func(ctx context.Context, args ...any) (map[string]any, error)

// ParamSpec describes one parameter of a registered workflow or step, for
// the explicit-descriptor redesign of the source's dynamic kwargs
// introspection (SPEC_FULL.md §1.2).
type ParamSpec struct {
	Name     string
	Type     string
	Required bool
	Default  any
}

// Descriptor is the schema exposed over GET /workflows (spec §6.1).
type Descriptor struct {
	Name   string
	Params []ParamSpec
}

// StepOptions configures retry behavior for one step invocation.
type StepOptions struct {
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// HookOptions configures a hook await point.
type HookOptions struct {
	Schema  map[string]any
	Expires time.Duration // zero means the hook never expires
}

// ChildOptions configures a child workflow spawn.
type ChildOptions struct {
	Wait               bool
	CancellationPolicy ChildCancellationPolicy
}

// ChildCancellationPolicy mirrors model.ChildCancellationPolicy without
// importing internal/model from the public SDK surface.
type ChildCancellationPolicy string

const (
	ChildTerminate ChildCancellationPolicy = "TERMINATE"
	ChildAbandon   ChildCancellationPolicy = "ABANDON"
	ChildWait      ChildCancellationPolicy = "WAIT"
)
