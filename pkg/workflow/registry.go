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
	"fmt"
	"sort"
)

// Registry holds user-registered workflow and step definitions. The source
// kept a process-wide registry; this redesign makes it an explicit value
// carried by the engine's Runtime (SPEC_FULL.md §1.2), so tests can build a
// throwaway registry instead of mutating global state.
type Registry struct {
	workflows map[string]workflowEntry
	steps     map[string]StepFunc
}

type workflowEntry struct {
	body   Body
	params []ParamSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]workflowEntry),
		steps:     make(map[string]StepFunc),
	}
}

// RegisterWorkflow registers a workflow body under name, with an explicit
// parameter schema (the source's dynamic kwargs introspection is replaced
// by this descriptor, per SPEC_FULL.md §1.2; the REST surface's
// GET /workflows serves it directly).
func (r *Registry) RegisterWorkflow(name string, body Body, params []ParamSpec) error {
	if name == "" {
		return fmt.Errorf("workflow: name must not be empty")
	}
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow: %q already registered", name)
	}
	r.workflows[name] = workflowEntry{body: body, params: params}
	return nil
}

// RegisterStep registers a step function under name. Step names are
// referenced by Ctx.Step and resolved by the step-task executor, which
// runs in a different process/tick than the workflow body that called it.
func (r *Registry) RegisterStep(name string, fn StepFunc) error {
	if name == "" {
		return fmt.Errorf("workflow: step name must not be empty")
	}
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("workflow: step %q already registered", name)
	}
	r.steps[name] = fn
	return nil
}

// Workflow looks up a registered workflow body by name.
func (r *Registry) Workflow(name string) (Body, bool) {
	entry, ok := r.workflows[name]
	if !ok {
		return nil, false
	}
	return entry.body, true
}

// Step looks up a registered step function by name.
func (r *Registry) Step(name string) (StepFunc, bool) {
	fn, ok := r.steps[name]
	return fn, ok
}

// Descriptors returns the registered workflow schemas for GET /workflows
// (spec §6.1), sorted by name for a stable response.
func (r *Registry) Descriptors() []Descriptor {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, Descriptor{Name: name, Params: r.workflows[name].params})
	}
	return descriptors
}
