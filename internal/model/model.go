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

// Package model defines the durable records of the execution engine: runs,
// events, steps and hooks. These types are the storage-independent data
// model described in the run/event/step/hook contract; concrete backends
// (internal/storage/...) persist them but never redefine their shape.
package model

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending     RunStatus = "PENDING"
	RunRunning     RunStatus = "RUNNING"
	RunSuspended   RunStatus = "SUSPENDED"
	RunCompleted   RunStatus = "COMPLETED"
	RunFailed      RunStatus = "FAILED"
	RunInterrupted RunStatus = "INTERRUPTED"
	RunCancelled   RunStatus = "CANCELLED"
)

// Terminal reports whether the status is sticky (never transitions further).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunInterrupted:
		return true
	default:
		return false
	}
}

// NestingLimit bounds parent/child workflow depth (spec.md §3.1).
const NestingLimit = 3

// Run is a single execution of a workflow definition against concrete inputs.
type Run struct {
	ID                 string
	WorkflowName       string
	Status             RunStatus
	InputArgs          []any
	InputKwargs        map[string]any
	Result             map[string]any
	Error              string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ParentRunID        string
	NestingDepth       int
	IdempotencyKey     string
	RecoveryAttempts   int
	MaxRecoveryAttempts int
	MaxDurationMS      int64
	Metadata           map[string]any
	Tags               []string

	// SuccessorRunID is set when this run finished via continue_as_new;
	// it points at the fresh run that carries on with new input.
	SuccessorRunID string
}

// ResultAndErrorExclusive reports whether the mutual-exclusion invariant on
// Result/Error holds for this run.
func (r *Run) ResultAndErrorExclusive() bool {
	return r.Result == nil || r.Error == ""
}

// EventType identifies the family+verb of one immutable fact about a run.
type EventType string

const (
	EventWorkflowStarted        EventType = "workflow.started"
	EventWorkflowCompleted      EventType = "workflow.completed"
	EventWorkflowFailed         EventType = "workflow.failed"
	EventWorkflowInterrupted    EventType = "workflow.interrupted"
	EventWorkflowCancelled      EventType = "workflow.cancelled"
	EventWorkflowPaused         EventType = "workflow.paused"
	EventWorkflowResumed        EventType = "workflow.resumed"
	EventWorkflowContinuedAsNew EventType = "workflow.continued_as_new"

	EventStepStarted  EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"
	EventStepCancelled EventType = "step.cancelled"

	EventSleepStarted   EventType = "sleep.started"
	EventSleepCompleted EventType = "sleep.completed"

	EventHookCreated  EventType = "hook.created"
	EventHookReceived EventType = "hook.received"
	EventHookExpired  EventType = "hook.expired"
	EventHookDisposed EventType = "hook.disposed"

	EventChildStarted   EventType = "child_workflow.started"
	EventChildCompleted EventType = "child_workflow.completed"
	EventChildFailed    EventType = "child_workflow.failed"
	EventChildCancelled EventType = "child_workflow.cancelled"

	EventCancellationRequested EventType = "cancellation.requested"
)

// Event is one immutable, totally ordered per-run record.
type Event struct {
	ID        string
	RunID     string
	Sequence  int64
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// StepStatus is the lifecycle state of a step record.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// Step is the durable summary of one logical invocation of a step call.
type Step struct {
	ID            string // deterministic_hash(run_id, step_name, call_index)
	RunID         string
	StepName      string
	CallIndex     int
	Status        StepStatus
	Attempt       int
	MaxRetries    int
	RetryDelayMS  int64
	Result        map[string]any
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// HookStatus is the lifecycle state of a hook record.
type HookStatus string

const (
	HookPending  HookStatus = "PENDING"
	HookReceived HookStatus = "RECEIVED"
	HookExpired  HookStatus = "EXPIRED"
	HookDisposed HookStatus = "DISPOSED"
)

// Hook is a named, durable inbox slot a workflow body may await.
type Hook struct {
	ID        string // (run_id, name, call_index)
	RunID     string
	Name      string
	CallIndex int
	Schema    map[string]any
	Status    HookStatus
	Payload   map[string]any
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// WakeKind identifies what a scheduled wake is for.
type WakeKind string

const (
	WakeSleep       WakeKind = "sleep"
	WakeHookExpiry  WakeKind = "hook_expiry"
	WakeRunTimeout  WakeKind = "run_timeout"
	WakeScheduleTick WakeKind = "schedule_tick"
)

// ScheduledWake is a persistent timer popped by the broker adapter (or its
// sweeper) when a native delayed-delivery primitive is unavailable.
type ScheduledWake struct {
	ID      string
	RunID   string
	WakeAt  time.Time
	Kind    WakeKind
	Payload map[string]any
}

// ChildCancellationPolicy controls propagation of cancellation to children.
type ChildCancellationPolicy string

const (
	ChildTerminate ChildCancellationPolicy = "TERMINATE"
	ChildAbandon   ChildCancellationPolicy = "ABANDON"
	ChildWait      ChildCancellationPolicy = "WAIT"
)

// ScheduleState is the durable bookkeeping for one cron/interval trigger.
type ScheduleState struct {
	Name         string
	WorkflowName string
	Cron         string
	IntervalMS   int64
	Inputs       map[string]any
	Enabled      bool
	Timezone     string
	LastFireAt   *time.Time
	NextFireAt   *time.Time
	RunCount     int64
	ErrorCount   int64
	UpdatedAt    time.Time
}
