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

// Package broker defines the task-queue contract the dispatcher polls for
// work (spec.md §4.6): workflow ticks and step tasks, both with optional
// delayed delivery so a sleep or retry backoff doesn't busy-poll.
package broker

import (
	"context"
	"errors"
	"time"
)

// TaskClass distinguishes the two units of work the dispatcher consumes.
type TaskClass string

const (
	// TaskWorkflowTick asks the dispatcher to load a run and replay its
	// workflow body forward one tick.
	TaskWorkflowTick TaskClass = "workflow_tick"

	// TaskStep asks the dispatcher to execute one step invocation outside
	// the replay loop, delivering its result back via a workflow tick.
	TaskStep TaskClass = "step"
)

// Task is one unit of dispatchable work.
type Task struct {
	ID        string
	Class     TaskClass
	RunID     string
	StepID    string // set only when Class == TaskStep
	Priority  int
	CreatedAt time.Time

	// NotBefore is zero for immediate delivery, or a future time for
	// delayed delivery (sleeps, retry backoff, hook expiry checks).
	NotBefore time.Time
}

// Queue is the broker contract. Implementations must be safe for
// concurrent use by multiple dispatcher worker goroutines.
type Queue interface {
	// Enqueue adds a task to the queue. A task with a future NotBefore is
	// not eligible for Dequeue until that time passes.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue removes and returns the next eligible task. It blocks until
	// a task is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks currently queued,
	// including ones not yet eligible for delivery.
	Len() int

	// Close shuts the queue down; further Enqueue/Dequeue calls return
	// ErrQueueClosed.
	Close() error
}

// ErrQueueClosed is returned by Enqueue/Dequeue once Close has been called,
// matching the teacher's own sentinel queue error.
var ErrQueueClosed = errors.New("broker: queue is closed")
