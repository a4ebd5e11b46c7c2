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

// Package memory provides an in-process broker.Queue for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/clock"
)

var _ broker.Queue = (*Queue)(nil)

// Queue is an in-memory, priority-ordered task queue with delayed delivery.
// A task is eligible for Dequeue only once its NotBefore has passed.
type Queue struct {
	mu       sync.Mutex
	tasks    []*broker.Task
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
	clock    clock.Clock
}

// New creates a new in-memory broker queue using the real wall clock.
func New() *Queue {
	return NewWithClock(clock.Real{})
}

// NewWithClock creates an in-memory broker queue whose NotBefore eligibility
// checks are driven by clk, so a clock.Fake makes delayed-task tests
// (sleep timers, retry backoff) deterministic instead of racing wall time.
func NewWithClock(clk clock.Clock) *Queue {
	return &Queue{
		tasks:  make([]*broker.Task, 0),
		signal: make(chan struct{}, 1),
		clock:  clk,
	}
}

// Enqueue implements broker.Queue.
func (q *Queue) Enqueue(ctx context.Context, task *broker.Task) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return broker.ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	inserted := false
	for i, t := range q.tasks {
		if task.Priority > t.Priority {
			q.tasks = append(q.tasks[:i], append([]*broker.Task{task}, q.tasks[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.tasks = append(q.tasks, task)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue implements broker.Queue. It blocks, polling on a short interval,
// until an eligible (NotBefore elapsed) task is available.
func (q *Queue) Dequeue(ctx context.Context) (*broker.Task, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, broker.ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		now := q.clock.Now()
		for i, t := range q.tasks {
			if t.NotBefore.IsZero() || !t.NotBefore.After(now) {
				q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
				q.mu.Unlock()
				return t, nil
			}
		}
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-q.clock.After(wait):
		}
	}
}

// nextWakeLocked returns how long to wait before the earliest delayed task
// becomes eligible, capped so a closed/empty queue still polls for
// cancellation. Caller holds q.mu.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	const maxPoll = 100 * time.Millisecond
	wait := maxPoll
	for _, t := range q.tasks {
		if t.NotBefore.IsZero() {
			continue
		}
		if d := t.NotBefore.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

// Len implements broker.Queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close implements broker.Queue.
func (q *Queue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
