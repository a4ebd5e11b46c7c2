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

// Package enginetest builds a fully in-memory engine (storage, broker,
// registry, runtime, dispatcher, always-leader elector) for package tests
// that need to start a run and drive it to completion without a real
// worker loop or leader election. It has no recovery sweeper.
package enginetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/dispatcher"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/model"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

// Fixture wires an in-memory engine: every piece a workflow needs to run,
// built fresh per test.
type Fixture struct {
	T          testing.TB
	Store      *storagememory.Backend
	Queue      *memory.Queue
	Registry   *workflow.Registry
	Clock      *clock.Fake
	Runtime    *engine.Runtime
	Dispatcher *dispatcher.Dispatcher
	Elector    leader.Elector
}

// Option customizes a Fixture before it's built.
type Option func(*options)

type options struct {
	now          time.Time
	claimTTL     time.Duration
	nestingLimit int
}

// WithNow sets the fake clock's starting time (default: 2026-01-01 UTC).
func WithNow(now time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithNestingLimit overrides the replay engine's maximum child-workflow
// depth (default: model.NestingLimit).
func WithNestingLimit(limit int) Option {
	return func(o *options) { o.nestingLimit = limit }
}

// New builds a Fixture with a blank registry. Call Registry.RegisterWorkflow
// / RegisterStep before starting any run.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()

	o := &options{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), claimTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	store := storagememory.New()
	registry := workflow.NewRegistry()
	fakeClock := clock.NewFake(o.now)
	queue := memory.NewWithClock(fakeClock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rt := engine.New(store, queue, registry, fakeClock, logger)
	disp := dispatcher.New(store, queue, registry, fakeClock, logger, dispatcher.Config{
		WorkerID:     "enginetest",
		ClaimTTL:     o.claimTTL,
		NestingLimit: o.nestingLimit,
	})

	return &Fixture{
		T:          t,
		Store:      store,
		Queue:      queue,
		Registry:   registry,
		Clock:      fakeClock,
		Runtime:    rt,
		Dispatcher: disp,
		Elector:    leader.NewAlwaysLeader("enginetest"),
	}
}

// Start starts a run and drains the dispatcher until no queued task is
// eligible, returning the run's state as of the last drain pass. Workflows that
// suspend on a hook or sleep will return with a non-terminal status; the
// caller is expected to call SignalHook/Advance and Drain again.
func (f *Fixture) Start(ctx context.Context, workflowName string, kwargs map[string]any) (*model.Run, error) {
	f.T.Helper()

	run, err := f.Runtime.Start(ctx, workflowName, nil, kwargs, engine.StartOptions{})
	if err != nil {
		return nil, err
	}
	if err := f.Drain(ctx); err != nil {
		return nil, err
	}
	return f.Store.GetRun(ctx, run.ID)
}

// Drain runs the dispatcher's synchronous drain loop to quiescence.
func (f *Fixture) Drain(ctx context.Context) error {
	return f.Dispatcher.Drain(ctx)
}

// Advance moves the fake clock forward by d and drains any tasks that
// become eligible as a result (sleep timers, retry backoff).
func (f *Fixture) Advance(ctx context.Context, d time.Duration) error {
	f.Clock.Advance(d)
	return f.Drain(ctx)
}

// SignalHook delivers a hook and drains the resulting tick.
func (f *Fixture) SignalHook(ctx context.Context, runID, hookName string, payload map[string]any) error {
	if err := f.Runtime.SignalHook(ctx, runID, hookName, payload); err != nil {
		return err
	}
	return f.Drain(ctx)
}

// Events returns the full event log for a run.
func (f *Fixture) Events(ctx context.Context, runID string) ([]*model.Event, error) {
	return f.Store.ReadEvents(ctx, runID, 0)
}
