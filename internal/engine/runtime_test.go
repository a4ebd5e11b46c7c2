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

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

func newTestRuntime(t *testing.T) (*engine.Runtime, *storagememory.Backend, *memory.Queue) {
	t.Helper()
	store := storagememory.New()
	queue := memory.New()
	registry := workflow.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow("noop", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, nil))
	return engine.New(store, queue, registry, clock.NewFake(time.Now()), nil), store, queue
}

func TestStartRejectsUnregisteredWorkflow(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.Start(context.Background(), "does-not-exist", nil, nil, engine.StartOptions{})
	require.Error(t, err)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStartIsIdempotentOnKey(t *testing.T) {
	rt, _, queue := newTestRuntime(t)
	ctx := context.Background()

	run1, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{IdempotencyKey: "key-1"})
	require.NoError(t, err)

	run2, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{IdempotencyKey: "key-1"})
	require.NoError(t, err)

	require.Equal(t, run1.ID, run2.ID)
	// Only the first Start's tick should have been enqueued.
	require.Equal(t, 1, queue.Len())
}

func TestCancelNoopsOnTerminalRun(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	ctx := context.Background()

	run, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{})
	require.NoError(t, err)

	completedAt := time.Now()
	require.NoError(t, store.UpdateRunStatus(ctx, run.ID, model.RunPending, model.RunCompleted, func(r *model.Run) {
		r.CompletedAt = &completedAt
	}))

	require.NoError(t, rt.Cancel(ctx, run.ID, "too late"))

	events, err := store.ReadEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, model.EventCancellationRequested, ev.Type)
	}
}

func TestSignalHookOnMissingHookReturnsNotFound(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()

	run, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{})
	require.NoError(t, err)

	err = rt.SignalHook(ctx, run.ID, "does-not-exist", map[string]any{})
	require.ErrorIs(t, err, engine.ErrHookNotFound)
}

func TestSignalHookOnAlreadyResolvedHookReturnsNotPending(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	ctx := context.Background()

	run, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{})
	require.NoError(t, err)

	hookID := model.HookID(run.ID, "approve", 0)
	require.NoError(t, store.UpsertHook(ctx, &model.Hook{
		ID:        hookID,
		RunID:     run.ID,
		Name:      "approve",
		CallIndex: 0,
		Status:    model.HookReceived,
	}))

	err = rt.SignalHook(ctx, run.ID, "approve", map[string]any{})
	require.ErrorIs(t, err, engine.ErrHookNotPending)
	require.NotErrorIs(t, err, engine.ErrHookNotFound, "a resolved hook is distinct from a missing one")
}

func TestResumeIsNoopUnlessSuspended(t *testing.T) {
	rt, _, queue := newTestRuntime(t)
	ctx := context.Background()

	run, err := rt.Start(ctx, "noop", nil, nil, engine.StartOptions{})
	require.NoError(t, err)

	before := queue.Len()
	require.NoError(t, rt.Resume(ctx, run.ID))
	require.Equal(t, before, queue.Len(), "resuming a non-suspended run must not enqueue a tick")
}
