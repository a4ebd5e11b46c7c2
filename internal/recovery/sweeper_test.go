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

package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/broker"
	brokermemory "github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/model"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
)

func newSweeper(store *storagememory.Backend, queue *brokermemory.Queue, clk clock.Clock) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, queue, leader.NewAlwaysLeader("recovery-test"), clk, logger, Config{})
}

// claimExpired claims id with a TTL that has already elapsed by the time
// ClaimRun/ClaimStep returns, so ListExpiredClaims finds it without any
// caller needing to wait or coordinate clocks: the in-memory backend's claim
// bookkeeping is keyed off real wall time (matching sqlite/postgres, which
// lease via the database's own clock), independent of whatever clock.Clock
// the engine uses for workflow scheduling.
func claimExpired(t *testing.T, claim func(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error), id string) {
	t.Helper()
	ok, err := claim(context.Background(), id, "dead-worker", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func appendStarted(t *testing.T, store *storagememory.Backend, runID string, seq int64) {
	t.Helper()
	_, err := store.AppendEvent(context.Background(), runID, seq, &model.Event{
		Type: model.EventWorkflowStarted,
		Data: map[string]any{"call_index": -1},
	})
	require.NoError(t, err)
}

func TestSweeperReEnqueuesRunWithExpiredClaim(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	queue := brokermemory.New()
	sweeper := newSweeper(store, queue, clock.Real{})

	run := &model.Run{
		ID:                  "run-1",
		WorkflowName:        "anything",
		Status:              model.RunRunning,
		CreatedAt:           time.Now(),
		MaxRecoveryAttempts: 3,
	}
	_, created, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)
	appendStarted(t, store, run.ID, 0)
	claimExpired(t, store.ClaimRun, run.ID)

	require.NoError(t, sweeper.sweepOnce(ctx))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, got.Status)
	require.Equal(t, 1, got.RecoveryAttempts)

	require.Equal(t, 1, queue.Len())
	task, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, broker.TaskWorkflowTick, task.Class)
	require.Equal(t, run.ID, task.RunID)
}

func TestSweeperInterruptsRunAfterRecoveryExhausted(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	queue := brokermemory.New()
	sweeper := newSweeper(store, queue, clock.Real{})

	run := &model.Run{
		ID:                  "run-2",
		WorkflowName:        "anything",
		Status:              model.RunSuspended,
		CreatedAt:           time.Now(),
		MaxRecoveryAttempts: 1,
		RecoveryAttempts:    1,
	}
	_, created, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)
	appendStarted(t, store, run.ID, 0)
	claimExpired(t, store.ClaimRun, run.ID)

	require.NoError(t, sweeper.sweepOnce(ctx))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunInterrupted, got.Status)
	require.Equal(t, "recovery attempts exhausted", got.Error)
	require.NotNil(t, got.CompletedAt)

	events, err := store.ReadEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	var sawInterrupted bool
	for _, ev := range events {
		if ev.Type == model.EventWorkflowInterrupted {
			sawInterrupted = true
		}
	}
	require.True(t, sawInterrupted)
}

func TestSweeperInterruptedChildNotifiesParent(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	queue := brokermemory.New()
	sweeper := newSweeper(store, queue, clock.Real{})

	parent := &model.Run{ID: "parent-1", WorkflowName: "parent-wf", Status: model.RunSuspended, CreatedAt: time.Now()}
	_, created, err := store.CreateRun(ctx, parent)
	require.NoError(t, err)
	require.True(t, created)
	appendStarted(t, store, parent.ID, 0)
	_, err = store.AppendEvent(ctx, parent.ID, 1, &model.Event{
		Type: model.EventChildStarted,
		Data: map[string]any{"call_index": 0, "workflow_name": "child-wf", "child_run_id": "child-1", "wait": true},
	})
	require.NoError(t, err)

	child := &model.Run{
		ID:                  "child-1",
		WorkflowName:        "child-wf",
		Status:              model.RunSuspended,
		CreatedAt:           time.Now(),
		ParentRunID:         parent.ID,
		NestingDepth:        1,
		MaxRecoveryAttempts: 1,
		RecoveryAttempts:    1,
	}
	_, created, err = store.CreateRun(ctx, child)
	require.NoError(t, err)
	require.True(t, created)
	appendStarted(t, store, child.ID, 0)
	claimExpired(t, store.ClaimRun, child.ID)

	require.NoError(t, sweeper.sweepOnce(ctx))

	gotChild, err := store.GetRun(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunInterrupted, gotChild.Status)

	parentEvents, err := store.ReadEvents(ctx, parent.ID, 0)
	require.NoError(t, err)
	var sawChildFailed bool
	for _, ev := range parentEvents {
		if ev.Type == model.EventChildFailed {
			sawChildFailed = true
			require.Equal(t, 0, model.CallIndexOf(ev.Data))
			require.Equal(t, "recovery attempts exhausted", ev.Data["error"])
		}
	}
	require.True(t, sawChildFailed)

	// The parent's own tick was re-enqueued, not the child's (the child is
	// already terminal and needs no further ticking).
	require.Equal(t, 1, queue.Len())
	task, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, parent.ID, task.RunID)
}

func TestSweeperExpiresHookWakeAndNotifiesRun(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	queue := brokermemory.NewWithClock(fakeClock)
	sweeper := newSweeper(store, queue, fakeClock)

	run := &model.Run{ID: "run-3", WorkflowName: "approval", Status: model.RunSuspended, CreatedAt: fakeClock.Now()}
	_, created, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)
	appendStarted(t, store, run.ID, 0)

	hook := &model.Hook{
		ID:        "hook-1",
		RunID:     run.ID,
		Name:      "approve",
		CallIndex: 0,
		Status:    model.HookPending,
		CreatedAt: fakeClock.Now(),
	}
	require.NoError(t, store.UpsertHook(ctx, hook))

	wakeAt := fakeClock.Now().Add(time.Minute)
	require.NoError(t, store.ScheduleWake(ctx, &model.ScheduledWake{
		ID:      hook.ID + ":expiry",
		RunID:   run.ID,
		WakeAt:  wakeAt,
		Kind:    model.WakeHookExpiry,
		Payload: map[string]any{"hook_id": hook.ID},
	}))

	fakeClock.Advance(2 * time.Minute)
	require.NoError(t, sweeper.sweepOnce(ctx))

	gotHook, err := store.GetHook(ctx, hook.ID)
	require.NoError(t, err)
	require.Equal(t, model.HookExpired, gotHook.Status)

	events, err := store.ReadEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	var sawExpired bool
	for _, ev := range events {
		if ev.Type == model.EventHookExpired {
			sawExpired = true
		}
	}
	require.True(t, sawExpired)

	require.Equal(t, 1, queue.Len())
}
