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

package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/model"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
)

// fakeStarter records every Start call and enforces the same idempotency
// contract as the real engine: a repeated key returns the original run
// rather than creating a second one.
type fakeStarter struct {
	byKey map[string]*model.Run
	calls []string
	fail  bool
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{byKey: make(map[string]*model.Run)}
}

func (f *fakeStarter) Start(ctx context.Context, workflowName string, kwargs map[string]any, idempotencyKey string) (*model.Run, error) {
	f.calls = append(f.calls, idempotencyKey)
	if f.fail {
		return nil, errors.New("starter: injected failure")
	}
	if run, ok := f.byKey[idempotencyKey]; ok {
		return run, nil
	}
	run := &model.Run{ID: idempotencyKey, WorkflowName: workflowName, Status: model.RunRunning}
	f.byKey[idempotencyKey] = run
	return run, nil
}

func newTestScheduler(store *storagememory.Backend, starter Starter, clk clock.Clock) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, starter, leader.NewAlwaysLeader("schedule-test"), clk, logger)
}

func TestSchedulerAddComputesIntervalNextFire(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	sched := newTestScheduler(store, newFakeStarter(), fakeClock)

	require.NoError(t, sched.Add(ctx, "every-minute", "heartbeat", "", 60_000, nil, ""))

	state, err := store.GetScheduleState(ctx, "every-minute")
	require.NoError(t, err)
	require.NotNil(t, state.NextFireAt)
	require.Equal(t, fakeClock.Now().Add(time.Minute), *state.NextFireAt)
	require.True(t, state.Enabled)
}

func TestSchedulerAddRejectsMissingTrigger(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	sched := newTestScheduler(store, newFakeStarter(), clock.Real{})

	err := sched.Add(ctx, "broken", "noop", "", 0, nil, "")
	require.Error(t, err)
}

func TestSchedulerFiresDueScheduleAndAdvancesNextFire(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	starter := newFakeStarter()
	sched := newTestScheduler(store, starter, fakeClock)

	require.NoError(t, sched.Add(ctx, "daily-report", "report", "0 10 * * *", 0, map[string]any{"format": "pdf"}, ""))

	firstFire, err := store.GetScheduleState(ctx, "daily-report")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC), *firstFire.NextFireAt)

	// Not yet due.
	fakeClock.Advance(30 * time.Minute)
	sched.tick(ctx)
	require.Empty(t, starter.calls)

	// Now due.
	fakeClock.Advance(time.Hour)
	sched.tick(ctx)
	require.Len(t, starter.calls, 1)

	state, err := store.GetScheduleState(ctx, "daily-report")
	require.NoError(t, err)
	require.Equal(t, int64(1), state.RunCount)
	require.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), *state.NextFireAt)
	require.NotNil(t, state.LastFireAt)
}

func TestSchedulerDuplicateTicksWithinSameFiringCollapse(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 7, 31, 9, 59, 0, 0, time.UTC))
	starter := newFakeStarter()
	sched := newTestScheduler(store, starter, fakeClock)

	require.NoError(t, sched.Add(ctx, "hourly", "noop", "@hourly", 0, nil, ""))
	fakeClock.Advance(2 * time.Minute)

	// The second tick stands in for another fleet member that read the
	// schedule before the first tick saved its advanced next_fire_at.
	due, err := store.GetScheduleState(ctx, "hourly")
	require.NoError(t, err)
	sched.tick(ctx)
	require.NoError(t, store.SaveScheduleState(ctx, due))
	sched.tick(ctx)

	require.Len(t, starter.calls, 2, "two ticks after the same firing both call Start")
	require.Equal(t, starter.calls[0], starter.calls[1], "both ticks used the same schedule-derived idempotency key, so the starter (and hence the real engine) collapses them into one run")
	require.Len(t, starter.byKey, 1)
}

func TestSchedulerDisablesOnUncomputableNextFire(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	sched := newTestScheduler(store, newFakeStarter(), fakeClock)

	require.NoError(t, sched.Add(ctx, "bad-tz", "noop", "0 10 * * *", 0, nil, ""))

	state, err := store.GetScheduleState(ctx, "bad-tz")
	require.NoError(t, err)
	// Corrupt the persisted trigger directly (simulating state left over
	// from a bad upgrade), so the next computeNext call inside fire() fails
	// and the schedule is disabled rather than firing forever.
	state.Cron = ""
	state.IntervalMS = 0
	require.NoError(t, store.SaveScheduleState(ctx, state))

	fakeClock.Advance(2 * time.Hour)
	sched.tick(ctx)

	got, err := store.GetScheduleState(ctx, "bad-tz")
	require.NoError(t, err)
	require.False(t, got.Enabled)
}

func TestSchedulerFailedStartStillAdvancesAndCountsError(t *testing.T) {
	ctx := context.Background()
	store := storagememory.New()
	fakeClock := clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	starter := newFakeStarter()
	starter.fail = true
	sched := newTestScheduler(store, starter, fakeClock)

	require.NoError(t, sched.Add(ctx, "flaky", "noop", "@hourly", 0, nil, ""))
	fakeClock.Advance(time.Hour)
	sched.tick(ctx)

	state, err := store.GetScheduleState(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, int64(1), state.ErrorCount)
	require.Equal(t, int64(1), state.RunCount)
	require.True(t, state.Enabled)
	require.NotNil(t, state.NextFireAt)
	require.Equal(t, time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC), *state.NextFireAt, "a failed start still advances next_fire_at so the schedule retries on its next natural tick instead of spinning")
}
