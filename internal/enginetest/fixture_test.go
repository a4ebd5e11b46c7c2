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

package enginetest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/enginetest"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/pkg/workflow"
)

func TestFixtureRunsStraightLineWorkflowToCompletion(t *testing.T) {
	f := enginetest.New(t)
	require.NoError(t, f.Registry.RegisterStep("double", func(ctx context.Context, args ...any) (map[string]any, error) {
		n := args[0].(int)
		return map[string]any{"result": n * 2}, nil
	}))
	require.NoError(t, f.Registry.RegisterWorkflow("doubler", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		out, err := ctx.Step("double", workflow.StepOptions{}, 21)
		if err != nil {
			return nil, err
		}
		return out, nil
	}, nil))

	run, err := f.Start(context.Background(), "doubler", nil)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)
	require.Equal(t, float64(42), toFloat(t, run.Result["result"]))
}

func TestFixtureSuspendsOnHookAndResumesOnSignal(t *testing.T) {
	f := enginetest.New(t)
	require.NoError(t, f.Registry.RegisterWorkflow("approval", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		payload, err := ctx.Hook("approve", workflow.HookOptions{})
		if err != nil {
			return nil, err
		}
		return payload, nil
	}, nil))

	run, err := f.Start(context.Background(), "approval", nil)
	require.NoError(t, err)
	require.Equal(t, model.RunSuspended, run.Status)

	require.NoError(t, f.SignalHook(context.Background(), run.ID, "approve", map[string]any{"approved": true}))

	run, err = f.Store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)
	require.Equal(t, true, run.Result["approved"])
}

func TestFixtureAdvancesSleepTimer(t *testing.T) {
	f := enginetest.New(t)
	require.NoError(t, f.Registry.RegisterWorkflow("napper", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return map[string]any{"woke": true}, nil
	}, nil))

	run, err := f.Start(context.Background(), "napper", nil)
	require.NoError(t, err)
	require.NotEqual(t, model.RunCompleted, run.Status)

	require.NoError(t, f.Advance(context.Background(), 2*time.Hour))

	run, err = f.Store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)
}

func TestFixtureRetriesStepThenSucceeds(t *testing.T) {
	f := enginetest.New(t)
	attempts := 0
	require.NoError(t, f.Registry.RegisterStep("flaky", func(ctx context.Context, args ...any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure on attempt %d", attempts)
		}
		return map[string]any{"ok": true}, nil
	}))
	require.NoError(t, f.Registry.RegisterWorkflow("retrier", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return ctx.Step("flaky", workflow.StepOptions{MaxRetries: 3, RetryDelay: time.Second})
	}, nil))

	run, err := f.Start(context.Background(), "retrier", nil)
	require.NoError(t, err)
	require.NotEqual(t, model.RunCompleted, run.Status)

	// Each retry's backoff is computed relative to the clock at the moment
	// it's scheduled, so a single big jump only crosses the first delay;
	// advance once per retry to cross the growing backoff deterministically.
	require.NoError(t, f.Advance(context.Background(), 2*time.Second))
	require.NoError(t, f.Advance(context.Background(), 5*time.Second))

	run, err = f.Store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)
	require.Equal(t, true, run.Result["ok"])
	require.Equal(t, 3, attempts)

	events, err := f.Events(context.Background(), run.ID)
	require.NoError(t, err)
	retrying, completed := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case model.EventStepRetrying:
			retrying++
		case model.EventStepCompleted:
			completed++
		}
	}
	require.Equal(t, 2, retrying)
	require.Equal(t, 1, completed)
}

func TestFixtureIdempotentStartReturnsSameRun(t *testing.T) {
	f := enginetest.New(t)
	require.NoError(t, f.Registry.RegisterWorkflow("payment", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{"charged": true}, nil
	}, nil))

	ctx := context.Background()
	first, err := f.Runtime.Start(ctx, "payment", nil, map[string]any{"id": "p1"}, engine.StartOptions{IdempotencyKey: "pay-p1"})
	require.NoError(t, err)
	second, err := f.Runtime.Start(ctx, "payment", nil, map[string]any{"id": "p1"}, engine.StartOptions{IdempotencyKey: "pay-p1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.NoError(t, f.Drain(ctx))

	events, err := f.Events(ctx, first.ID)
	require.NoError(t, err)
	started := 0
	for _, ev := range events {
		if ev.Type == model.EventWorkflowStarted {
			started++
		}
	}
	require.Equal(t, 1, started)
}

func TestFixtureCancelSuspendedOnHookDisposesIt(t *testing.T) {
	f := enginetest.New(t)
	require.NoError(t, f.Registry.RegisterWorkflow("approval", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return ctx.Hook("approve", workflow.HookOptions{Expires: 24 * time.Hour})
	}, nil))

	ctx := context.Background()
	run, err := f.Start(ctx, "approval", nil)
	require.NoError(t, err)
	require.Equal(t, model.RunSuspended, run.Status)

	require.NoError(t, f.Runtime.Cancel(ctx, run.ID, "user"))
	require.NoError(t, f.Drain(ctx))

	run, err = f.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, run.Status)

	hook, err := f.Store.FindHookByName(ctx, run.ID, "approve")
	require.NoError(t, err)
	require.Equal(t, model.HookDisposed, hook.Status)

	events, err := f.Events(ctx, run.ID)
	require.NoError(t, err)
	var sawCancellationRequested, sawCancelled, sawHookReceived bool
	for _, ev := range events {
		switch ev.Type {
		case model.EventCancellationRequested:
			sawCancellationRequested = true
		case model.EventWorkflowCancelled:
			sawCancelled = true
		case model.EventHookReceived:
			sawHookReceived = true
		}
	}
	require.True(t, sawCancellationRequested)
	require.True(t, sawCancelled)
	require.False(t, sawHookReceived)

	// A late signal against the now-disposed hook must be rejected.
	err = f.SignalHook(ctx, run.ID, "approve", map[string]any{"approved": true})
	require.Error(t, err)
}

func TestFixtureShieldDefersCancellationUntilRegionExits(t *testing.T) {
	f := enginetest.New(t)
	ctx := context.Background()
	var runID string
	// The compensating step requests cancellation against its own run
	// partway through its own execution, simulating a cancel that arrives
	// while a shielded step is in flight: the next tick must let the
	// already-completed step stand and only raise cancellation once the
	// shield region closes.
	require.NoError(t, f.Registry.RegisterStep("compensate", func(stepCtx context.Context, args ...any) (map[string]any, error) {
		if err := f.Runtime.Cancel(ctx, runID, "user"); err != nil {
			return nil, err
		}
		return map[string]any{"compensated": true}, nil
	}))
	require.NoError(t, f.Registry.RegisterWorkflow("shielded", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		var result map[string]any
		shieldErr := wfCtx.Shield(func() error {
			r, stepErr := wfCtx.Step("compensate", workflow.StepOptions{}, nil)
			result = r
			return stepErr
		})
		if shieldErr != nil {
			return nil, shieldErr
		}
		return result, nil
	}, nil))

	run, err := f.Runtime.Start(ctx, "shielded", nil, nil, engine.StartOptions{})
	require.NoError(t, err)
	runID = run.ID

	require.NoError(t, f.Drain(ctx))

	run, err = f.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	// The shielded step still ran to completion (its step.completed event
	// is observed before the deferred cancellation is re-raised), but the
	// run itself ends CANCELLED rather than COMPLETED.
	require.Equal(t, model.RunCancelled, run.Status)

	events, err := f.Events(ctx, run.ID)
	require.NoError(t, err)
	var sawStepCompleted, sawCancelled bool
	for _, ev := range events {
		switch ev.Type {
		case model.EventStepCompleted:
			sawStepCompleted = true
		case model.EventWorkflowCancelled:
			sawCancelled = true
		}
	}
	require.True(t, sawStepCompleted)
	require.True(t, sawCancelled)
}

func TestFixtureCancelTerminatesChildrenBeforeParent(t *testing.T) {
	f := enginetest.New(t)
	ctx := context.Background()

	require.NoError(t, f.Registry.RegisterWorkflow("child", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return wfCtx.Hook("child-wait", workflow.HookOptions{})
	}, nil))
	require.NoError(t, f.Registry.RegisterWorkflow("parent", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		for i := 0; i < 2; i++ {
			if _, err := wfCtx.StartChildWorkflow("child", nil, nil, workflow.ChildOptions{
				Wait:               false,
				CancellationPolicy: workflow.ChildTerminate,
			}); err != nil {
				return nil, err
			}
		}
		return wfCtx.Hook("parent-wait", workflow.HookOptions{})
	}, nil))

	parent, err := f.Start(ctx, "parent", nil)
	require.NoError(t, err)
	require.Equal(t, model.RunSuspended, parent.Status)

	childRunIDs := []string{model.ChildRunID(parent.ID, 0), model.ChildRunID(parent.ID, 1)}
	for _, id := range childRunIDs {
		child, err := f.Store.GetRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.RunSuspended, child.Status)
		require.Equal(t, parent.NestingDepth+1, child.NestingDepth)
	}

	require.NoError(t, f.Runtime.Cancel(ctx, parent.ID, "user"))
	require.NoError(t, f.Drain(ctx))

	parent, err = f.Store.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, parent.Status)

	for _, id := range childRunIDs {
		child, err := f.Store.GetRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.RunCancelled, child.Status)
	}
}

func TestFixtureNestingLimitRejectsChildBeyondDepth(t *testing.T) {
	f := enginetest.New(t, enginetest.WithNestingLimit(1))
	ctx := context.Background()

	require.NoError(t, f.Registry.RegisterWorkflow("child", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, nil))
	require.NoError(t, f.Registry.RegisterWorkflow("grandchild-spawner", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return wfCtx.StartChildWorkflow("child", nil, nil, workflow.ChildOptions{Wait: true})
	}, nil))
	require.NoError(t, f.Registry.RegisterWorkflow("root", func(wfCtx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return wfCtx.StartChildWorkflow("grandchild-spawner", nil, nil, workflow.ChildOptions{Wait: true})
	}, nil))

	run, err := f.Start(ctx, "root", nil)
	require.NoError(t, err)

	// The root run (depth 0) spawns a child at depth 1, which is within the
	// configured limit of 1; that child then tries to spawn a grandchild at
	// depth 2, which exceeds it and surfaces as a fatal error that neither
	// workflow body catches, so the failure propagates all the way up.
	require.Equal(t, model.RunFailed, run.Status)
	require.Contains(t, run.Error, "nesting")

	child, err := f.Store.GetRun(ctx, model.ChildRunID(run.ID, 0))
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, child.Status)
	require.Contains(t, child.Error, "nesting")
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		t.Fatalf("unexpected numeric type %T", v)
		return 0
	}
}
