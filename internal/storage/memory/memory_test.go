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

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
	"github.com/durableflow/engine/internal/storage/memory"
)

func TestCreateRunDeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	run := &model.Run{ID: "run-1", WorkflowName: "wf", IdempotencyKey: "key-1", Status: model.RunRunning}
	_, created, err := b.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)

	dup := &model.Run{ID: "run-2", WorkflowName: "wf", IdempotencyKey: "key-1", Status: model.RunRunning}
	existing, created, err := b.CreateRun(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "run-1", existing.ID)

	// A different workflow name with the same key is a distinct run: the
	// idempotency index is scoped to (workflow_name, idempotency_key).
	other := &model.Run{ID: "run-3", WorkflowName: "other-wf", IdempotencyKey: "key-1", Status: model.RunRunning}
	_, created, err = b.CreateRun(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	run := &model.Run{ID: "run-1", WorkflowName: "wf", Status: model.RunRunning}
	_, created, err := b.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)

	_, _, err = b.CreateRun(ctx, &model.Run{ID: "run-1", WorkflowName: "wf", Status: model.RunRunning})
	require.Error(t, err)
}

// TestAppendEventUsesZeroIndexedSequencing is a regression test for a bug
// where AppendEvent required expectedNextSequence == len(log)+1 instead of
// len(log), rejecting every append including a run's very first event —
// inconsistent with sqlite/postgres and every call site in the codebase,
// which all treat expectedNextSequence as the 0-indexed sequence number the
// new event itself receives.
func TestAppendEventUsesZeroIndexedSequencing(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	_, _, err := b.CreateRun(ctx, &model.Run{ID: "run-1", WorkflowName: "wf", Status: model.RunRunning})
	require.NoError(t, err)

	first, err := b.AppendEvent(ctx, "run-1", 0, &model.Event{Type: model.EventWorkflowStarted, Data: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, int64(0), first.Sequence)

	second, err := b.AppendEvent(ctx, "run-1", 1, &model.Event{Type: model.EventStepCompleted, Data: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, int64(1), second.Sequence)

	// A stale expectedNextSequence (as if a concurrent writer had already
	// appended) is rejected as a conflict.
	_, err = b.AppendEvent(ctx, "run-1", 1, &model.Event{Type: model.EventStepFailed, Data: map[string]any{}})
	require.Error(t, err)
}

func TestListRunsFiltersByWorkflowNameAndStatus(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	now := time.Now()
	require.NoError(t, seedRuns(ctx, b, now,
		run("a", "wf1", model.RunRunning),
		run("b", "wf1", model.RunCompleted),
		run("c", "wf2", model.RunRunning),
	))

	page, err := b.ListRuns(ctx, storage.RunFilter{WorkflowName: "wf1"})
	require.NoError(t, err)
	require.Len(t, page.Runs, 2)

	page, err = b.ListRuns(ctx, storage.RunFilter{Status: model.RunRunning})
	require.NoError(t, err)
	require.Len(t, page.Runs, 2)
}

func TestListRunsOrdersNewestFirstAndPaginatesByCursor(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		r := &model.Run{
			ID:           "run-" + string(rune('a'+i)),
			WorkflowName: "wf",
			Status:       model.RunRunning,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		_, created, err := b.CreateRun(ctx, r)
		require.NoError(t, err)
		require.True(t, created)
	}

	page1, err := b.ListRuns(ctx, storage.RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Runs, 2)
	require.Equal(t, "run-e", page1.Runs[0].ID, "newest (largest created_at) first")
	require.Equal(t, "run-d", page1.Runs[1].ID)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := b.ListRuns(ctx, storage.RunFilter{Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Runs, 2)
	require.Equal(t, "run-c", page2.Runs[0].ID)
	require.Equal(t, "run-b", page2.Runs[1].ID)
	require.NotEmpty(t, page2.NextCursor)

	page3, err := b.ListRuns(ctx, storage.RunFilter{Limit: 2, Cursor: page2.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3.Runs, 1)
	require.Equal(t, "run-a", page3.Runs[0].ID)
	require.Empty(t, page3.NextCursor, "last page has no more runs behind it")
}

func TestListRunsFiltersByTimeRange(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, seedRuns(ctx, b, base,
		run("early", "wf", model.RunRunning),
	))
	_, created, err := b.CreateRun(ctx, &model.Run{ID: "late", WorkflowName: "wf", Status: model.RunRunning, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, created)

	cutoff := base.Add(30 * time.Minute)
	page, err := b.ListRuns(ctx, storage.RunFilter{EndTime: &cutoff})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	require.Equal(t, "early", page.Runs[0].ID)
}

func TestClaimRunExcludesOtherWorkers(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	ok, err := b.ClaimRun(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.ClaimRun(ctx, "run-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a live claim held by another worker cannot be stolen")

	ok, err = b.RenewClaim(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.ReleaseClaim(ctx, "run-1", "worker-a"))
	ok, err = b.ClaimRun(ctx, "run-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "released claim is immediately claimable by another worker")
}

func run(id, workflowName string, status model.RunStatus) *model.Run {
	return &model.Run{ID: id, WorkflowName: workflowName, Status: status}
}

func seedRuns(ctx context.Context, b *memory.Backend, base time.Time, runs ...*model.Run) error {
	for i, r := range runs {
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, _, err := b.CreateRun(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
