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

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
)

func TestQueueOrdersByPriority(t *testing.T) {
	q := memory.New()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &broker.Task{ID: "low", Priority: 0}))
	require.NoError(t, q.Enqueue(ctx, &broker.Task{ID: "high", Priority: 10}))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", task.ID)
}

func TestQueueWithFakeClockHoldsBackDelayedTask(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := memory.NewWithClock(fake)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &broker.Task{ID: "delayed", NotBefore: fake.Now().Add(time.Hour)}))

	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(dctx)
	require.Error(t, err, "task with a future NotBefore must not be eligible yet")

	fake.Advance(2 * time.Hour)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "delayed", task.ID)
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	q := memory.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	require.NoError(t, q.Close())
	require.ErrorIs(t, <-errCh, broker.ErrQueueClosed)
}
