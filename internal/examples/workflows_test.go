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

package examples_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/dispatcher"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/examples"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

func TestRegisterAddsAllDemoWorkflowsAndSteps(t *testing.T) {
	reg := workflow.NewRegistry()
	require.NoError(t, examples.Register(reg))

	_, ok := reg.Workflow("examples.echo")
	require.True(t, ok)
	_, ok = reg.Workflow("examples.approval_gate")
	require.True(t, ok)
	_, ok = reg.Step("examples.greet")
	require.True(t, ok)
}

func TestRegisterTwiceOnSameRegistryFails(t *testing.T) {
	reg := workflow.NewRegistry()
	require.NoError(t, examples.Register(reg))
	require.Error(t, examples.Register(reg))
}

func TestEchoWorkflowRunsToCompletion(t *testing.T) {
	reg := workflow.NewRegistry()
	require.NoError(t, examples.Register(reg))

	store := storagememory.New()
	queue := memory.NewWithClock(clock.NewFake(time.Now()))
	clk := clock.NewFake(time.Now())
	rt := engine.New(store, queue, reg, clk, nil)
	disp := dispatcher.New(store, queue, reg, clk, nil, dispatcher.Config{})

	run, err := rt.Start(t.Context(), "examples.echo", nil, map[string]any{"name": "ada"}, engine.StartOptions{})
	require.NoError(t, err)

	require.NoError(t, disp.Drain(t.Context()))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", string(got.Status))
	require.Equal(t, "hello, ada", got.Result["greeting"])
}
