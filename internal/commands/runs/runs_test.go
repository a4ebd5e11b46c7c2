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

package runs_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/api"
	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/commands/runs"
	"github.com/durableflow/engine/internal/engine"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

func newFakeDurableflowd(t *testing.T) (string, *engine.Runtime) {
	t.Helper()
	store := storagememory.New()
	queue := memory.New()
	registry := workflow.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow("examples.echo", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, []workflow.ParamSpec{}))

	rt := engine.New(store, queue, registry, clock.NewFake(time.Now()), nil)
	srv := api.New(api.Config{Addr: ":0"}, store, rt, registry, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, rt
}

func TestRunsListReturnsNoErrorWhenEmpty(t *testing.T) {
	addr, _ := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(runs.NewCommand(flags))

	cmd.SetArgs([]string{"runs", "list", "--api-addr", addr})
	require.NoError(t, cmd.Execute())
}

func TestRunsStatusReportsUnknownRunAsUserError(t *testing.T) {
	addr, _ := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(runs.NewCommand(flags))

	cmd.SetArgs([]string{"runs", "status", "nonexistent", "--api-addr", addr})
	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUserError, exitErr.Code)
}

func TestRunsStatusAndCancelRoundTrip(t *testing.T) {
	addr, rt := newFakeDurableflowd(t)
	run, err := rt.Start(t.Context(), "examples.echo", nil, nil, engine.StartOptions{})
	require.NoError(t, err)

	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(runs.NewCommand(flags))

	cmd.SetArgs([]string{"runs", "status", run.ID, "--api-addr", addr})
	require.NoError(t, cmd.Execute())

	cmd2, flags2 := cli.NewRootCommand()
	cmd2.AddCommand(runs.NewCommand(flags2))
	cmd2.SetArgs([]string{"runs", "cancel", run.ID, "--reason", "test", "--api-addr", addr})
	require.NoError(t, cmd2.Execute())
}

func TestRunsChildrenFiltersByParent(t *testing.T) {
	addr, _ := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(runs.NewCommand(flags))

	cmd.SetArgs([]string{"runs", "children", "some-parent-id", "--api-addr", addr})
	require.NoError(t, cmd.Execute())
}
