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

package workflows_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/api"
	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/commands/workflows"
	"github.com/durableflow/engine/internal/engine"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

func newFakeDurableflowd(t *testing.T) string {
	t.Helper()
	store := storagememory.New()
	queue := memory.New()
	registry := workflow.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow("examples.echo", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, []workflow.ParamSpec{{Name: "name", Type: "string", Required: true}}))

	rt := engine.New(store, queue, registry, clock.NewFake(time.Now()), nil)
	srv := api.New(api.Config{Addr: ":0"}, store, rt, registry, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestWorkflowsListPrintsRegisteredWorkflow(t *testing.T) {
	addr := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(workflows.NewCommand(flags))

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"workflows", "list", "--api-addr", addr})
	require.NoError(t, cmd.Execute())
}

func TestWorkflowsRunStartsARun(t *testing.T) {
	addr := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(workflows.NewCommand(flags))

	cmd.SetArgs([]string{"workflows", "run", "examples.echo", "--kwargs", `{"name":"ada"}`, "--api-addr", addr})
	require.NoError(t, cmd.Execute())
}

func TestWorkflowsRunRejectsInvalidKwargsJSON(t *testing.T) {
	addr := newFakeDurableflowd(t)
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(workflows.NewCommand(flags))

	cmd.SetArgs([]string{"workflows", "run", "examples.echo", "--kwargs", "not-json", "--api-addr", addr})
	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUserError, exitErr.Code)
	require.True(t, strings.Contains(err.Error(), "kwargs"))
}
