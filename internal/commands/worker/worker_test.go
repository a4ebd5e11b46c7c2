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

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/commands/worker"
)

func TestWorkerRunRejectsWorkflowOnlyAndStepOnlyTogether(t *testing.T) {
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(worker.NewCommand(flags))
	cmd.SetArgs([]string{"worker", "run", "--workflow-only", "--step-only"})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUserError, exitErr.Code)
}

func TestWorkerRunScheduleOnlyStopsOnContextCancel(t *testing.T) {
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(worker.NewCommand(flags))
	cmd.SetArgs([]string{"worker", "run", "--schedule", "--config", "does-not-exist.yaml"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := cmd.ExecuteContext(ctx)
	require.NoError(t, err)
}
