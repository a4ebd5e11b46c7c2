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

package setup_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/commands/setup"
)

func TestSetupCheckPassesWithDefaultInMemoryBackends(t *testing.T) {
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(setup.NewCommand(flags))

	cmd.SetArgs([]string{"setup", "--check", "--config", "does-not-exist.yaml"})
	require.NoError(t, cmd.Execute())
}

func TestSetupWithoutCheckFlagIsAUserError(t *testing.T) {
	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(setup.NewCommand(flags))

	cmd.SetArgs([]string{"setup"})
	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUserError, exitErr.Code)
}

func TestSetupCheckReportsBadConfigFile(t *testing.T) {
	badConfig := t.TempDir() + "/bad.yaml"
	require.NoError(t, os.WriteFile(badConfig, []byte("storage: [this is not valid: yaml"), 0o644))

	cmd, flags := cli.NewRootCommand()
	cmd.AddCommand(setup.NewCommand(flags))
	cmd.SetArgs([]string{"setup", "--check", "--config", badConfig})

	err := cmd.Execute()
	require.Error(t, err)
}
