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

package cli_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/cli"
)

func TestNewRootCommandRegistersPersistentFlags(t *testing.T) {
	cmd, flags := cli.NewRootCommand()
	require.Equal(t, "durableflow", cmd.Use)

	require.NoError(t, cmd.PersistentFlags().Set("verbose", "true"))
	require.True(t, flags.Verbose)

	require.NoError(t, cmd.PersistentFlags().Set("api-addr", "http://localhost:9999"))
	require.Equal(t, "http://localhost:9999", flags.Addr)
}

func TestSetVersionAndGetVersionRoundTrip(t *testing.T) {
	cli.SetVersion("1.2.3", "abcdef", "2026-07-31")
	v, c, b := cli.GetVersion()
	require.Equal(t, "1.2.3", v)
	require.Equal(t, "abcdef", c)
	require.Equal(t, "2026-07-31", b)
}

func TestSetVersionIgnoresEmptyValues(t *testing.T) {
	cli.SetVersion("2.0.0", "deadbeef", "2026-08-01")
	cli.SetVersion("", "", "")
	v, c, b := cli.GetVersion()
	require.Equal(t, "2.0.0", v)
	require.Equal(t, "deadbeef", c)
	require.Equal(t, "2026-08-01", b)
}
