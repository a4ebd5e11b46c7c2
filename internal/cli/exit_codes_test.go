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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/cli"
)

func TestNewUserErrorCarriesUserErrorExitCode(t *testing.T) {
	cause := errors.New("workflow not found")
	err := cli.NewUserError("unknown workflow", cause)

	require.Equal(t, cli.ExitUserError, err.Code)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "unknown workflow: workflow not found", err.Error())
}

func TestExitErrorWithoutCauseOmitsColon(t *testing.T) {
	err := cli.NewUserError("bad flags", nil)
	require.Equal(t, "bad flags", err.Error())
}

func TestExitErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := cli.NewUserError("wrapped", cause)
	require.Equal(t, cause, errors.Unwrap(err))
}
