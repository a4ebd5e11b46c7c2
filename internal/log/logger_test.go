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

package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	dflog "github.com/durableflow/engine/internal/log"
)

func TestNewJSONHandlerEncodesStandardFields(t *testing.T) {
	var buf bytes.Buffer
	logger := dflog.New(&dflog.Config{Level: "info", Format: dflog.FormatJSON, Output: &buf})
	logger = dflog.WithRun(logger, "run-1", "my-workflow")
	logger.Info("tick processed", dflog.Error(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "run-1", line[dflog.RunIDKey])
	require.Equal(t, "my-workflow", line[dflog.WorkflowKey])
	require.Equal(t, "boom", line["error"])
}

func TestFromEnvReadsDurableflowVars(t *testing.T) {
	t.Setenv("DURABLEFLOW_LOG_LEVEL", "debug")
	t.Setenv("DURABLEFLOW_LOG_FORMAT", "text")

	cfg := dflog.FromEnv()
	require.Equal(t, "debug", cfg.Level)
	require.Equal(t, dflog.FormatText, cfg.Format)
}

func TestDebugLevelIsFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := dflog.New(&dflog.Config{Level: "info", Format: dflog.FormatJSON, Output: &buf})
	logger.Debug("should not appear")
	require.Empty(t, buf.Bytes())
}
