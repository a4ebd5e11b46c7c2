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

package wiring_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/config"
	"github.com/durableflow/engine/internal/wiring"
)

func TestBuildDefaultsToMemoryStack(t *testing.T) {
	cfg := config.Default()
	stack, err := wiring.Build(cfg)
	require.NoError(t, err)
	require.NotNil(t, stack.Store)
	require.NotNil(t, stack.Queue)
	require.NoError(t, stack.Close())
}

func TestBuildSqliteRequiresPath(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "sqlite"
	_, err := wiring.Build(cfg)
	require.Error(t, err)
}

func TestBuildSqliteOpensFile(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "durableflow.db")

	stack, err := wiring.Build(cfg)
	require.NoError(t, err)
	defer stack.Close()
	require.NotNil(t, stack.Store)
}

func TestBuildUnknownBackendErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "bigquery"
	_, err := wiring.Build(cfg)
	require.Error(t, err)
}

func TestElectorDefaultsToAlwaysLeaderWithoutPostgres(t *testing.T) {
	cfg := config.Default()
	stack, err := wiring.Build(cfg)
	require.NoError(t, err)
	defer stack.Close()

	elector := stack.Elector("instance-1", nil)
	elector.Start(context.Background())
	require.True(t, elector.IsLeader())
}
