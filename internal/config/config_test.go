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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/config"
)

func TestDefaultHasSaneBounds(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 10, cfg.Worker.Concurrency)
	require.Equal(t, 3, cfg.Nesting.Limit)
	require.Equal(t, 30*time.Second, cfg.Claim.TTL)
}

func TestLoadWithMissingConfigFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default().Worker.Concurrency, cfg.Worker.Concurrency)
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durableflow.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 25\nstorage:\n  backend: sqlite\n  path: /tmp/x.db\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Worker.Concurrency)
	require.Equal(t, "sqlite", cfg.Storage.Backend)
	require.Equal(t, "/tmp/x.db", cfg.Storage.Path)
}

func TestLoadLayersEnvOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durableflow.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 25\n"), 0o644))

	t.Setenv("DURABLEFLOW_WORKER_CONCURRENCY", "7")
	t.Setenv("DURABLEFLOW_NESTING_LIMIT", "5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Worker.Concurrency, "env var must win over the yaml file")
	require.Equal(t, 5, cfg.Nesting.Limit)
}
