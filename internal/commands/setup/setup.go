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

// Package setup implements `durableflow setup --check` (spec.md §6.2),
// grounded on the teacher's internal/commands/diagnostics doctor command:
// a read-only health check of the resolved configuration, reported with
// actionable recommendations rather than a raw error trace.
package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/config"
	"github.com/durableflow/engine/internal/wiring"
)

// Result is the outcome of `setup --check`.
type Result struct {
	ConfigPath      string   `json:"config_path"`
	StorageBackend  string   `json:"storage_backend"`
	BrokerURL       string   `json:"broker_url"`
	StorageHealthy  bool     `json:"storage_healthy"`
	StorageError    string   `json:"storage_error,omitempty"`
	Recommendations []string `json:"recommendations"`
	OverallHealthy  bool     `json:"overall_healthy"`
}

// NewCommand creates the `setup` command.
func NewCommand(flags *cli.Flags) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Check that the configured storage and broker backends are reachable",
		Long: `Verify a durableflow environment is ready to run: the config file parses,
the storage backend responds to Ping, and the broker URL is well-formed.

Run this before 'worker run' or 'durableflowd' in a new environment to catch
misconfiguration before a process silently fails to start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !check {
				return cli.NewUserError("setup currently only supports --check", nil)
			}
			result := runCheck(cmd.Context(), flags)
			return report(flags, result)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "check configuration and backend connectivity")
	return cmd
}

func runCheck(ctx context.Context, flags *cli.Flags) Result {
	result := Result{ConfigPath: flags.Config}

	cfg, err := config.Load(flags.Config)
	if err != nil {
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("fix durableflow.config.yaml: %v", err))
		return result
	}

	result.StorageBackend = cfg.Storage.Backend
	result.BrokerURL = cfg.Broker.URL
	if result.StorageBackend == "" {
		result.StorageBackend = "memory"
	}
	if result.BrokerURL == "" {
		result.BrokerURL = "memory://"
	}

	stack, err := wiring.Build(cfg)
	if err != nil {
		result.StorageError = err.Error()
		result.Recommendations = append(result.Recommendations,
			"fix storage/broker configuration: "+err.Error())
		return result
	}
	defer stack.Close()

	if err := stack.Store.Ping(ctx); err != nil {
		result.StorageError = err.Error()
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("storage backend %q is unreachable: %v", result.StorageBackend, err))
		return result
	}

	result.StorageHealthy = true
	result.OverallHealthy = true
	if cfg.Module == "" {
		result.Recommendations = append(result.Recommendations,
			"no workflows registered beyond the built-in examples package; link your own workflows into a custom main to run production workloads")
	}
	return result
}

func report(flags *cli.Flags, result Result) error {
	if flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("config:          %s\n", orDefault(result.ConfigPath, "durableflow.config.yaml"))
	fmt.Printf("storage backend: %s\n", result.StorageBackend)
	fmt.Printf("broker:          %s\n", result.BrokerURL)
	fmt.Printf("storage healthy: %t\n", result.StorageHealthy)
	for _, rec := range result.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}

	if !result.OverallHealthy {
		return cli.NewUserError("setup check found problems", nil)
	}
	fmt.Println("setup check passed")
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
