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

// Command durableflow is the operator CLI (SPEC_FULL.md §0). The workflows
// and runs commands talk to a running durableflowd over HTTP; worker run
// and setup --check build storage and the broker from config themselves.
package main

import (
	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/commands/runs"
	"github.com/durableflow/engine/internal/commands/setup"
	"github.com/durableflow/engine/internal/commands/worker"
	"github.com/durableflow/engine/internal/commands/workflows"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd, flags := cli.NewRootCommand()
	rootCmd.AddCommand(worker.NewCommand(flags))
	rootCmd.AddCommand(workflows.NewCommand(flags))
	rootCmd.AddCommand(runs.NewCommand(flags))
	rootCmd.AddCommand(setup.NewCommand(flags))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
