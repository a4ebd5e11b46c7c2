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

// Package cli assembles the durableflow operator CLI's root command, the
// way the teacher's internal/cli/root.go assembles conductor's.
package cli

import "github.com/spf13/cobra"

// Flags holds the root command's persistent flags, read by subcommands
// building their own config/client wiring.
type Flags struct {
	Verbose bool
	Quiet   bool
	JSON    bool
	Config  string
	Addr    string
}

// NewRootCommand creates the root Cobra command. Subcommands are attached
// by main via cmd.AddCommand; this package only owns the root shell and its
// persistent flags, mirroring the teacher's root.go.
func NewRootCommand() (*cobra.Command, *Flags) {
	flags := &Flags{}

	cmd := &cobra.Command{
		Use:   "durableflow",
		Short: "durableflow operator CLI",
		Long: `durableflow is the operator CLI for the durableflow execution engine.

Run 'durableflow setup --check' to verify an environment is ready, then
'durableflow worker run' to start processing workflows, or 'durableflow
workflows run' to start a single run against an already-running durableflowd.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable verbose logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress non-error output")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "emit machine-readable JSON output")
	cmd.PersistentFlags().StringVar(&flags.Config, "config", "", "path to durableflow.config.yaml (default: ./durableflow.config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.Addr, "api-addr", "", "durableflowd API address to talk to (default: http://localhost:8080)")

	return cmd, flags
}

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// SetVersion records build-time version information, called from main
// with values injected via -ldflags.
func SetVersion(v, c, b string) {
	if v != "" {
		version = v
	}
	if c != "" {
		commit = c
	}
	if b != "" {
		buildDate = b
	}
}

// GetVersion returns the recorded version, commit, and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}
