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

// Package workflows implements `durableflow workflows list|run` (spec.md
// §6.2) against a running durableflowd's REST surface.
package workflows

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/client"
)

// NewCommand creates the `workflows` command group.
func NewCommand(flags *cli.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List and start registered workflows",
	}
	cmd.AddCommand(newListCommand(flags))
	cmd.AddCommand(newRunCommand(flags))
	return cmd
}

func newListCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows registered on the running durableflowd",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(flags.Addr)
			wfs, err := c.ListWorkflows(cmd.Context())
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}

			if flags.JSON {
				return json.NewEncoder(os.Stdout).Encode(wfs)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPARAMS")
			for _, wf := range wfs {
				names := ""
				for i, p := range wf.Params {
					if i > 0 {
						names += ", "
					}
					names += p.Name
					if p.Required {
						names += "*"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\n", wf.Name, names)
			}
			return tw.Flush()
		},
	}
}

func newRunCommand(flags *cli.Flags) *cobra.Command {
	var kwargsJSON string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "run <workflow-name>",
		Short: "Start a run of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kwargs := map[string]any{}
			if kwargsJSON != "" {
				if err := json.Unmarshal([]byte(kwargsJSON), &kwargs); err != nil {
					return cli.NewUserError("--kwargs is not valid JSON", err)
				}
			}

			c := client.New(flags.Addr)
			run, err := c.StartRun(cmd.Context(), client.StartRunRequest{
				WorkflowName:   args[0],
				Kwargs:         kwargs,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}

			if flags.JSON {
				return json.NewEncoder(os.Stdout).Encode(run)
			}
			fmt.Printf("started run %s (%s)\n", run.ID, run.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "JSON object of workflow keyword arguments")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key to deduplicate repeated runs")

	return cmd
}
