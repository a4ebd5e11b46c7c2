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

// Package worker implements `durableflow worker run` (spec.md §6.2): a
// standalone worker process that pulls workflow-tick and step tasks off the
// broker queue, without hosting the REST surface durableflowd owns.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/durableflow/engine/internal/broker"
	"github.com/durableflow/engine/internal/cli"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/config"
	"github.com/durableflow/engine/internal/dispatcher"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/examples"
	dflog "github.com/durableflow/engine/internal/log"
	"github.com/durableflow/engine/internal/recovery"
	"github.com/durableflow/engine/internal/schedule"
	"github.com/durableflow/engine/internal/wiring"
	"github.com/durableflow/engine/pkg/workflow"
)

// NewCommand creates the `worker` command group.
func NewCommand(flags *cli.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process against the configured broker",
	}
	cmd.AddCommand(newRunCommand(flags))
	return cmd
}

func newRunCommand(flags *cli.Flags) *cobra.Command {
	var (
		workflowOnly bool
		stepOnly     bool
		scheduleOnly bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start processing workflow-tick and step tasks",
		Long: `Start a worker process that pulls tasks off the configured broker queue
and drives workflows forward. Runs until interrupted.

By default a worker handles both workflow-tick and step tasks, and also runs
the recovery sweeper. --workflow-only and --step-only restrict it to one
task class (useful for scaling tick and step capacity independently);
--schedule runs only the cron/interval schedule ticker and nothing else.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowOnly && stepOnly {
				return cli.NewUserError("--workflow-only and --step-only are mutually exclusive", nil)
			}
			return runWorker(cmd.Context(), flags, workflowOnly, stepOnly, scheduleOnly)
		},
	}

	cmd.Flags().BoolVar(&workflowOnly, "workflow-only", false, "handle only workflow-tick tasks")
	cmd.Flags().BoolVar(&stepOnly, "step-only", false, "handle only step tasks")
	cmd.Flags().BoolVar(&scheduleOnly, "schedule", false, "run only the schedule ticker, no dispatcher")

	return cmd
}

func runWorker(ctx context.Context, flags *cli.Flags, workflowOnly, stepOnly, scheduleOnly bool) error {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return cli.NewUserError("load config", err)
	}

	level := "info"
	if flags.Verbose {
		level = "debug"
	}
	logger := dflog.New(&dflog.Config{Level: level, Format: dflog.FormatJSON, Output: os.Stderr})

	stack, err := wiring.Build(cfg)
	if err != nil {
		return fmt.Errorf("build storage/broker stack: %w", err)
	}
	defer stack.Close()

	registry := workflow.NewRegistry()
	if err := examples.Register(registry); err != nil {
		return fmt.Errorf("register example workflows: %w", err)
	}

	host, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", host, os.Getpid())
	clk := clock.Real{}

	elector := stack.Elector(workerID, logger)
	elector.Start(ctx)
	defer elector.Stop()

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if scheduleOnly {
		rt := engine.New(stack.Store, stack.Queue, registry, clk, logger)
		scheduler := schedule.New(stack.Store, engine.ScheduleAdapter{Runtime: rt}, elector, clk, logger)
		logger.Info("worker started in schedule-only mode", slog.String("worker_id", workerID))
		scheduler.Run(runCtx)
		return nil
	}

	var classes []broker.TaskClass
	switch {
	case workflowOnly:
		classes = []broker.TaskClass{broker.TaskWorkflowTick}
	case stepOnly:
		classes = []broker.TaskClass{broker.TaskStep}
	}

	disp := dispatcher.New(stack.Store, stack.Queue, registry, clk, logger, dispatcher.Config{
		WorkerID:     workerID,
		Concurrency:  cfg.Worker.Concurrency,
		ClaimTTL:     cfg.Claim.TTL,
		StepTimeout:  cfg.Runtime.StepTimeout,
		TaskClasses:  classes,
		NestingLimit: cfg.Nesting.Limit,
	})

	sweeper := recovery.New(stack.Store, stack.Queue, elector, clk, logger, recovery.Config{
		Interval: cfg.Recovery.Interval,
	})

	logger.Info("worker started", slog.String("worker_id", workerID),
		slog.Bool("workflow_only", workflowOnly), slog.Bool("step_only", stepOnly))

	done := make(chan struct{})
	go func() {
		sweeper.Run(runCtx)
		close(done)
	}()

	err = disp.Run(runCtx)
	cancel()
	<-done
	return err
}
