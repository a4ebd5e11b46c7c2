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

// Command durableflowd is the long-running fleet member: it hosts the REST
// control/observability surface, the workflow and step dispatchers, the
// recovery sweeper, and the schedule ticker in one process (SPEC_FULL.md §0,
// matching the teacher's single-binary cmd/conductord).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/durableflow/engine/internal/api"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/config"
	"github.com/durableflow/engine/internal/dispatcher"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/examples"
	dflog "github.com/durableflow/engine/internal/log"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/observability"
	"github.com/durableflow/engine/internal/recovery"
	"github.com/durableflow/engine/internal/schedule"
	"github.com/durableflow/engine/internal/storage"
	"github.com/durableflow/engine/internal/wiring"
	"github.com/durableflow/engine/pkg/workflow"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const apiShutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to durableflow.config.yaml")
	instanceID := flag.String("instance-id", "", "fleet instance ID (default: hostname-pid)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("durableflowd %s (%s, %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath, *instanceID); err != nil {
		fmt.Fprintln(os.Stderr, "durableflowd:", err)
		os.Exit(1)
	}
}

func run(configPath, instanceID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := dflog.New(dflog.FromEnv())
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	logger = logger.With(slog.String("instance_id", instanceID))

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName: "durableflowd",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	stack, err := wiring.Build(cfg)
	if err != nil {
		return fmt.Errorf("build storage/broker stack: %w", err)
	}
	defer stack.Close()

	registry := workflow.NewRegistry()
	if err := examples.Register(registry); err != nil {
		return fmt.Errorf("register example workflows: %w", err)
	}

	metricsRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(metricsRegistry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}
	rt := engine.New(stack.Store, stack.Queue, registry, clk, logger)

	elector := stack.Elector(instanceID, logger)
	elector.Start(ctx)
	defer elector.Stop()

	disp := dispatcher.New(stack.Store, stack.Queue, registry, clk, logger, dispatcher.Config{
		WorkerID:     instanceID,
		Concurrency:  cfg.Worker.Concurrency,
		ClaimTTL:     cfg.Claim.TTL,
		StepTimeout:  cfg.Runtime.StepTimeout,
		NestingLimit: cfg.Nesting.Limit,
	})
	disp.SetMetrics(metrics)

	sweeper := recovery.New(stack.Store, stack.Queue, elector, clk, logger, recovery.Config{
		Interval: cfg.Recovery.Interval,
	})
	sweeper.SetMetrics(metrics)

	scheduler := schedule.New(stack.Store, engine.ScheduleAdapter{Runtime: rt}, elector, clk, logger)

	apiServer := api.New(api.Config{
		Addr:             cfg.API.Addr,
		HookRatePerSec:   cfg.API.HookRatePerSec,
		HookRateBurst:    cfg.API.HookRateBurst,
		CORSAllowOrigins: cfg.API.CORSOrigins,
		Metrics:          metrics,
		MetricsRegistry:  metricsRegistry,
	}, stack.Store, rt, registry, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("dispatcher: %w", err):
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("api server: %w", err):
			default:
			}
			cancel()
		}
	}()

	wg.Add(1)
	go reportActiveRuns(ctx, &wg, stack, metrics, logger)

	logger.Info("durableflowd started", slog.String("api_addr", cfg.API.Addr))

	<-ctx.Done()
	logger.Info("durableflowd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), apiShutdownGrace)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown error", slog.Any("error", err))
	}

	wg.Wait()
	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("tracing shutdown error", slog.Any("error", err))
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// reportActiveRuns polls the run counts per status into the active-runs
// gauge every few seconds, rather than threading metrics through every
// storage call site (spec.md §6.1's health/observability surface is
// explicitly a side channel, never the hot path).
func reportActiveRuns(ctx context.Context, wg *sync.WaitGroup, stack *wiring.Stack, metrics *observability.Metrics, logger *slog.Logger) {
	defer wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	statuses := []model.RunStatus{
		model.RunPending, model.RunRunning, model.RunSuspended,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range statuses {
				page, err := stack.Store.ListRuns(ctx, storage.RunFilter{Status: status, Limit: 1000})
				if err != nil {
					logger.Warn("active-run gauge query failed", slog.Any("error", err))
					continue
				}
				metrics.SetActiveRuns(string(status), float64(len(page.Runs)))
			}
		}
	}
}
