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

package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
)

// Starter is the subset of the engine's public API the scheduler needs: it
// starts a run, deduplicating on idempotency_key exactly like any other
// caller of start (spec.md §4.8 "duplicate fires collapse").
type Starter interface {
	Start(ctx context.Context, workflowName string, kwargs map[string]any, idempotencyKey string) (*model.Run, error)
}

// Scheduler pops due ScheduleState entries and starts their workflow. Only
// the elected leader runs ticks, so a fleet never double-fires a schedule.
type Scheduler struct {
	store   storage.ScheduleStore
	starter Starter
	elector leader.Elector
	clock   clock.Clock
	logger  *slog.Logger

	interval time.Duration
}

// New creates a Scheduler.
func New(store storage.ScheduleStore, starter Starter, elector leader.Elector, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		starter:  starter,
		elector:  elector,
		clock:    clk,
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: time.Second,
	}
}

// Add persists a new cron or interval schedule and computes its first fire
// time. Exactly one of cron or intervalMS should be set.
func (s *Scheduler) Add(ctx context.Context, name, workflowName, cron string, intervalMS int64, inputs map[string]any, timezone string) error {
	now := s.clock.Now()
	nextFire, err := s.computeNext(now, cron, intervalMS, timezone)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	return s.store.SaveScheduleState(ctx, &model.ScheduleState{
		Name:         name,
		WorkflowName: workflowName,
		Cron:         cron,
		IntervalMS:   intervalMS,
		Inputs:       inputs,
		Enabled:      true,
		Timezone:     timezone,
		NextFireAt:   &nextFire,
		UpdatedAt:    now,
	})
}

func (s *Scheduler) computeNext(from time.Time, cron string, intervalMS int64, timezone string) (time.Time, error) {
	if cron != "" {
		expr, err := ParseCron(cron)
		if err != nil {
			return time.Time{}, err
		}
		loc := time.UTC
		if timezone != "" {
			if l, err := time.LoadLocation(timezone); err == nil {
				loc = l
			}
		}
		return expr.Next(from.In(loc)), nil
	}
	if intervalMS > 0 {
		return from.Add(time.Duration(intervalMS) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("schedule requires either cron or interval_ms")
}

// Run starts the ticker loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", slog.Any("reason", ctx.Err()))
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	states, err := s.store.ListScheduleStates(ctx)
	if err != nil {
		s.logger.Error("list schedule states failed", slog.Any("error", err))
		return
	}

	for _, state := range states {
		if !state.Enabled || state.NextFireAt == nil || now.Before(*state.NextFireAt) {
			continue
		}
		s.fire(ctx, state, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, state *model.ScheduleState, now time.Time) {
	logger := s.logger.With(slog.String("schedule", state.Name), slog.String("workflow", state.WorkflowName))

	// A schedule-derived idempotency key scoped to this firing's nominal
	// time: two racing ticks (or a retried tick after a crash) resolve to
	// the same run instead of starting it twice.
	idempotencyKey := fmt.Sprintf("schedule:%s:%d", state.Name, state.NextFireAt.Unix())

	_, err := s.starter.Start(ctx, state.WorkflowName, state.Inputs, idempotencyKey)
	if err != nil {
		logger.Error("scheduled start failed", slog.Any("error", err))
		state.ErrorCount++
	} else {
		logger.Info("scheduled run started")
	}

	next, nextErr := s.computeNext(now, state.Cron, state.IntervalMS, state.Timezone)
	if nextErr != nil {
		logger.Error("compute next fire time failed", slog.Any("error", nextErr))
		state.Enabled = false
	} else {
		state.NextFireAt = &next
	}
	state.LastFireAt = &now
	state.RunCount++
	state.UpdatedAt = now

	if err := s.store.SaveScheduleState(ctx, state); err != nil {
		logger.Error("persist schedule state failed", slog.Any("error", err))
	}
}
