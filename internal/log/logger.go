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

// Package log builds the engine's slog.Logger from a Config resolvable
// from DURABLEFLOW_* environment variables, and adds a handful of
// domain-context helpers (run/step/hook) layered on top of slog.With.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys, kept consistent across every component that logs
// about a run, step or hook.
const (
	RunIDKey      = "run_id"
	StepIDKey     = "step_id"
	HookIDKey     = "hook_id"
	WorkflowKey   = "workflow_name"
	WorkerIDKey   = "worker_id"
	EventKey      = "event"
	DurationMSKey = "duration_ms"
)

// Config holds logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON to stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv builds a Config from DURABLEFLOW_LOG_LEVEL, DURABLEFLOW_LOG_FORMAT
// and DURABLEFLOW_LOG_SOURCE, falling back to DefaultConfig for anything
// unset.
func FromEnv() *Config {
	cfg := DefaultConfig()
	if level := os.Getenv("DURABLEFLOW_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("DURABLEFLOW_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("DURABLEFLOW_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds a slog.Logger from cfg (a nil cfg uses DefaultConfig).
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags logger with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithRun tags logger with run_id and workflow_name.
func WithRun(logger *slog.Logger, runID, workflowName string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(WorkflowKey, workflowName))
}

// WithStep tags logger with run_id and step_id.
func WithStep(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithHook tags logger with run_id and hook_id.
func WithHook(logger *slog.Logger, runID, hookID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(HookIDKey, hookID))
}

// Error creates an "error" attribute.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration creates a *_ms attribute from a millisecond count.
func Duration(key string, ms int64) slog.Attr { return slog.Int64(key+"_ms", ms) }
