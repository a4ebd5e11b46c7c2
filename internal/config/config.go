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

// Package config resolves engine configuration from built-in defaults,
// then durableflow.config.yaml, then DURABLEFLOW_* environment variables,
// each overriding the one before. It applies no CLI flag overrides; the
// config file path is its only input from the command line.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete resolved engine configuration.
type Config struct {
	// Module names the workflow module (spec §6.3 "module"). setup --check
	// reports whether it is set; nothing loads workflows or steps from it.
	Module string `yaml:"module,omitempty"`

	Runtime      RuntimeConfig      `yaml:"runtime"`
	Storage      StorageConfig      `yaml:"storage"`
	Broker       BrokerConfig       `yaml:"broker"`
	ResultBackend ResultBackendConfig `yaml:"result_backend,omitempty"`
	Worker       WorkerConfig       `yaml:"worker"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Nesting      NestingConfig      `yaml:"nesting"`
	Claim        ClaimConfig        `yaml:"claim"`
	API          APIConfig          `yaml:"api"`
}

// RuntimeConfig configures the dispatcher's own execution bounds.
type RuntimeConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout,omitempty"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend,omitempty"` // "memory", "sqlite", "postgres"
	Path    string `yaml:"path,omitempty"`    // sqlite file path
	DSN     string `yaml:"dsn,omitempty"`     // postgres connection string
}

// BrokerConfig configures the task queue.
type BrokerConfig struct {
	URL string `yaml:"url,omitempty"` // "memory://", "redis://host:port/db"
}

// ResultBackendConfig holds result_backend.url (spec §6.3). The engine
// does not read it: step and run outcomes are always stored in Storage.
type ResultBackendConfig struct {
	URL string `yaml:"url,omitempty"`
}

// WorkerConfig holds per-worker settings (spec §5). Concurrency sets the
// dispatcher's concurrency; MaxMemoryMB and MaxTasks are parsed but not
// enforced.
type WorkerConfig struct {
	Concurrency int   `yaml:"concurrency,omitempty"`
	MaxMemoryMB int64 `yaml:"max_memory,omitempty"`
	MaxTasks    int64 `yaml:"max_tasks,omitempty"`
}

// RecoveryConfig configures the sweeper (spec §4.7).
type RecoveryConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

// NestingConfig bounds parent/child workflow depth (spec §3.1).
type NestingConfig struct {
	Limit int `yaml:"limit,omitempty"`
}

// ClaimConfig configures run/step claim lease duration (spec §3.2, §4.5).
type ClaimConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// APIConfig configures the REST surface (spec §6.1).
type APIConfig struct {
	Addr           string   `yaml:"addr,omitempty"`
	HookRatePerSec float64  `yaml:"hook_rate_per_sec,omitempty"`
	HookRateBurst  int      `yaml:"hook_rate_burst,omitempty"`
	CORSOrigins    []string `yaml:"cors_origins,omitempty"`
}

// Default returns the built-in defaults, the bottom of the precedence
// chain.
func Default() *Config {
	return &Config{
		Module: "",
		Runtime: RuntimeConfig{
			StepTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Broker: BrokerConfig{
			URL: "memory://",
		},
		Worker: WorkerConfig{
			Concurrency: 10,
		},
		Recovery: RecoveryConfig{
			Interval:    5 * time.Second,
			MaxAttempts: 3,
		},
		Nesting: NestingConfig{
			Limit: 3,
		},
		Claim: ClaimConfig{
			TTL: 30 * time.Second,
		},
		API: APIConfig{
			Addr:           ":8080",
			HookRatePerSec: 50,
			HookRateBurst:  100,
		},
	}
}

// Load starts from Default(), layers in the YAML file at configPath
// (durableflow.config.yaml in the working directory when configPath is
// empty; a missing file is skipped), then layers in DURABLEFLOW_*
// environment variables. No CLI flag overrides are applied on top.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "durableflow.config.yaml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", configPath, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays DURABLEFLOW_* environment variables onto cfg, the
// middle tier of the precedence chain.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DURABLEFLOW_MODULE"); v != "" {
		cfg.Module = v
	}
	if v := os.Getenv("DURABLEFLOW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("DURABLEFLOW_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DURABLEFLOW_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("DURABLEFLOW_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("DURABLEFLOW_RESULT_BACKEND_URL"); v != "" {
		cfg.ResultBackend.URL = v
	}
	if v := os.Getenv("DURABLEFLOW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("DURABLEFLOW_WORKER_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Worker.MaxMemoryMB = n
		}
	}
	if v := os.Getenv("DURABLEFLOW_WORKER_MAX_TASKS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Worker.MaxTasks = n
		}
	}
	if v := os.Getenv("DURABLEFLOW_RECOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.Interval = d
		}
	}
	if v := os.Getenv("DURABLEFLOW_RECOVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.MaxAttempts = n
		}
	}
	if v := os.Getenv("DURABLEFLOW_NESTING_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Nesting.Limit = n
		}
	}
	if v := os.Getenv("DURABLEFLOW_CLAIM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Claim.TTL = d
		}
	}
	if v := os.Getenv("DURABLEFLOW_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}
