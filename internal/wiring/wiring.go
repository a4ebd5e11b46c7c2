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

// Package wiring builds the concrete storage/broker/leader stack a
// durableflow process needs from a resolved config.Config. Every
// durableflow entrypoint that opens storage itself (worker, daemon,
// setup --check) goes through here so the backend-selection switch lives
// in exactly one place.
package wiring

import (
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/durableflow/engine/internal/broker"
	brokermemory "github.com/durableflow/engine/internal/broker/memory"
	brokerredis "github.com/durableflow/engine/internal/broker/redis"
	"github.com/durableflow/engine/internal/config"
	"github.com/durableflow/engine/internal/leader"
	"github.com/durableflow/engine/internal/storage"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/internal/storage/postgres"
	"github.com/durableflow/engine/internal/storage/sqlite"
)

// Stack holds the concrete backends one durableflow process runs against.
type Stack struct {
	Store storage.Store
	Queue broker.Queue
	db    *sql.DB // non-nil only for the postgres storage backend
}

// Build resolves cfg.Storage and cfg.Broker into concrete implementations.
func Build(cfg *config.Config) (*Stack, error) {
	store, db, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("build storage backend: %w", err)
	}

	queue, err := buildQueue(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	return &Stack{Store: store, Queue: queue, db: db}, nil
}

func buildStore(cfg config.StorageConfig) (storage.Store, *sql.DB, error) {
	switch cfg.Backend {
	case "", "memory":
		return storagememory.New(), nil, nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("storage.path is required for the sqlite backend")
		}
		backend, err := sqlite.New(cfg.Path)
		return backend, nil, err
	case "postgres":
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("storage.dsn is required for the postgres backend")
		}
		backend, err := postgres.New(postgres.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildQueue(cfg config.BrokerConfig) (broker.Queue, error) {
	switch {
	case cfg.URL == "" || cfg.URL == "memory://":
		return brokermemory.New(), nil
	default:
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse broker.url %q: %w", cfg.URL, err)
		}
		return brokerredis.New(goredis.NewClient(opts)), nil
	}
}

// Elector builds a leader.Elector appropriate for the stack: a PostgresElector
// sharing the storage backend's connection pool when storage is Postgres
// (the only backend multiple fleet instances can safely share), or an
// AlwaysLeader for single-process memory/sqlite deployments.
func (s *Stack) Elector(instanceID string, logger *slog.Logger) leader.Elector {
	if s.db == nil {
		return leader.NewAlwaysLeader(instanceID)
	}
	return leader.NewPostgresElector(leader.Config{
		DB:         s.db,
		InstanceID: instanceID,
		Logger:     logger,
	})
}

// Close releases the underlying storage connection.
func (s *Stack) Close() error {
	return s.Store.Close()
}
