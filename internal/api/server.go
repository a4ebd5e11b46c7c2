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

// Package api implements the REST control/observability surface of
// spec.md §6.1: run listing and detail, run start/cancel, hook delivery,
// workflow metadata, and a health check.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/observability"
	"github.com/durableflow/engine/internal/storage"
	"github.com/durableflow/engine/pkg/workflow"
)

// Config configures the API server's HTTP listener and hook-ingress rate
// limit.
type Config struct {
	Addr             string
	HookRatePerSec   float64
	HookRateBurst    int
	CORSAllowOrigins []string

	// Metrics and MetricsRegistry are optional and independent. When
	// Metrics is set, every request is recorded against it; when
	// MetricsRegistry is set, GET /metrics serves it via promhttp.
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry
}

// Server owns the HTTP listener lifecycle, mirroring the teacher's
// publicapi.Server shape (listen, serve in a goroutine, graceful shutdown).
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu sync.RWMutex
	ln net.Listener
}

type handlers struct {
	store     storage.Store
	runtime   *engine.Runtime
	registry  *workflow.Registry
	validate  *validator.Validate
	startedAt time.Time
}

// New builds the API server, wiring chi routing, CORS, and a token-bucket
// limiter in front of the hook-signal endpoint (teacher precedent:
// internal/controller/polltrigger/ratelimit.go gates inbound poll triggers
// the same way).
func New(cfg Config, store storage.Store, rt *engine.Runtime, registry *workflow.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	if cfg.HookRatePerSec <= 0 {
		cfg.HookRatePerSec = 50
	}
	if cfg.HookRateBurst <= 0 {
		cfg.HookRateBurst = 100
	}

	h := &handlers{store: store, runtime: rt, registry: registry, validate: validator.New(), startedAt: time.Now()}
	limiter := rate.NewLimiter(rate.Limit(cfg.HookRatePerSec), cfg.HookRateBurst)

	router := chi.NewRouter()
	if len(cfg.CORSAllowOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}
	if cfg.Metrics != nil {
		router.Use(metricsMiddleware(cfg.Metrics))
	}
	if cfg.MetricsRegistry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	router.Get("/health", h.handleHealth)
	router.Get("/workflows", h.handleListWorkflows)
	router.Get("/runs", h.handleListRuns)
	router.Post("/runs", h.handleStartRun)
	router.Get("/runs/{run_id}", h.handleGetRun)
	router.Get("/runs/{run_id}/events", h.handleGetRunEvents)
	router.Post("/runs/{run_id}/cancel", h.handleCancelRun)
	router.With(hookRateLimit(limiter)).Post("/hooks/{run_id}/{hook_name}", h.handleSignalHook)

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// metricsMiddleware records every request's route, status and duration
// against m.APIRequestsTotal/APIRequestDuration.
func metricsMiddleware(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.RecordAPIRequest(route, fmt.Sprintf("%d", sw.status), time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func hookRateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "hook signal rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("api server starting", slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown error", slog.Any("error", err))
		return err
	}
	s.logger.Info("api server stopped")
	return nil
}

// Handler returns the server's http.Handler, for tests that want to drive
// routes directly via httptest.NewServer/NewRequest without binding a port.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
