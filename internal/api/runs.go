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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	"github.com/durableflow/engine/internal/storage"
)

const maxRequestBodyBytes = 1 << 20 // 1MB, matching the teacher's start-handler ceiling

// runDTO is the wire shape for a run, independent of model.Run's field
// layout so storage internals (claims, recovery counters) stay unexported
// from the API.
type runDTO struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       string         `json:"status"`
	InputKwargs  map[string]any `json:"kwargs,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ParentRunID  string         `json:"parent_run_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func toRunDTO(run *model.Run) runDTO {
	return runDTO{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		Status:       string(run.Status),
		InputKwargs:  run.InputKwargs,
		Result:       run.Result,
		Error:        run.Error,
		ParentRunID:  run.ParentRunID,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

// handleListRuns handles GET /runs?query&status&start_time&end_time&cursor&limit.
func (h *handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		WorkflowName: q.Get("query"),
		Status:       model.RunStatus(q.Get("status")),
		Cursor:       q.Get("cursor"),
		Limit:        100,
	}
	if lim := q.Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if st := q.Get("start_time"); st != "" {
		if t, err := time.Parse(time.RFC3339, st); err == nil {
			filter.StartTime = &t
		}
	}
	if et := q.Get("end_time"); et != "" {
		if t, err := time.Parse(time.RFC3339, et); err == nil {
			filter.EndTime = &t
		}
	}

	page, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dtos := make([]runDTO, 0, len(page.Runs))
	for _, run := range page.Runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos, "next_cursor": page.NextCursor})
}

// handleGetRun handles GET /runs/{run_id}.
func (h *handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// handleGetRunEvents handles GET /runs/{run_id}/events.
func (h *handlers) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	events, err := h.store.ReadEvents(r.Context(), runID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type startRunRequest struct {
	WorkflowName   string         `json:"workflow_name" validate:"required"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// handleStartRun handles POST /runs {workflow_name, kwargs, idempotency_key?}.
func (h *handlers) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req startRunRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid JSON: "+err.Error())
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return
	}

	run, err := h.runtime.Start(r.Context(), req.WorkflowName, req.Args, req.Kwargs, engine.StartOptions{
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancelRun handles POST /runs/{run_id}/cancel {reason?}.
func (h *handlers) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	var req cancelRunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid JSON: "+err.Error())
			return
		}
	}

	if err := h.runtime.Cancel(r.Context(), runID, req.Reason); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}
