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
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleSignalHook handles POST /hooks/{run_id}/{hook_name} {payload},
// rate-limited ahead of this handler since it is the one endpoint exposed
// to external callers (webhooks, human-in-the-loop approvals).
func (h *handlers) handleSignalHook(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	hookName := chi.URLParam(r, "hook_name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid JSON: "+err.Error())
			return
		}
	}

	if err := h.runtime.SignalHook(r.Context(), runID, hookName, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
