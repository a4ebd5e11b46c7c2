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
	"net/http"
	"time"
)

type healthResponse struct {
	Status         string `json:"status"`
	StorageHealthy bool   `json:"storage_healthy"`
	Uptime         string `json:"uptime"`
}

// handleHealth handles GET /health: {status, storage_healthy}.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageHealthy := h.store.Ping(r.Context()) == nil

	status := "healthy"
	httpStatus := http.StatusOK
	if !storageHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, healthResponse{
		Status:         status,
		StorageHealthy: storageHealthy,
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
	})
}
