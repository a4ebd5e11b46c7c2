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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/api"
	"github.com/durableflow/engine/internal/broker/memory"
	"github.com/durableflow/engine/internal/clock"
	"github.com/durableflow/engine/internal/engine"
	"github.com/durableflow/engine/internal/model"
	storagememory "github.com/durableflow/engine/internal/storage/memory"
	"github.com/durableflow/engine/pkg/workflow"
)

func newTestServer(t *testing.T) (*api.Server, *storagememory.Backend) {
	t.Helper()
	store := storagememory.New()
	queue := memory.New()
	registry := workflow.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow("noop", func(ctx *workflow.Ctx, args []any, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, []workflow.ParamSpec{}))

	rt := engine.New(store, queue, registry, clock.NewFake(time.Now()), nil)
	srv := api.New(api.Config{Addr: ":0"}, store, rt, registry, nil)
	return srv, store
}

func TestHealthEndpointReportsStorageHealthy(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestStartRunThenGetRunRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	reqBody, err := json.Marshal(map[string]any{"workflow_name": "noop"})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	runID, _ := created["id"].(string)
	require.NotEmpty(t, runID)

	getResp, err := http.Get(ts.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestStartRunWithoutWorkflowNameIsUnprocessable(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetUnknownRunReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalUnknownHookReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	reqBody, err := json.Marshal(map[string]any{"workflow_name": "noop"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	runID, _ := created["id"].(string)

	hookResp, err := http.Post(ts.URL+"/hooks/"+runID+"/approve", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer hookResp.Body.Close()
	require.Equal(t, http.StatusNotFound, hookResp.StatusCode, "a hook the workflow never created is unknown, not merely resolved")
}

func TestSignalAlreadyResolvedHookReturnsGone(t *testing.T) {
	srv, store := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	reqBody, err := json.Marshal(map[string]any{"workflow_name": "noop"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	runID, _ := created["id"].(string)

	require.NoError(t, store.UpsertHook(context.Background(), &model.Hook{
		ID:        model.HookID(runID, "approve", 0),
		RunID:     runID,
		Name:      "approve",
		CallIndex: 0,
		Status:    model.HookReceived,
	}))

	hookResp, err := http.Post(ts.URL+"/hooks/"+runID+"/approve", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer hookResp.Body.Close()
	require.Equal(t, http.StatusGone, hookResp.StatusCode)
}

func TestListWorkflowsReturnsRegisteredWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	workflows, ok := body["workflows"].([]any)
	require.True(t, ok)
	require.Len(t, workflows, 1)
}
