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

package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/client"
)

func TestGetDecodesJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer ts.Close()

	c := client.New(ts.URL)
	out, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", out["status"])
}

func TestGetNonOKStatusReturnsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	}))
	defer ts.Close()

	c := client.New(ts.URL)
	_, err := c.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)

	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestPostSendsJSONBodyAndDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/runs", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "examples.echo", body["workflow_name"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "run-1",
			"workflow_name": "examples.echo",
			"status":        "PENDING",
		})
	}))
	defer ts.Close()

	c := client.New(ts.URL)
	run, err := c.StartRun(context.Background(), client.StartRunRequest{
		WorkflowName: "examples.echo",
		Kwargs:       map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, "PENDING", run.Status)
}

func TestListRunsEncodesFilters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "RUNNING", r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode(map[string]any{"runs": []client.Run{}, "next_cursor": ""})
	}))
	defer ts.Close()

	c := client.New(ts.URL)
	runs, cursor, err := c.ListRuns(context.Background(), client.ListRunsOptions{Status: "RUNNING"})
	require.NoError(t, err)
	require.Empty(t, runs)
	require.Empty(t, cursor)
}

func TestNewDefaultsBaseURL(t *testing.T) {
	c := client.New("")
	require.NotNil(t, c)
}
