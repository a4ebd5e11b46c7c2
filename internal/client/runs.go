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

package client

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Run is the CLI-side mirror of internal/api's runDTO wire shape.
type Run struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       string         `json:"status"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ParentRunID  string         `json:"parent_run_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Event is the CLI-side mirror of one entry in GET /runs/{id}/events.
type Event struct {
	ID       string         `json:"ID"`
	RunID    string         `json:"RunID"`
	Sequence int64          `json:"Sequence"`
	Type     string         `json:"Type"`
	Data     map[string]any `json:"Data"`
	Occurred time.Time      `json:"Timestamp"`
}

// Workflow is the CLI-side mirror of one entry in GET /workflows.
type Workflow struct {
	Name   string `json:"Name"`
	Params []struct {
		Name     string `json:"Name"`
		Type     string `json:"Type"`
		Required bool   `json:"Required"`
	} `json:"Params"`
}

// ListRunsOptions narrows a ListRuns call.
type ListRunsOptions struct {
	WorkflowName string
	Status       string
	Cursor       string
	Limit        int
}

// ListRuns calls GET /runs.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, string, error) {
	q := url.Values{}
	if opts.WorkflowName != "" {
		q.Set("query", opts.WorkflowName)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var out struct {
		Runs       []Run  `json:"runs"`
		NextCursor string `json:"next_cursor"`
	}
	path := "/runs"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.Get(ctx, path, &out); err != nil {
		return nil, "", err
	}
	return out.Runs, out.NextCursor, nil
}

// GetRun calls GET /runs/{id}.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.Get(ctx, "/runs/"+runID, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Events calls GET /runs/{id}/events.
func (c *Client) Events(ctx context.Context, runID string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.Get(ctx, "/runs/"+runID+"/events", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	WorkflowName   string         `json:"workflow_name"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// StartRun calls POST /runs.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var run Run
	if err := c.Post(ctx, "/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun calls POST /runs/{id}/cancel.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) error {
	return c.Post(ctx, "/runs/"+runID+"/cancel", map[string]string{"reason": reason}, nil)
}

// ListWorkflows calls GET /workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.Get(ctx, "/workflows", &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}
