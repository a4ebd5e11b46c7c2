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

// Package observability wires Prometheus metrics and OpenTelemetry tracing
// around the dispatcher, recovery sweeper and API surface. Both are
// read-only instrumentation: nothing here feeds back into engine behavior.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the dispatcher, sweeper and API
// record against.
type Metrics struct {
	WorkflowTicksTotal    *prometheus.CounterVec
	WorkflowTickDuration   *prometheus.HistogramVec
	ActiveRuns             *prometheus.GaugeVec

	StepExecutionsTotal    *prometheus.CounterVec
	StepExecutionDuration  *prometheus.HistogramVec

	HookDeliveriesTotal    *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	RecoverySweepsTotal    *prometheus.CounterVec
	RecoveredRunsTotal     *prometheus.CounterVec

	APIRequestsTotal       *prometheus.CounterVec
	APIRequestDuration     *prometheus.HistogramVec
}

// NewMetrics registers every collector against reg and returns the handle.
// Pass prometheus.NewRegistry() per-process, or prometheus.DefaultRegisterer
// wrapped in a registry for production use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WorkflowTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_workflow_ticks_total",
				Help: "Total number of workflow-tick tasks processed, by outcome kind.",
			},
			[]string{"workflow_name", "outcome"},
		),
		WorkflowTickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "durableflow_workflow_tick_duration_seconds",
				Help:    "Duration of one workflow-tick replay pass.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_name"},
		),
		ActiveRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "durableflow_active_runs",
				Help: "Number of non-terminal runs, by status.",
			},
			[]string{"status"},
		),
		StepExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_step_executions_total",
				Help: "Total number of step invocations, by outcome.",
			},
			[]string{"step_name", "outcome"},
		),
		StepExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "durableflow_step_execution_duration_seconds",
				Help:    "Duration of one step invocation.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"step_name"},
		),
		HookDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_hook_deliveries_total",
				Help: "Total number of hook signals delivered, by outcome.",
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "durableflow_queue_depth",
				Help: "Approximate number of queued tasks, by task class.",
			},
			[]string{"task_class"},
		),
		RecoverySweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_recovery_sweeps_total",
				Help: "Total number of recovery sweep passes run by the elected leader.",
			},
			[]string{"result"},
		),
		RecoveredRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_recovered_runs_total",
				Help: "Total number of runs re-enqueued or interrupted by the recovery sweeper.",
			},
			[]string{"outcome"},
		),
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durableflow_api_requests_total",
				Help: "Total number of REST API requests, by route and status code.",
			},
			[]string{"route", "status"},
		),
		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "durableflow_api_request_duration_seconds",
				Help:    "Duration of REST API requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordWorkflowTick records one workflow-tick outcome and its duration.
func (m *Metrics) RecordWorkflowTick(workflowName, outcome string, seconds float64) {
	m.WorkflowTicksTotal.WithLabelValues(workflowName, outcome).Inc()
	m.WorkflowTickDuration.WithLabelValues(workflowName).Observe(seconds)
}

// RecordStepExecution records one step invocation outcome and its duration.
func (m *Metrics) RecordStepExecution(stepName, outcome string, seconds float64) {
	m.StepExecutionsTotal.WithLabelValues(stepName, outcome).Inc()
	m.StepExecutionDuration.WithLabelValues(stepName).Observe(seconds)
}

// RecordHookDelivery records one hook-signal delivery outcome.
func (m *Metrics) RecordHookDelivery(outcome string) {
	m.HookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveRuns sets the active-run gauge for a given status.
func (m *Metrics) SetActiveRuns(status string, count float64) {
	m.ActiveRuns.WithLabelValues(status).Set(count)
}

// SetQueueDepth sets the queue-depth gauge for a given task class.
func (m *Metrics) SetQueueDepth(taskClass string, depth float64) {
	m.QueueDepth.WithLabelValues(taskClass).Set(depth)
}

// RecordRecoverySweep records one sweeper pass.
func (m *Metrics) RecordRecoverySweep(result string) {
	m.RecoverySweepsTotal.WithLabelValues(result).Inc()
}

// RecordRecoveredRun records one run the sweeper acted on.
func (m *Metrics) RecordRecoveredRun(outcome string) {
	m.RecoveredRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordAPIRequest records one REST request's route, status and duration.
func (m *Metrics) RecordAPIRequest(route, status string, seconds float64) {
	m.APIRequestsTotal.WithLabelValues(route, status).Inc()
	m.APIRequestDuration.WithLabelValues(route).Observe(seconds)
}
