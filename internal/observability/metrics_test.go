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

package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/observability"
)

func TestRecordWorkflowTickIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.RecordWorkflowTick("doubler", "completed", 0.02)

	metric := &dto.Metric{}
	require.NoError(t, m.WorkflowTicksTotal.WithLabelValues("doubler", "completed").Write(metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestSetActiveRunsOverwritesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.SetActiveRuns("RUNNING", 3)
	m.SetActiveRuns("RUNNING", 5)

	metric := &dto.Metric{}
	require.NoError(t, m.ActiveRuns.WithLabelValues("RUNNING").Write(metric))
	require.Equal(t, float64(5), metric.GetGauge().GetValue())
}
