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

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// StepID derives the deterministic step_id spec.md §3.1 requires: stable
// across ticks and across workers, so a step task can be re-addressed
// after a crash without consulting anything but (run_id, step_name,
// call_index).
func StepID(runID, stepName string, callIndex int) string {
	return deterministicHash("step", runID, stepName, callIndex)
}

// HookID derives the deterministic hook_id (run_id, name, call_index).
func HookID(runID, name string, callIndex int) string {
	return deterministicHash("hook", runID, name, callIndex)
}

// ChildRunID derives the run_id a child workflow spawn resolves to. It must
// be computable from (parent_run_id, call_index) alone so the replay
// resolver can embed it in the child_workflow.started event at
// first-encounter, before the dispatcher has created the child's run
// record.
func ChildRunID(parentRunID string, callIndex int) string {
	return deterministicHash("child_run", parentRunID, "", callIndex)
}

func deterministicHash(kind, runID, name string, callIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", kind, runID, name, callIndex)))
	return hex.EncodeToString(sum[:16])
}

// CallIndexOf reads the call_index an event's Data carries, tolerating the
// int/int64/float64 forms a storage round-trip through JSON can produce.
func CallIndexOf(data map[string]any) int {
	switch v := data["call_index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}
