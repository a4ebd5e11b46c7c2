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

package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableAndFatalClassification(t *testing.T) {
	base := errors.New("boom")

	require.True(t, IsRetryable(Retryable(base)))
	require.False(t, IsFatal(Retryable(base)))

	require.True(t, IsFatal(Fatal(base)))
	require.False(t, IsRetryable(Fatal(base)))

	wrapped := fmt.Errorf("step failed: %w", Retryable(base))
	require.True(t, IsRetryable(wrapped))
}

func TestRetryableNilIsNil(t *testing.T) {
	require.NoError(t, Retryable(nil))
	require.NoError(t, Fatal(nil))
}

func TestIsSuspendedMatchesSentinelThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("tick: %w", ErrSuspended)
	require.True(t, IsSuspended(wrapped))
	require.False(t, IsSuspended(errors.New("not suspended")))
}

func TestIsCancellationMatchesType(t *testing.T) {
	err := &CancellationError{Reason: "operator requested"}
	require.True(t, IsCancellation(err))
	require.Contains(t, err.Error(), "operator requested")
}

func TestValidationAndConflictUnwrap(t *testing.T) {
	base := errors.New("bad field")
	verr := &ValidationError{Err: base}
	require.ErrorIs(t, verr, base)

	cerr := &ConflictError{Err: base}
	require.ErrorIs(t, cerr, base)
}
