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
)

// The engine classifies every failure into one of the kinds below (spec §7).
// Kinds are plain wrapped errors, matching the teacher's house style of
// fmt.Errorf("...: %w", err) rather than a bespoke errors package.

// RetryableError wraps a transient failure inside a step; the dispatcher
// retries up to the step's max_retries with its configured backoff.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// FatalError wraps an unrecoverable failure inside a step.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// CancellationError is raised into the workflow body at a checkpoint after
// cancellation.requested has been observed.
type CancellationError struct{ Reason string }

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "run cancelled"
	}
	return "run cancelled: " + e.Reason
}

// ErrSuspended is the internal control-flow signal raised by an operation
// primitive (step/sleep/hook/child) that has no terminal outcome yet. It is
// never surfaced to callers of the public API; replay.Engine.Tick consumes it
// and reports the tick as suspended (or as needing a step), which the
// dispatcher turns into the run's status.
var ErrSuspended = errors.New("suspended")

// RecoveryExhaustedError marks a run or step that hit max_recovery_attempts.
type RecoveryExhaustedError struct{ Subject string }

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted for %s", e.Subject)
}

// ConflictError marks an optimistic-concurrency race lost at the storage
// layer; callers (internal only) retry automatically.
type ConflictError struct{ Err error }

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %v", e.Err) }
func (e *ConflictError) Unwrap() error { return e.Err }

// ValidationError marks malformed input at the API boundary.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// NestingLimitError is surfaced to a parent workflow when a child spawn
// would exceed nesting.limit.
type NestingLimitError struct {
	Limit int
	Depth int
}

func (e *NestingLimitError) Error() string {
	return fmt.Sprintf("nesting limit exceeded: depth %d >= limit %d", e.Depth, e.Limit)
}

// Sentinel errors for the public API (spec §4.1). ErrHookNotFound (404) and
// ErrHookNotPending (410) are deliberately distinct: the hook never existed
// versus it existed but was already resolved (received/expired/disposed) by
// the time this signal arrived.
var (
	ErrRunNotFound    = errors.New("run not found")
	ErrHookNotFound   = errors.New("hook not found")
	ErrHookNotPending = errors.New("hook not pending")
)

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// IsCancellation reports whether err is a CancellationError.
func IsCancellation(err error) bool {
	var c *CancellationError
	return errors.As(err, &c)
}

// IsSuspended reports whether err is (or wraps) ErrSuspended.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}
