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

package cli

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes per spec.md §6.2: three, not the teacher's five, since this
// CLI has no provider/input-prompt distinctions to report separately.
const (
	ExitSuccess  = 0
	ExitUnexpected = 1
	ExitUserError  = 2
)

// ExitError is an error that carries the process exit code it should
// produce, the way the teacher's shared.ExitError does.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// NewUserError wraps cause as a user-error exit (exit code 2): bad flags,
// unknown workflow names, validation failures — anything the operator can
// fix by changing the command line.
func NewUserError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUserError, Message: msg, Cause: cause}
}

// HandleExitError prints err to stderr and exits with its carried code, or
// ExitUnexpected for any error that isn't an *ExitError.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(ExitUnexpected)
}
