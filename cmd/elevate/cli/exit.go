// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/xerolinux/elevate/lib/ipc"
)

// ExitError makes the process exit with Code without printing an
// error line. Commands return it after writing their own output, and
// "elevate exec" returns it to pass a job's exit code through.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// refusalExitCodes maps broker refusals onto 120-129 in ipc.Code
// order.
var refusalExitCodes = map[ipc.Code]int{
	ipc.CodeAuthDenied:     120,
	ipc.CodeAuthTimeout:    121,
	ipc.CodeBusy:           122,
	ipc.CodeSpawnFailure:   123,
	ipc.CodeSessionInvalid: 124,
	ipc.CodeNotFound:       125,
	ipc.CodeForbidden:      126,
	ipc.CodeInvalidRequest: 127,
	ipc.CodeShuttingDown:   128,
	ipc.CodeInternal:       129,
}

// ExitCodeFor maps err to the process exit code: the command's own
// code for an [ExitError], 120-129 for a broker refusal, and 1 for
// anything else.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var refusal *ipc.Error
	if errors.As(err, &refusal) {
		if code, ok := refusalExitCodes[refusal.Code]; ok {
			return code
		}
	}
	return 1
}
