// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"testing"
)

func TestDecodedErrorMatchesSentinel(t *testing.T) {
	decoded := &Error{Code: CodeBusy, Message: "session s-1 is running job-4"}
	if !errors.Is(decoded, ErrBusy) {
		t.Error("decoded busy error does not match ErrBusy")
	}
	if errors.Is(decoded, ErrAuthDenied) {
		t.Error("busy error matches ErrAuthDenied")
	}
}

func TestWrappedErrorKeepsCode(t *testing.T) {
	wrapped := fmt.Errorf("submitting job: %w", Errorf(CodeSessionInvalid, "session %s expired", "s-9"))
	if !errors.Is(wrapped, ErrSessionInvalid) {
		t.Error("wrapping lost the session_invalid code")
	}
	var coded *Error
	if !errors.As(wrapped, &coded) || coded.ErrorCode() != "session_invalid" {
		t.Errorf("errors.As = %v", coded)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		StatusQueued: false, StatusRunning: false,
		StatusSucceeded: true, StatusFailed: true, StatusCancelled: true, StatusSpawnFailed: true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}
