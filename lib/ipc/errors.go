// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "fmt"

// Code is a symbolic broker error code. Codes are disjoint from the
// exit codes of the commands the broker runs; the CLI maps each to its
// own exit code in 120-129.
type Code string

const (
	CodeAuthDenied     Code = "auth_denied"
	CodeAuthTimeout    Code = "auth_timeout"
	CodeBusy           Code = "busy"
	CodeSpawnFailure   Code = "spawn_failure"
	CodeSessionInvalid Code = "session_invalid"
	CodeNotFound       Code = "not_found"
	CodeForbidden      Code = "forbidden"
	CodeInvalidRequest Code = "invalid_request"
	CodeShuttingDown   Code = "shutting_down"
	CodeInternal       Code = "internal"
)

// Error is a broker refusal with its code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// ErrorCode lets lib/service put the code on the wire without
// importing this package.
func (e *Error) ErrorCode() string { return string(e.Code) }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAuthDenied     = &Error{Code: CodeAuthDenied, Message: "authorization denied"}
	ErrAuthTimeout    = &Error{Code: CodeAuthTimeout, Message: "authorization timed out"}
	ErrBusy           = &Error{Code: CodeBusy, Message: "a job is already active in this session"}
	ErrSpawnFailure   = &Error{Code: CodeSpawnFailure, Message: "command could not be started"}
	ErrSessionInvalid = &Error{Code: CodeSessionInvalid, Message: "session is invalid or expired"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "no such job"}
	ErrForbidden      = &Error{Code: CodeForbidden, Message: "caller is not permitted"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrShuttingDown   = &Error{Code: CodeShuttingDown, Message: "broker is shutting down"}
	ErrInternal       = &Error{Code: CodeInternal, Message: "internal broker error"}
)
