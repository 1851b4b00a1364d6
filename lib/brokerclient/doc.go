// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package brokerclient is the unprivileged side of the broker
// protocol.
//
// [Client] wraps every socket action with typed results. Broker
// refusals come back as *ipc.Error values, so callers match them with
// errors.Is against the ipc sentinels (ipc.ErrBusy,
// ipc.ErrAuthDenied, ...). Connection failures wrap [ErrTransport]; a
// stream that stays silent longer than the stall timeout fails with
// [ErrStalled].
//
// [Client.Follow] reads a job to its terminal frame, resubscribing
// after the last delivered sequence number when the connection drops,
// so output is neither lost nor repeated.
//
// [Executor] runs a list of steps off the caller's goroutine and
// reports progress only through its Events channel. Privileged steps
// become broker jobs; the rest run as the user with the session id in
// their environment so nested "elevate exec" calls reuse the grant.
//
// [Launch] starts the broker through pkexec when no broker answers
// on the socket.
package brokerclient
