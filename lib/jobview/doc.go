// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobview renders a running plan in the terminal: one line
// per step with a live status marker, and a tail of the current
// step's output with terminal escape sequences removed.
//
// The view consumes brokerclient.Executor events and never talks to
// the broker itself. Cancelling from the view asks the executor to
// cancel, so the current job is stopped rather than abandoned.
//
// This is a separate package from cmd/elevate so that the bubbletea
// dependency tree is only linked where the view is used.
package jobview
