// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by elevate's package tests.
//
// [SocketDir] returns a short directory under /tmp for broker sockets;
// t.TempDir() paths can exceed the 108-byte sun_path limit.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-deadline
// pattern used whenever a test waits on a channel fed by a goroutine
// (job events, server readiness). They are the only place tests wait
// on the wall clock.
//
// [WriteFile] lays down synthetic /proc, /etc, or catalog files for
// fact-parsing tests. [UniqueID] hands out distinct names.
//
// Every helper fails the test with t.Fatalf rather than returning an
// error.
package testutil
