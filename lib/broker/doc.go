// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the privileged job queue: it accepts commands from
// authenticated sessions, runs them, and hands their output to
// subscribers.
//
// [Broker] owns the job table. A submission is validated against the
// session manager, then checked and reserved in one critical section:
// a session that already has a queued or running job gets [ErrBusy].
// Each job runs on its own goroutine through a process.Runner, writes
// its output into a joblog.Log, and ends in exactly one terminal
// status. Status only moves forward (queued, running, terminal).
//
// Subscribers read a job through [Subscription], which replays the
// chunks after a given sequence number, follows live output, and ends
// with one terminal frame. Cancellation is acknowledged at once; the
// cancelled terminal status follows when the process group is gone.
//
// Jobs are owned by the submitting uid, not by the session, so a job
// keeps running if its client disconnects. Finished jobs stay until
// acknowledged or until the retention period passes.
//
// Every running process group is recorded in the spawn ledger
// (lib/watchdog) so a restarted broker can kill groups it lost track
// of.
//
// [API] exposes the broker and the session manager as socket actions
// on a service.SocketServer.
package broker
