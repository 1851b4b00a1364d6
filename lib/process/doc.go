// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package process spawns and supervises the commands the broker runs
// on behalf of a client, plus the small amount of raw I/O a binary
// needs before its logger exists.
//
// [Runner.Start] launches an argv in its own process group (pipe mode)
// or its own session with a controlling terminal (terminal mode, via
// github.com/creack/pty). Output is read in pieces of at most
// [MaxChunkSize] bytes and handed to a [Sink] as [Chunk] values. One
// lock assigns sequence numbers across stdout and stderr, so the
// numbering is a total order over everything the process printed.
//
// [Process.Cancel] signals the whole group with SIGTERM and escalates
// to SIGKILL after the runner's grace period. A cancelled process
// always reports [ExitStatus.Cancelled], whatever its exit code.
// [Process.Wait] returns once the group leader has been reaped and,
// for cancelled processes, once no member of the group remains.
//
// A non-zero exit is an [ExitStatus], not an error. Only failure to
// start produces an error, always a [*SpawnError].
//
// The procfs helpers ([Procfs.StartTime], [Procfs.Alive],
// [Procfs.Cmdline]) identify processes across PID reuse. The broker
// uses them for caller identity and for the spawn ledger.
package process
