// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// ProcessTable answers identity questions about live processes.
// process.Procfs satisfies it.
type ProcessTable interface {
	Matches(pid int, startTime uint64) bool
	Cmdline(pid int) ([]string, error)
}

// KillGroup sends SIGKILL to a process group.
type KillGroup func(pgid int) error

// SignalGroup is the KillGroup used outside tests.
func SignalGroup(pgid int) error {
	return unix.Kill(-pgid, unix.SIGKILL)
}

// Reap kills the process group of every entry whose leader is still
// the process the broker started. It returns the entries it killed.
// Entries that no longer match are skipped silently: the group exited
// or the pid was reused.
func Reap(entries []Entry, table ProcessTable, kill KillGroup, logger *slog.Logger) []Entry {
	var reaped []Entry
	for _, entry := range entries {
		if !table.Matches(entry.PID, entry.StartTime) {
			continue
		}
		cmdline, err := table.Cmdline(entry.PID)
		if err != nil {
			logger.Warn("orphan vanished while reading cmdline",
				"job", entry.Job, "pid", entry.PID, "error", err)
			continue
		}
		if Fingerprint(cmdline) != entry.Fingerprint {
			logger.Warn("orphan candidate has a different argv, leaving it alone",
				"job", entry.Job, "pid", entry.PID)
			continue
		}
		if err := kill(entry.PID); err != nil {
			logger.Error("killing orphaned process group",
				"job", entry.Job, "pid", entry.PID, "error", err)
			continue
		}
		logger.Warn("killed orphaned process group from a previous broker",
			"job", entry.Job, "pid", entry.PID)
		reaped = append(reaped, entry)
	}
	return reaped
}
