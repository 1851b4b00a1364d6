// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoProcess is returned when /proc has no entry for a pid.
var ErrNoProcess = errors.New("no such process")

// Procfs reads process metadata from a /proc tree. Tests point Root at
// a synthetic directory.
type Procfs struct {
	Root string
}

// Host reads the real /proc.
var Host = Procfs{Root: "/proc"}

// StartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). Together with the pid it identifies
// a process across PID reuse.
func (p Procfs) StartTime(pid int) (uint64, error) {
	fields, err := p.statFields(pid)
	if err != nil {
		return 0, err
	}
	// fields[0] is field 3 (state); field 22 is therefore fields[19].
	if len(fields) < 20 {
		return 0, fmt.Errorf("parsing /proc/%d/stat: %d fields after comm", pid, len(fields))
	}
	startTime, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing start time of pid %d: %w", pid, err)
	}
	return startTime, nil
}

// ParentPID returns the parent of pid (field 4 of /proc/<pid>/stat).
func (p Procfs) ParentPID(pid int) (int, error) {
	fields, err := p.statFields(pid)
	if err != nil {
		return 0, err
	}
	if len(fields) < 2 {
		return 0, fmt.Errorf("parsing /proc/%d/stat: %d fields after comm", pid, len(fields))
	}
	parent, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("parsing parent of pid %d: %w", pid, err)
	}
	return parent, nil
}

// DescendsFrom reports whether pid is ancestor or one of its
// descendants. The walk stops at pid 1.
func (p Procfs) DescendsFrom(pid, ancestor int) bool {
	for range 64 {
		if pid == ancestor {
			return true
		}
		if pid <= 1 {
			return false
		}
		parent, err := p.ParentPID(pid)
		if err != nil {
			return false
		}
		pid = parent
	}
	return false
}

// Alive reports whether pid exists and is not a zombie.
func (p Procfs) Alive(pid int) bool {
	fields, err := p.statFields(pid)
	if err != nil || len(fields) == 0 {
		return false
	}
	return fields[0] != "Z" && fields[0] != "X"
}

// Matches reports whether pid is alive and still has the given start
// time.
func (p Procfs) Matches(pid int, startTime uint64) bool {
	if !p.Alive(pid) {
		return false
	}
	current, err := p.StartTime(pid)
	return err == nil && current == startTime
}

// Cmdline returns the argv of pid.
func (p Procfs) Cmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(p.Root, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
		}
		return nil, err
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\x00"), nil
}

// statFields returns the whitespace-separated fields of
// /proc/<pid>/stat that follow the parenthesised comm. comm may itself
// contain spaces and parentheses, so the split is at the last ')'.
func (p Procfs) statFields(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(p.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
		}
		return nil, err
	}
	closing := bytes.LastIndexByte(data, ')')
	if closing < 0 {
		return nil, fmt.Errorf("parsing /proc/%d/stat: no comm terminator", pid)
	}
	return strings.Fields(string(data[closing+1:])), nil
}
