// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"os"
	"testing"

	"github.com/xerolinux/elevate/lib/testutil"
)

func TestStartTimeSurvivesParenthesesInComm(t *testing.T) {
	root := t.TempDir()
	// comm "(a) b)" followed by state S and fields 4..22; field 22 is 98765.
	testutil.WriteFile(t, root, "412/stat",
		"412 ((a) b)) S 1 412 412 0 -1 4194560 100 0 0 0 1 2 0 0 20 0 1 0 98765 1000 10\n")

	procfs := Procfs{Root: root}
	startTime, err := procfs.StartTime(412)
	if err != nil {
		t.Fatalf("StartTime: %v", err)
	}
	if startTime != 98765 {
		t.Errorf("StartTime = %d, want 98765", startTime)
	}
	if !procfs.Alive(412) {
		t.Error("Alive = false for running process")
	}
	if !procfs.Matches(412, 98765) || procfs.Matches(412, 1) {
		t.Error("Matches does not compare start time")
	}
}

func TestZombieIsNotAlive(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "9/stat",
		"9 (defunct) Z 1 9 9 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 55 0 0\n")
	if (Procfs{Root: root}).Alive(9) {
		t.Error("zombie reported alive")
	}
}

func TestMissingProcess(t *testing.T) {
	procfs := Procfs{Root: t.TempDir()}
	if _, err := procfs.StartTime(77); !errors.Is(err, ErrNoProcess) {
		t.Errorf("StartTime err = %v, want ErrNoProcess", err)
	}
	if procfs.Alive(77) {
		t.Error("missing pid reported alive")
	}
}

func TestCmdline(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "5/cmdline", "pacman\x00-S\x00--needed\x00")
	argv, err := (Procfs{Root: root}).Cmdline(5)
	if err != nil {
		t.Fatalf("Cmdline: %v", err)
	}
	if len(argv) != 3 || argv[0] != "pacman" || argv[2] != "--needed" {
		t.Errorf("Cmdline = %q", argv)
	}
}

func TestHostStartTimeOfSelf(t *testing.T) {
	startTime, err := Host.StartTime(os.Getpid())
	if err != nil {
		t.Fatalf("StartTime(self): %v", err)
	}
	if startTime == 0 {
		t.Error("start time of the test binary is zero")
	}
}

func TestDescendsFrom(t *testing.T) {
	root := t.TempDir()
	stat := func(pid, parent string) string {
		return pid + " (sh) S " + parent + " 1 1 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 100 0 0\n"
	}
	testutil.WriteFile(t, root, "1/stat", stat("1", "0"))
	testutil.WriteFile(t, root, "500/stat", stat("500", "1"))
	testutil.WriteFile(t, root, "600/stat", stat("600", "500"))
	testutil.WriteFile(t, root, "700/stat", stat("700", "600"))
	testutil.WriteFile(t, root, "800/stat", stat("800", "1"))

	procfs := Procfs{Root: root}
	if parent, err := procfs.ParentPID(700); err != nil || parent != 600 {
		t.Errorf("ParentPID(700) = %d, %v", parent, err)
	}
	if !procfs.DescendsFrom(700, 500) {
		t.Error("grandchild not recognised as descendant")
	}
	if !procfs.DescendsFrom(500, 500) {
		t.Error("process does not descend from itself")
	}
	if procfs.DescendsFrom(800, 500) {
		t.Error("sibling tree reported as descendant")
	}
}
