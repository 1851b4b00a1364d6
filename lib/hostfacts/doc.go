// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostfacts observes the state of the local machine for the
// inspector: kernel release, CPU vendor and virtualization extensions,
// installed and available packages, installed flatpaks, and which
// package tooling exists at all.
//
// Two layers:
//
//   - [DetectCapabilities] runs once at startup and answers the
//     coarse questions (distribution name, pacman, flatpak, AUR
//     helper) as a [SystemCapabilities] value.
//   - [Host] answers per-package questions on demand. [Memo] wraps
//     any [Source] so one resolution pass asks each question at most
//     once; nothing is cached across passes.
//
// File-based facts take root paths so tests point them at synthetic
// trees. Package queries go through a [Commander] so tests replace
// pacman and flatpak with tables.
//
// Unreadable files and unparseable content produce zero values, not
// errors. A machine with no /proc/cpuinfo vendor line is still a
// machine; callers decide how to degrade.
package hostfacts
