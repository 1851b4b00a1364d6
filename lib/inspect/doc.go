// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package inspect decides which commands install or remove a
// control-panel feature on this particular machine.
//
// Features are rows of a declarative [Catalog] (catalog.jsonc is
// embedded; a file can replace it). A [Resolver] turns one feature and
// an [Action] into a [Plan] by asking a hostfacts.Source about the live
// system: whether the feature is already present, which conflicting
// packages are installed, which packages come from a repository and
// which need the AUR helper, the running kernel's flavor, and the CPU
// vendor. Every question is asked at most once per Resolve call.
//
// A plan is data. Privileged steps are submitted to the broker;
// unprivileged steps (AUR helper, flatpak) run as the user, and the
// AUR helper is pointed at "elevate exec" for its own privileged
// calls. Resolution never runs anything, so a plan can be printed,
// inspected, or discarded.
//
// Failures that must stop before any command runs are
// [ErrConflictUnresolved], [ErrNoHelper], and [ErrNoPacman]. Facts the
// resolver can work around (an unknown CPU vendor, a kernel without a
// headers package) become plan notes.
package inspect
