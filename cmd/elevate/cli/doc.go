// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework for the elevate CLI: a tree of
// [Command] values with pflag flag sets, help output, typo
// suggestions, struct-tag flag binding ([FlagsFromParams]), --json
// output, and the mapping from broker refusals to process exit codes.
package cli
