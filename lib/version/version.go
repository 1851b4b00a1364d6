// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the elevate binaries.
//
// Values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/xerolinux/elevate/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "0.1.0-dev (unknown, unknown)".
package version

import "fmt"

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the --version line.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

