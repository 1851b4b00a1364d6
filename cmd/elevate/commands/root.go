// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the elevate command tree.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/version"
)

// Output streams. Tests replace them.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Root returns the top-level elevate command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "elevate",
		Summary: "Run privileged system changes through the elevate broker",
		Description: `elevate runs system-changing commands through a root broker
(elevated) that serves only you. The broker asks polkit once per
session, runs commands in their own process groups, and streams
their output back.

Features from the catalog are resolved against the live system
("elevate resolve") and applied step by step ("elevate apply").
Single commands run with "elevate exec", which also serves as the
--sudo program for AUR helpers.`,
		Subcommands: []*cli.Command{
			applyCommand(),
			resolveCommand(),
			featuresCommand(),
			execCommand(),
			statusCommand(),
			listCommand(),
			cancelCommand(),
			ackCommand(),
			startCommand(),
			pingCommand(),
			shutdownCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Fprintf(stdout, "elevate %s\n", version.Info())
			return nil
		},
	}
}
