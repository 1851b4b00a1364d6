// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Elevate is the client of the elevate broker: it resolves catalog
// features into plans, runs them, runs single commands as root, and
// manages jobs and the broker itself.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/cmd/elevate/commands"
)

func main() {
	err := commands.Root().Execute(os.Args[1:])
	if err == nil {
		return
	}
	// An ExitError carries a code whose output was already written.
	var exit *cli.ExitError
	if !errors.As(err, &exit) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(cli.ExitCodeFor(err))
}
