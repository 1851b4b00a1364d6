// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package hostfacts

import (
	"context"
	"fmt"
	"os"

	"github.com/go-cmd/cmd"
)

// Result is the outcome of a finished query command.
type Result struct {
	Exit   int
	Stdout []string
	Stderr []string
}

// Commander runs a short read-only command to completion.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecCommander runs commands with the process environment. Output is
// buffered line by line.
type ExecCommander struct{}

// Run returns an error only when the command could not be started or
// ctx ended first. A non-zero exit is a Result, not an error.
func (ExecCommander) Run(ctx context.Context, name string, args ...string) (Result, error) {
	command := cmd.NewCmdOptions(cmd.Options{Buffered: true}, name, args...)
	// pacman and flatpak localize their output; the callers only look
	// at exit codes, but stderr goes into error messages.
	command.Env = append(os.Environ(), "LC_ALL=C")

	statusChan := command.Start()
	select {
	case status := <-statusChan:
		if status.Error != nil {
			return Result{}, status.Error
		}
		return Result{Exit: status.Exit, Stdout: status.Stdout, Stderr: status.Stderr}, nil
	case <-ctx.Done():
		command.Stop()
		<-statusChan
		return Result{}, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}
