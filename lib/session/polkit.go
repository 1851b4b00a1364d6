// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xerolinux/elevate/lib/ipc"
)

// PolkitAuthorizer asks polkit through pkcheck(1). The subject is the
// caller process, identified by pid, start time, and uid, so polkit
// applies the rules for that user's desktop session and its agent
// shows the password prompt.
type PolkitAuthorizer struct {
	// ActionID is the polkit action to check.
	ActionID string

	// Command is the pkcheck binary. Empty means "pkcheck" from PATH.
	Command string
}

// pkcheck exit codes (pkcheck(1)).
const (
	pkcheckAuthorized        = 0
	pkcheckNotAuthorized     = 1
	pkcheckChallengeRequired = 2
	pkcheckDismissed         = 3
)

// Authorize runs pkcheck for identity. A denial, a challenge that
// could not be shown, and a dismissed dialog are all ErrAuthDenied.
// Cancellation of ctx (the manager's timeout) is ErrAuthTimeout.
func (p *PolkitAuthorizer) Authorize(ctx context.Context, identity Identity, interactive bool) error {
	command := p.Command
	if command == "" {
		command = "pkcheck"
	}
	args := []string{
		"--action-id", p.ActionID,
		"--process", fmt.Sprintf("%d,%d,%d", identity.PID, identity.StartTime, identity.UID),
	}
	if interactive {
		args = append(args, "--allow-user-interaction")
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return ipc.Errorf(ipc.CodeAuthTimeout, "authorization for pid %d was not answered in time", identity.PID)
	}
	if err == nil {
		return nil
	}

	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		return fmt.Errorf("running %s: %w", command, err)
	}
	detail := strings.TrimSpace(stderr.String())
	switch exitError.ExitCode() {
	case pkcheckNotAuthorized, pkcheckChallengeRequired:
		return ipc.Errorf(ipc.CodeAuthDenied, "polkit denied %s: %s", p.ActionID, nonEmpty(detail, "not authorized"))
	case pkcheckDismissed:
		return ipc.Errorf(ipc.CodeAuthDenied, "authentication dialog dismissed")
	default:
		return fmt.Errorf("%s exited %d: %s", command, exitError.ExitCode(), detail)
	}
}

func nonEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
