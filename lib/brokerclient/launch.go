// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/process"
)

// ErrLaunchCancelled means the user dismissed the pkexec prompt or
// was not authorized to start the broker.
var ErrLaunchCancelled = errors.New("starting the broker was not authorized")

// LaunchOptions describe how to start the broker.
type LaunchOptions struct {
	// Pkexec is the launcher program. Defaults to "pkexec".
	Pkexec string

	// Daemon is the absolute path of the elevated binary.
	Daemon string

	// UID is the user the broker serves. ParentPID, when non-zero, is
	// the process whose exit stops the broker.
	UID       int
	ParentPID int

	// Config is passed through as --config when set.
	Config string

	// LogPath receives the broker's stdout and stderr, appended. Empty
	// discards them.
	LogPath string

	// Timeout bounds the wait for the socket. Defaults to 60s, which
	// includes the time the user spends in the password prompt.
	Timeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Launch returns at once if a broker answers on client's socket.
// Otherwise it starts one through pkexec, detached from the calling
// process, and waits until it answers.
func Launch(ctx context.Context, client *Client, options LaunchOptions) error {
	if _, err := client.Ping(ctx); err == nil {
		return nil
	}
	if options.Daemon == "" {
		return errors.New("launching broker: daemon path is required")
	}
	if options.Pkexec == "" {
		options.Pkexec = "pkexec"
	}
	if options.Timeout <= 0 {
		options.Timeout = 60 * time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	argv := []string{options.Pkexec, options.Daemon, "--uid", strconv.Itoa(options.UID)}
	if options.ParentPID != 0 {
		argv = append(argv, "--parent-pid", strconv.Itoa(options.ParentPID))
	}
	if options.Config != "" {
		argv = append(argv, "--config", options.Config)
	}

	logger := options.Logger
	exited, pid, err := startDetached(argv, options.LogPath)
	if err != nil {
		return fmt.Errorf("launching broker: %w", err)
	}
	logger.Info("starting broker", "argv", argv, "pid", pid, "log", options.LogPath)

	deadline := options.Clock.After(options.Timeout)
	ticker := options.Clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("launching broker: no answer on %s within %v", client.SocketPath(), options.Timeout)
		case code := <-exited:
			// pkexec exits 126 when the dialog is dismissed and 127
			// when authorization fails.
			if code == 126 || code == 127 {
				return ErrLaunchCancelled
			}
			if _, err := client.Ping(ctx); err == nil {
				return nil
			}
			return fmt.Errorf("launching broker: %s exited with code %d", options.Pkexec, code)
		case <-ticker.C:
			if _, err := client.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// startDetached starts argv in a new session with stdin on /dev/null
// and stdout and stderr on logPath. Nothing of this process stays
// attached to the broker, so it keeps running after we exit. The exit
// code arrives on the returned channel if the launcher dies first.
func startDetached(argv []string, logPath string) (<-chan int, int, error) {
	output, err := openLaunchLog(logPath)
	if err != nil {
		return nil, 0, err
	}
	defer output.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, 0, &process.SpawnError{Program: argv[0], Err: err}
	}

	exited := make(chan int, 1)
	go func() {
		_ = cmd.Wait()
		exited <- cmd.ProcessState.ExitCode()
	}()
	return exited, cmd.Process.Pid, nil
}

func openLaunchLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating broker log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening broker log: %w", err)
	}
	return file, nil
}
