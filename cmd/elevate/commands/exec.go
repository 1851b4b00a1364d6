// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/ipc"
)

type execParams struct {
	Connection BrokerConnection
	Launch     LaunchFlags
	Terminal   bool     `flag:"terminal,t" desc:"run the command on a pseudo-terminal"`
	Dir        string   `flag:"dir" desc:"working directory (default: the current directory)"`
	Env        []string `flag:"env,e" desc:"set KEY=VALUE in the command's environment (repeatable)"`
	NoLaunch   bool     `flag:"no-launch" desc:"fail instead of starting a broker when none is running"`
}

func execCommand() *cli.Command {
	var params execParams
	return &cli.Command{
		Name:    "exec",
		Summary: "Run one command as root and pass its exit status through",
		Description: `Run a command through the broker, streaming its output, and exit
with the command's exit code. A command killed by a signal exits with
128 plus the signal number; a cancelled one with 130. Broker refusals
exit with 120-129.

Inside a plan, $` + brokerclient.SessionEnvironmentVariable + ` names the plan's session and no
new authorization is needed. This is how AUR helpers run their
privileged steps: they are started with "--sudo elevate --sudoflags
exec". Flags for elevate must come before the command.`,
		Usage: "elevate exec [flags] <command> [args...]",
		Examples: []cli.Example{
			{Description: "Refresh the package databases", Command: "elevate exec pacman -Sy"},
			{Description: "Run an interactive tool on a terminal", Command: "elevate exec -t -- pacman -Syu"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := cli.FlagsFromParams("exec", &params)
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errors.New("no command given")
			}
			env, err := parseEnv(params.Env)
			if err != nil {
				return err
			}
			dir := params.Dir
			if dir == "" {
				if dir, err = os.Getwd(); err != nil {
					return fmt.Errorf("determining working directory: %w", err)
				}
			}

			logger := params.Connection.Logger()
			client, err := params.Connection.Client(logger)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if !params.NoLaunch {
				if err := ensureBroker(ctx, &params.Connection, &params.Launch, client, 0, logger); err != nil {
					return err
				}
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(signals)

			command := brokerclient.Command{Argv: args, Dir: dir, Env: env, Terminal: params.Terminal}
			return runExec(ctx, client, os.Getenv(brokerclient.SessionEnvironmentVariable), command, signals, logger)
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--env %q: want KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

// runExec submits command in the inherited session, or in a session of
// its own when there is none or it has ended, and follows it to the
// end. A signal cancels the job; its output still drains.
func runExec(ctx context.Context, client *brokerclient.Client, inherited string, command brokerclient.Command, signals <-chan os.Signal, logger *slog.Logger) error {
	job, release, err := submitWithSession(ctx, client, inherited, command, logger)
	if err != nil {
		return err
	}
	defer release()

	followCtx, stopForwarding := context.WithCancel(ctx)
	defer stopForwarding()
	go func() {
		select {
		case <-followCtx.Done():
		case received := <-signals:
			logger.Debug("cancelling job on signal", "job", job, "signal", received)
			if err := client.Cancel(context.WithoutCancel(ctx), job); err != nil {
				logger.Warn("cancelling job", "job", job, "error", err)
			}
		}
	}()

	terminal, err := client.Follow(ctx, job, -1, func(frame ipc.Frame) {
		if frame.Stream == "stderr" {
			stderr.Write(frame.Data)
		} else {
			stdout.Write(frame.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("following %s: %w", job, err)
	}
	if err := client.Ack(context.WithoutCancel(ctx), job); err != nil {
		logger.Debug("acknowledging job", "job", job, "error", err)
	}
	return terminalError(terminal)
}

// submitWithSession returns the job and a function that releases any
// session created here.
func submitWithSession(ctx context.Context, client *brokerclient.Client, inherited string, command brokerclient.Command, logger *slog.Logger) (string, func(), error) {
	if inherited != "" {
		job, err := client.Submit(ctx, inherited, command)
		if err == nil {
			return job, func() {}, nil
		}
		if !errors.Is(err, ipc.ErrSessionInvalid) {
			return "", nil, fmt.Errorf("submitting: %w", err)
		}
		logger.Debug("inherited session is not usable, authenticating", "session", inherited)
	}

	granted, err := client.Authenticate(ctx, true)
	if err != nil {
		return "", nil, fmt.Errorf("authenticating: %w", err)
	}
	attachment, err := client.Attach(ctx, granted.Session)
	if err != nil {
		return "", nil, fmt.Errorf("attaching session: %w", err)
	}
	release := func() { attachment.Close() }
	job, err := client.Submit(ctx, granted.Session, command)
	if err != nil {
		release()
		return "", nil, fmt.Errorf("submitting: %w", err)
	}
	return job, release, nil
}

// terminalError maps a job's final frame to the exit of this process.
func terminalError(terminal ipc.Frame) error {
	switch terminal.Status {
	case ipc.StatusSucceeded:
		return nil
	case ipc.StatusCancelled:
		return &cli.ExitError{Code: 130}
	case ipc.StatusSpawnFailed:
		return ipc.Errorf(ipc.CodeSpawnFailure, "%s", terminal.Message)
	}
	if terminal.Signal != 0 {
		return &cli.ExitError{Code: 128 + terminal.Signal}
	}
	if terminal.ExitCode == 0 {
		return &cli.ExitError{Code: 1}
	}
	return &cli.ExitError{Code: terminal.ExitCode}
}
