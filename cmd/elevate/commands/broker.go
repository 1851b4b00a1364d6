// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/brokerclient"
)

// installedDaemon is where packages install the broker binary.
const installedDaemon = "/usr/lib/elevate/elevated"

// LaunchFlags controls how a missing broker is started.
type LaunchFlags struct {
	Daemon  string
	Pkexec  string
	Timeout time.Duration
}

// AddFlags registers the launch flags.
func (l *LaunchFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&l.Daemon, "daemon", "", "elevated binary to start (default: next to elevate, then "+installedDaemon+")")
	flagSet.StringVar(&l.Pkexec, "pkexec", "pkexec", "program used to start the broker as root")
	flagSet.DurationVar(&l.Timeout, "launch-timeout", 60*time.Second, "how long to wait for a started broker, including the password prompt")
}

// daemonPath finds the elevated binary.
func (l *LaunchFlags) daemonPath() string {
	if l.Daemon != "" {
		return l.Daemon
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "elevated")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return installedDaemon
}

// ensureBroker starts a broker unless one answers. parentPID ties the
// started broker's lifetime to that process; zero leaves it running
// until shutdown.
func ensureBroker(ctx context.Context, connection *BrokerConnection, launch *LaunchFlags, client *brokerclient.Client, parentPID int, logger *slog.Logger) error {
	return brokerclient.Launch(ctx, client, brokerclient.LaunchOptions{
		Pkexec:    launch.Pkexec,
		Daemon:    launch.daemonPath(),
		UID:       os.Getuid(),
		ParentPID: parentPID,
		Config:    connection.ConfigPath,
		LogPath:   brokerLogPath(),
		Timeout:   launch.Timeout,
		Logger:    logger,
	})
}

// brokerLogPath is where a started broker writes its log, or empty
// when the user has no cache directory.
func brokerLogPath() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(cache, "elevate", "elevated.log")
}

type pingParams struct {
	cli.JSONOutput
	Connection BrokerConnection
}

func pingCommand() *cli.Command {
	var params pingParams
	return &cli.Command{
		Name:    "ping",
		Summary: "Check that the broker answers",
		Usage:   "elevate ping [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("ping", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			result, err := client.Ping(context.Background())
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, result); done {
				return err
			}
			fmt.Fprintf(stdout, "broker %s (pid %d) serving uid %d at %s\n", result.Version, result.PID, result.UID, client.SocketPath())
			return nil
		},
	}
}

type shutdownParams struct {
	Connection BrokerConnection
}

func shutdownCommand() *cli.Command {
	var params shutdownParams
	return &cli.Command{
		Name:        "shutdown",
		Summary:     "Stop the broker",
		Description: "Stop the broker. Running jobs are cancelled and their sessions end.",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("shutdown", &params)
		},
		Run: func(args []string) error {
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			return client.Shutdown(context.Background())
		},
	}
}

type startParams struct {
	Connection BrokerConnection
	Launch     LaunchFlags
	ParentPID  int `flag:"parent-pid" desc:"stop the broker when this process exits (default: keep running until shutdown)"`
}

func startCommand() *cli.Command {
	var params startParams
	return &cli.Command{
		Name:    "start",
		Summary: "Start the broker if it is not running",
		Description: `Start the broker through pkexec unless one already answers on the
socket. pkexec shows the authentication dialog; dismissing it fails
the command.

A front-end that owns the broker passes its own pid with
--parent-pid so the broker exits together with it.`,
		Examples: []cli.Example{
			{Description: "Start a broker that lives until \"elevate shutdown\"", Command: "elevate start"},
			{Description: "Tie the broker to the calling shell", Command: "elevate start --parent-pid $$"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("start", &params)
		},
		Run: func(args []string) error {
			logger := params.Connection.Logger()
			client, err := params.Connection.Client(logger)
			if err != nil {
				return err
			}
			if err := ensureBroker(context.Background(), &params.Connection, &params.Launch, client, params.ParentPID, logger); err != nil {
				return err
			}
			result, err := client.Ping(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(stderr, "broker running (pid %d)\n", result.PID)
			return nil
		},
	}
}
