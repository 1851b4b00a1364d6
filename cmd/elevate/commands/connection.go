// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/config"
)

// BrokerConnection holds the flags that locate the broker. The socket
// comes from --socket, then $ELEVATE_SOCKET (set for commands run by
// a plan), then the config file.
type BrokerConnection struct {
	SocketPath   string
	ConfigPath   string
	StallTimeout time.Duration
	Verbose      bool

	config *config.Config
}

// AddFlags registers the connection flags.
func (c *BrokerConnection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.SocketPath, "socket", "", "broker socket (default: $"+brokerclient.SocketEnvironmentVariable+" or the config's socket_path)")
	flagSet.StringVar(&c.ConfigPath, "config", "", "config file (default: $"+config.EnvironmentVariable+")")
	flagSet.DurationVar(&c.StallTimeout, "stall-timeout", 0, "declare the broker stalled after this long without a frame (default: the config's jobs.stall_timeout)")
	flagSet.BoolVarP(&c.Verbose, "verbose", "v", false, "log debug details to stderr")
}

// Config loads the configuration once.
func (c *BrokerConnection) Config() (*config.Config, error) {
	if c.config == nil {
		cfg, err := config.Load(c.ConfigPath, os.Getuid())
		if err != nil {
			return nil, err
		}
		c.config = cfg
	}
	return c.config, nil
}

// Socket resolves the broker socket path.
func (c *BrokerConnection) Socket() (string, error) {
	if c.SocketPath != "" {
		return c.SocketPath, nil
	}
	if path := os.Getenv(brokerclient.SocketEnvironmentVariable); path != "" {
		return path, nil
	}
	cfg, err := c.Config()
	if err != nil {
		return "", err
	}
	return cfg.SocketPath, nil
}

// Logger is the command logger at the level --verbose selects.
func (c *BrokerConnection) Logger() *slog.Logger {
	return cli.NewCommandLogger(c.Verbose)
}

// Client connects to the broker.
func (c *BrokerConnection) Client(logger *slog.Logger) (*brokerclient.Client, error) {
	socketPath, err := c.Socket()
	if err != nil {
		return nil, fmt.Errorf("locating broker socket: %w", err)
	}
	stall := c.StallTimeout
	if stall <= 0 && c.SocketPath == "" {
		if cfg, err := c.Config(); err == nil {
			stall = cfg.Jobs.StallTimeout
		}
	}
	return brokerclient.New(socketPath, brokerclient.Options{StallTimeout: stall, Logger: logger}), nil
}
