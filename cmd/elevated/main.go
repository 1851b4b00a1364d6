// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Elevated is the privileged broker. It runs as root on behalf of one
// user, listens on a Unix socket only that user and root can reach,
// and runs commands for callers holding an authorized session.
//
// It is normally started by "elevate start" through pkexec, with
// --parent-pid set to the launching process so that the broker exits
// once its client goes away. It also exits on SIGINT, SIGTERM, or the
// shutdown action.
//
// On startup it kills process groups left running by a previous
// broker for the same user, as recorded in the spawn ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/xerolinux/elevate/lib/broker"
	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/config"
	"github.com/xerolinux/elevate/lib/process"
	"github.com/xerolinux/elevate/lib/service"
	"github.com/xerolinux/elevate/lib/session"
	"github.com/xerolinux/elevate/lib/version"
	"github.com/xerolinux/elevate/lib/watchdog"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	uid         int
	parentPID   int
	configPath  string
	debug       bool
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("elevated", pflag.ContinueOnError)
	flagSet.IntVar(&opts.uid, "uid", -1, "user this broker serves (default: only root may connect)")
	flagSet.IntVar(&opts.parentPID, "parent-pid", 0, "exit when this process exits")
	flagSet.StringVar(&opts.configPath, "config", "", "path to the broker config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&opts.debug, "debug", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	if opts.uid < -1 {
		return options{}, fmt.Errorf("--uid must not be negative")
	}
	if opts.parentPID < 0 {
		return options{}, fmt.Errorf("--parent-pid must not be negative")
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("elevated %s\n", version.Info())
		return nil
	}
	if os.Geteuid() != 0 {
		return errors.New("elevated must run as root (start it with \"elevate start\")")
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	servedUID := opts.uid
	if servedUID < 0 {
		servedUID = 0
	}
	cfg, err := config.Load(opts.configPath, servedUID)
	if err != nil {
		return err
	}

	// A write to a closed stdout or stderr must fail, not kill the
	// broker while it supervises jobs.
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.parentPID > 0 {
		if !process.Host.Alive(opts.parentPID) {
			return fmt.Errorf("parent process %d is not running", opts.parentPID)
		}
		go watchParent(ctx, process.Host.Alive, opts.parentPID, time.Second, clock.Real(), logger, cancel)
	}

	return serve(ctx, cancel, cfg, opts.uid, servedUID, logger)
}

func serve(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, uid, servedUID int, logger *slog.Logger) error {
	if err := refuseDuplicate(ctx, cfg.SocketPath); err != nil {
		return err
	}

	permissions, err := socketPermissions(uid)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	ledger, err := watchdog.Load(cfg.LedgerPath(servedUID))
	if err != nil {
		return err
	}
	if reaped := watchdog.Reap(ledger.Entries(), process.Host, watchdog.SignalGroup, logger); len(reaped) > 0 {
		logger.Warn("reaped orphaned jobs", "count", len(reaped))
	}
	if err := ledger.Reset(); err != nil {
		return fmt.Errorf("resetting spawn ledger: %w", err)
	}

	clk := clock.Real()
	var allowUIDs []uint32
	if uid >= 0 {
		allowUIDs = []uint32{uint32(uid)}
	} else {
		allowUIDs = []uint32{0}
	}
	sessions := session.NewManager(session.Config{
		TTL:             cfg.Session.TTL,
		RecheckInterval: cfg.Session.RecheckInterval,
		AuthTimeout:     cfg.Session.AuthTimeout,
		SweepInterval:   cfg.Session.SweepInterval,
		AllowUIDs:       allowUIDs,
	}, &session.PolkitAuthorizer{ActionID: cfg.Session.PolkitAction}, process.Host, clk, logger)

	runner := &process.Runner{
		CancelGrace: cfg.Jobs.CancelGrace,
		Clock:       clk,
		BaseEnv:     brokerEnvironment(),
		Logger:      logger,
	}
	jobs := broker.New(broker.Config{
		Retention:   cfg.Jobs.Retention,
		LogCapacity: broker.DefaultLogCapacity,
	}, sessions, runner, ledger, process.Host, clk, logger)

	server := service.NewSocketServer(cfg.SocketPath, logger)
	server.SocketMode = permissions.mode
	server.SocketGroup = permissions.group
	server.AllowPeer = allowPeer(uid)
	(&broker.API{
		Broker:            jobs,
		Sessions:          sessions,
		StartTimes:        process.Host,
		Clock:             clk,
		Logger:            logger,
		KeepaliveInterval: cfg.Jobs.KeepaliveInterval,
		ServedUID:         servedUID,
		Shutdown:          cancel,
	}).Register(server)

	go sessions.Run(ctx)

	logger.Info("broker starting",
		"version", version.Info(),
		"uid", uid,
		"socket", cfg.SocketPath,
	)
	serveErr := server.Serve(ctx)

	// Serve only returns once every connection handler has finished,
	// so no new jobs can arrive while running jobs are stopped.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Jobs.CancelGrace+5*time.Second)
	defer shutdownCancel()
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		logger.Error("jobs still running at exit", "error", err)
	}
	if err := ledger.Reset(); err != nil {
		logger.Error("clearing spawn ledger", "error", err)
	}
	logger.Info("broker stopped")
	return serveErr
}

// refuseDuplicate fails when a broker already answers on socketPath.
// Serving would otherwise replace that broker's socket.
func refuseDuplicate(ctx context.Context, socketPath string) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	client := brokerclient.New(socketPath, brokerclient.Options{})
	result, err := client.Ping(pingCtx)
	if err != nil {
		return nil
	}
	return fmt.Errorf("a broker (pid %d) is already serving %s", result.PID, socketPath)
}
