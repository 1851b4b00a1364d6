// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/hostfacts"
	"github.com/xerolinux/elevate/lib/inspect"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/jobview"
	"github.com/xerolinux/elevate/lib/process"
)

// newResolver builds a resolver for the current user from the
// configured catalog and the host's capabilities.
func newResolver(ctx context.Context, connection *BrokerConnection) (*inspect.Resolver, error) {
	cfg, err := connection.Config()
	if err != nil {
		return nil, err
	}
	var catalog *inspect.Catalog
	if cfg.Inspect.CatalogPath != "" {
		catalog, err = inspect.ReadCatalog(cfg.Inspect.CatalogPath)
	} else {
		catalog, err = inspect.BuiltinCatalog()
	}
	if err != nil {
		return nil, err
	}

	account, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("looking up current user: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		self = "elevate"
	}
	capabilities := hostfacts.DetectCapabilities(ctx, hostfacts.DetectOptions{PreferredHelper: cfg.Inspect.AURHelper})
	return inspect.NewResolver(catalog, capabilities, &hostfacts.Host{}, inspect.Options{
		User:    account.Username,
		Elevate: self,
	}), nil
}

type resolveParams struct {
	cli.JSONOutput
	Connection BrokerConnection
	Uninstall  bool `flag:"uninstall" desc:"plan the removal instead of the installation"`
}

func resolveCommand() *cli.Command {
	var params resolveParams
	return &cli.Command{
		Name:    "resolve",
		Summary: "Show the steps a feature needs on this system",
		Description: `Inspect the system and print the steps that would install (or with
--uninstall, remove) a feature. Nothing is changed.`,
		Usage: "elevate resolve <feature> [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("resolve", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one feature id, got %d arguments", len(args))
			}
			ctx := context.Background()
			resolver, err := newResolver(ctx, &params.Connection)
			if err != nil {
				return err
			}
			plan, err := resolver.Resolve(ctx, args[0], action(params.Uninstall))
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, plan); done {
				return err
			}
			printPlan(stdout, plan)
			return nil
		},
	}
}

func action(uninstall bool) inspect.Action {
	if uninstall {
		return inspect.ActionUninstall
	}
	return inspect.ActionInstall
}

func printPlan(w io.Writer, plan *inspect.Plan) {
	if plan.Satisfied {
		if plan.Action == inspect.ActionUninstall {
			fmt.Fprintf(w, "%s is not installed; nothing to do\n", plan.Feature)
		} else {
			fmt.Fprintf(w, "%s is already installed; nothing to do\n", plan.Feature)
		}
		return
	}
	fmt.Fprintf(w, "%s %s: %d steps\n", plan.Action, plan.Feature, len(plan.Steps))
	for index, step := range plan.Steps {
		mode := "user"
		if step.Privileged {
			mode = "root"
		}
		fmt.Fprintf(w, "  %d. [%s] %s\n       %s\n", index+1, mode, step.Description, strings.Join(step.Argv, " "))
	}
	for _, note := range plan.Notes {
		fmt.Fprintf(w, "note: %s\n", note)
	}
}

type applyParams struct {
	Connection BrokerConnection
	Launch     LaunchFlags
	Uninstall  bool `flag:"uninstall" desc:"remove the feature instead of installing it"`
	DryRun     bool `flag:"dry-run,n" desc:"print the plan without running it"`
	TUI        bool `flag:"tui" desc:"show a live progress view (needs a terminal)"`
}

func applyCommand() *cli.Command {
	var params applyParams
	return &cli.Command{
		Name:    "apply",
		Summary: "Install or remove a feature",
		Description: `Resolve a feature against the live system and run the resulting
steps in order. Privileged steps run through the broker in one
session, so polkit asks once. The first failing step stops the run.

Interrupting cancels the running step; the remaining steps are
skipped.`,
		Usage: "elevate apply <feature> [flags]",
		Examples: []cli.Example{
			{Description: "Install KVM with a live progress view", Command: "elevate apply kvm --tui"},
			{Description: "Remove Docker", Command: "elevate apply docker --uninstall"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("apply", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one feature id, got %d arguments", len(args))
			}
			ctx := context.Background()
			resolver, err := newResolver(ctx, &params.Connection)
			if err != nil {
				return err
			}
			plan, err := resolver.Resolve(ctx, args[0], action(params.Uninstall))
			if err != nil {
				return err
			}
			if plan.Satisfied || params.DryRun {
				printPlan(stdout, plan)
				return nil
			}

			logger := params.Connection.Logger()
			client, err := params.Connection.Client(logger)
			if err != nil {
				return err
			}
			// A broker started here stops when this command exits.
			if err := ensureBroker(ctx, &params.Connection, &params.Launch, client, os.Getpid(), logger); err != nil {
				return err
			}

			executor := brokerclient.NewExecutor(client, &process.Runner{Clock: clock.Real(), Logger: logger}, logger)
			defer executor.Close()
			if err := executor.Start(ctx, plan.Steps); err != nil {
				return err
			}

			if params.TUI && term.IsTerminal(int(os.Stdout.Fd())) {
				return jobview.Run(ctx, executor, *plan, os.Stdin, os.Stdout)
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signals)
			return followEvents(executor.Events(), executor.Cancel, signals, stdout, jobview.NewStyles(stdout, jobview.DefaultTheme))
		},
	}
}

// followEvents prints a run as plain text until it ends. The first
// signal cancels the run.
func followEvents(events <-chan brokerclient.Event, cancel func(), signals <-chan os.Signal, w io.Writer, styles jobview.Styles) error {
	for {
		select {
		case <-signals:
			fmt.Fprintln(w, styles.Help.Render("cancelling…"))
			go cancel()
			signals = nil
		case event := <-events:
			switch event.Kind {
			case brokerclient.EventStepStarted:
				fmt.Fprintf(w, "%s %s\n", styles.Header.Render(fmt.Sprintf("[%d/%d]", event.Step+1, event.Steps)), event.Description)
			case brokerclient.EventOutput:
				w.Write(event.Data)
			case brokerclient.EventStepFinished:
				fmt.Fprintf(w, "%s %s\n", styles.Marker(event.Status), styles.Status(event.Status))
			case brokerclient.EventDone:
				if event.Err == nil {
					fmt.Fprintf(w, "%s done\n", styles.Marker(ipc.StatusSucceeded))
				}
				return event.Err
			}
		}
	}
}

type featuresParams struct {
	cli.JSONOutput
	Connection BrokerConnection
	Detect     bool `flag:"detect" desc:"check which features are installed"`
}

type featureRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Installed *bool  `json:"installed,omitempty"`
}

func featuresCommand() *cli.Command {
	var params featuresParams
	return &cli.Command{
		Name:    "features",
		Summary: "List the features in the catalog",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("features", &params)
		},
		Run: func(args []string) error {
			ctx := context.Background()
			resolver, err := newResolver(ctx, &params.Connection)
			if err != nil {
				return err
			}
			rows := make([]featureRow, 0, len(resolver.Catalog().Features))
			for _, feature := range resolver.Catalog().Features {
				row := featureRow{ID: feature.ID, Name: feature.Name}
				if params.Detect {
					installed, err := resolver.Detect(ctx, feature.ID)
					if err != nil {
						return fmt.Errorf("detecting %s: %w", feature.ID, err)
					}
					row.Installed = &installed
				}
				rows = append(rows, row)
			}
			if done, err := params.EmitJSON(stdout, rows); done {
				return err
			}
			printFeatures(stdout, rows, resolver.Capabilities())
			return nil
		},
	}
}

func printFeatures(w io.Writer, rows []featureRow, capabilities hostfacts.SystemCapabilities) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		state := ""
		if row.Installed != nil {
			state = "not installed"
			if *row.Installed {
				state = "installed"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", row.ID, row.Name, state)
	}
	tw.Flush()
	if capabilities.Distro != "" {
		fmt.Fprintf(w, "\nsystem: %s\n", capabilities.Distro)
	}
	if missing := capabilities.Missing(); len(missing) > 0 {
		fmt.Fprintf(w, "missing: %s\n", strings.Join(missing, ", "))
	}
}
