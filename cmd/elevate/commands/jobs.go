// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/jobview"
)

type jobParams struct {
	cli.JSONOutput
	Connection BrokerConnection
}

// singleJob parses the one positional job id.
func singleJob(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected one job id, got %d arguments", len(args))
	}
	return args[0], nil
}

func statusCommand() *cli.Command {
	var params jobParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show one job",
		Usage:   "elevate status <job> [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("status", &params)
		},
		Run: func(args []string) error {
			job, err := singleJob(args)
			if err != nil {
				return err
			}
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			snapshot, err := client.Status(context.Background(), job)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, snapshot); done {
				return err
			}
			printSnapshot(stdout, jobview.NewStyles(stdout, jobview.DefaultTheme), snapshot, time.Now())
			return nil
		},
	}
}

func printSnapshot(w io.Writer, styles jobview.Styles, snapshot ipc.JobSnapshot, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "job:\t%s\n", snapshot.ID)
	fmt.Fprintf(tw, "status:\t%s\n", describeStatus(styles, snapshot))
	fmt.Fprintf(tw, "command:\t%s\n", strings.Join(snapshot.Argv, " "))
	if snapshot.Dir != "" {
		fmt.Fprintf(tw, "directory:\t%s\n", snapshot.Dir)
	}
	fmt.Fprintf(tw, "session:\t%s\n", snapshot.Session)
	fmt.Fprintf(tw, "submitted:\t%s\n", humanize.RelTime(snapshot.Submitted, now, "ago", "from now"))
	if !snapshot.Finished.IsZero() && !snapshot.Started.IsZero() {
		fmt.Fprintf(tw, "ran for:\t%s\n", snapshot.Finished.Sub(snapshot.Started).Round(time.Millisecond))
	}
	if snapshot.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", snapshot.Error)
	}
	tw.Flush()
}

// describeStatus adds the exit code or signal to failed statuses.
func describeStatus(styles jobview.Styles, snapshot ipc.JobSnapshot) string {
	status := styles.Status(snapshot.Status)
	switch {
	case snapshot.Status == ipc.StatusFailed && snapshot.Signal != 0:
		return fmt.Sprintf("%s (signal %d)", status, snapshot.Signal)
	case snapshot.Status == ipc.StatusFailed:
		return fmt.Sprintf("%s (exit %d)", status, snapshot.ExitCode)
	}
	return status
}

func listCommand() *cli.Command {
	var params jobParams
	return &cli.Command{
		Name:        "list",
		Summary:     "List your jobs",
		Description: "List jobs that are running or finished but not yet acknowledged.",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("list", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			jobs, err := client.List(context.Background())
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, jobs); done {
				return err
			}
			printJobs(stdout, jobview.NewStyles(stdout, jobview.DefaultTheme), jobs, time.Now())
			return nil
		},
	}
}

func printJobs(w io.Writer, styles jobview.Styles, jobs []ipc.JobSnapshot, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tSUBMITTED\tCOMMAND")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			job.ID, describeStatus(styles, job),
			humanize.RelTime(job.Submitted, now, "ago", "from now"),
			truncate(strings.Join(job.Argv, " "), 60))
	}
	tw.Flush()
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func cancelCommand() *cli.Command {
	var params jobParams
	return &cli.Command{
		Name:        "cancel",
		Summary:     "Cancel a running job",
		Description: "Cancel a job. Its process group gets SIGTERM, then SIGKILL after the grace period. Cancelling a finished job does nothing.",
		Usage:       "elevate cancel <job> [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("cancel", &params)
		},
		Run: func(args []string) error {
			job, err := singleJob(args)
			if err != nil {
				return err
			}
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			return client.Cancel(context.Background(), job)
		},
	}
}

func ackCommand() *cli.Command {
	var params jobParams
	return &cli.Command{
		Name:        "ack",
		Summary:     "Acknowledge a finished job",
		Description: "Acknowledge a finished job so the broker forgets it and its output.",
		Usage:       "elevate ack <job> [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("ack", &params)
		},
		Run: func(args []string) error {
			job, err := singleJob(args)
			if err != nil {
				return err
			}
			client, err := params.Connection.Client(params.Connection.Logger())
			if err != nil {
				return err
			}
			return client.Ack(context.Background(), job)
		},
	}
}
