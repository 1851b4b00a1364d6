// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesToSubcommand(t *testing.T) {
	var called string
	var received []string
	root := &Command{
		Name: "elevate",
		Subcommands: []*Command{
			{Name: "ping", Run: func(args []string) error { called = "ping"; return nil }},
			{
				Name: "job",
				Subcommands: []*Command{
					{Name: "status", Run: func(args []string) error {
						called = "job status"
						received = args
						return nil
					}},
				},
			},
		},
	}

	if err := root.Execute([]string{"job", "status", "job-3"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "job status" || len(received) != 1 || received[0] != "job-3" {
		t.Errorf("called %q with %v", called, received)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var socket string
	var received []string
	command := &Command{
		Name: "status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&socket, "socket", "", "broker socket")
			return flagSet
		},
		Run: func(args []string) error {
			received = args
			return nil
		},
	}
	if err := command.Execute([]string{"--socket", "/run/test.sock", "job-1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if socket != "/run/test.sock" || len(received) != 1 || received[0] != "job-1" {
		t.Errorf("socket = %q, args = %v", socket, received)
	}
}

func TestExecuteSuggestsCommand(t *testing.T) {
	root := &Command{
		Name:        "elevate",
		Subcommands: []*Command{{Name: "status", Run: func([]string) error { return nil }}},
	}
	err := root.Execute([]string{"stauts"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "status"`) {
		t.Errorf("Execute(stauts) = %v", err)
	}
}

func TestExecuteSuggestsFlag(t *testing.T) {
	command := &Command{
		Name: "apply",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("apply", pflag.ContinueOnError)
			flagSet.Bool("dry-run", false, "")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}
	err := command.Execute([]string{"--dryrun"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --dry-run") {
		t.Errorf("Execute(--dryrun) = %v", err)
	}
}

func TestExecuteWithoutSubcommand(t *testing.T) {
	root := &Command{
		Name:        "elevate",
		Subcommands: []*Command{{Name: "ping", Run: func([]string) error { return nil }}},
	}
	if err := root.Execute(nil); err == nil {
		t.Error("Execute with no args succeeded on a command without Run")
	}
}

func TestPrintHelp(t *testing.T) {
	command := &Command{
		Name:    "elevate",
		Summary: "Run privileged commands",
		Subcommands: []*Command{
			{Name: "ping", Summary: "Check that the broker answers"},
		},
		Examples: []Example{{Description: "Check the broker", Command: "elevate ping"}},
	}
	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	help := buffer.String()
	for _, want := range []string{"Run privileged commands", "Usage:\n  elevate <command> [flags]", "ping", "Check that the broker answers", "# Check the broker"} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	for _, test := range []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"status", "status", 0},
		{"stauts", "status", 2},
		{"list", "lsit", 2},
		{"cancel", "cancl", 1},
	} {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
