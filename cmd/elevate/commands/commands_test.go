// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/xerolinux/elevate/cmd/elevate/cli"
	"github.com/xerolinux/elevate/lib/broker"
	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/inspect"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/jobview"
	"github.com/xerolinux/elevate/lib/process"
	"github.com/xerolinux/elevate/lib/service"
	"github.com/xerolinux/elevate/lib/session"
	"github.com/xerolinux/elevate/lib/testutil"
)

type grantAll struct{}

func (grantAll) Authorize(ctx context.Context, identity session.Identity, interactive bool) error {
	return nil
}

var discard = slog.New(slog.DiscardHandler)

// startBroker serves an in-process broker and returns its socket.
func startBroker(t *testing.T) string {
	t.Helper()
	sessions := session.NewManager(session.Config{
		TTL:             time.Hour,
		RecheckInterval: time.Hour,
		AuthTimeout:     5 * time.Second,
		SweepInterval:   time.Minute,
	}, grantAll{}, process.Host, clock.Real(), discard)
	runner := &process.Runner{CancelGrace: 500 * time.Millisecond, Clock: clock.Real(), Logger: discard}
	jobs := broker.New(broker.Config{Retention: time.Hour, LogCapacity: 1 << 20}, sessions, runner, nil, process.Host, clock.Real(), discard)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		jobs.Shutdown(ctx)
	})

	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")
	server := service.NewSocketServer(socketPath, discard)
	(&broker.API{
		Broker:            jobs,
		Sessions:          sessions,
		StartTimes:        process.Host,
		Clock:             clock.Real(),
		Logger:            discard,
		KeepaliveInterval: 100 * time.Millisecond,
		ServedUID:         os.Getuid(),
	}).Register(server)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "broker ready")
	return socketPath
}

// captureOutput redirects the command output streams for one test.
func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	previousOut, previousErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = previousOut, previousErr })
	return &out, &errOut
}

func TestExecPassesExitCodeThrough(t *testing.T) {
	socketPath := startBroker(t)
	out, errOut := captureOutput(t)
	t.Setenv(brokerclient.SessionEnvironmentVariable, "")

	err := Root().Execute([]string{"exec", "--socket", socketPath, "--no-launch", "sh", "-c", "echo out; echo err >&2; exit 3"})
	if got := cli.ExitCodeFor(err); got != 3 {
		t.Errorf("exit code = %d (err %v), want 3", got, err)
	}
	if out.String() != "out\n" || errOut.String() != "err\n" {
		t.Errorf("stdout = %q, stderr = %q", out.String(), errOut.String())
	}
}

func TestExecSucceeds(t *testing.T) {
	socketPath := startBroker(t)
	out, _ := captureOutput(t)
	t.Setenv(brokerclient.SessionEnvironmentVariable, "")

	err := Root().Execute([]string{"exec", "--socket", socketPath, "--no-launch", "--env", "GREETING=hello", "sh", "-c", "echo $GREETING"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestExecReusesInheritedSession(t *testing.T) {
	socketPath := startBroker(t)
	captureOutput(t)
	client := brokerclient.New(socketPath, brokerclient.Options{Logger: discard})
	granted, err := client.Authenticate(context.Background(), false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	err = runExec(context.Background(), client, granted.Session, brokerclient.Command{Argv: []string{"true"}}, nil, discard)
	if err != nil {
		t.Fatalf("runExec in inherited session: %v", err)
	}
	jobs, err := client.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range jobs {
		if job.Session != granted.Session {
			t.Errorf("job %s ran in session %s, want inherited %s", job.ID, job.Session, granted.Session)
		}
	}
}

func TestExecFallsBackFromStaleSession(t *testing.T) {
	socketPath := startBroker(t)
	captureOutput(t)
	client := brokerclient.New(socketPath, brokerclient.Options{Logger: discard})
	err := runExec(context.Background(), client, "ended-session", brokerclient.Command{Argv: []string{"true"}}, nil, discard)
	if err != nil {
		t.Errorf("runExec with a stale session: %v", err)
	}
}

func TestExecSignalCancelsJob(t *testing.T) {
	socketPath := startBroker(t)
	captureOutput(t)
	client := brokerclient.New(socketPath, brokerclient.Options{Logger: discard})

	signals := make(chan os.Signal, 1)
	result := make(chan error, 1)
	go func() {
		result <- runExec(context.Background(), client, "", brokerclient.Command{Argv: []string{"sleep", "30"}}, signals, discard)
	}()
	testutil.RequireEventually(t, 10*time.Second, func() bool {
		jobs, err := client.List(context.Background())
		return err == nil && len(jobs) == 1 && jobs[0].Status == ipc.StatusRunning
	}, "job running")
	signals <- syscall.SIGINT

	err := testutil.RequireReceive(t, result, 10*time.Second, "runExec result")
	if got := cli.ExitCodeFor(err); got != 130 {
		t.Errorf("exit code = %d (err %v), want 130", got, err)
	}
}

func TestTerminalError(t *testing.T) {
	for _, test := range []struct {
		name  string
		frame ipc.Frame
		want  int
	}{
		{"succeeded", ipc.Frame{Status: ipc.StatusSucceeded}, 0},
		{"failed", ipc.Frame{Status: ipc.StatusFailed, ExitCode: 2}, 2},
		{"signalled", ipc.Frame{Status: ipc.StatusFailed, Signal: 9}, 137},
		{"cancelled", ipc.Frame{Status: ipc.StatusCancelled}, 130},
		{"spawn failed", ipc.Frame{Status: ipc.StatusSpawnFailed, Message: "no such file"}, 123},
	} {
		if got := cli.ExitCodeFor(terminalError(test.frame)); got != test.want {
			t.Errorf("%s: exit code %d, want %d", test.name, got, test.want)
		}
	}
	if err := terminalError(ipc.Frame{Status: ipc.StatusSpawnFailed, Message: "no such file"}); !errors.Is(err, ipc.ErrSpawnFailure) {
		t.Errorf("spawn failure error = %v", err)
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "EMPTY="})
	if err != nil {
		t.Fatal(err)
	}
	if env["A"] != "1" || env["B"] != "x=y" || env["EMPTY"] != "" || len(env) != 3 {
		t.Errorf("env = %v", env)
	}
	for _, bad := range []string{"NOVALUE", "=value"} {
		if _, err := parseEnv([]string{bad}); err == nil {
			t.Errorf("parseEnv accepted %q", bad)
		}
	}
}

func TestJobCommands(t *testing.T) {
	socketPath := startBroker(t)
	out, _ := captureOutput(t)
	client := brokerclient.New(socketPath, brokerclient.Options{Logger: discard})
	granted, err := client.Authenticate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	job, err := client.Submit(context.Background(), granted.Session, brokerclient.Command{Argv: []string{"sh", "-c", "exit 4"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Follow(context.Background(), job, -1, nil); err != nil {
		t.Fatal(err)
	}

	if err := Root().Execute([]string{"list", "--socket", socketPath}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if listing := out.String(); !strings.Contains(listing, job) || !strings.Contains(listing, "failed (exit 4)") {
		t.Errorf("list output:\n%s", listing)
	}

	out.Reset()
	if err := Root().Execute([]string{"status", "--socket", socketPath, "--json", job}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), `"exit_code": 4`) {
		t.Errorf("status JSON:\n%s", out.String())
	}

	if err := Root().Execute([]string{"ack", "--socket", socketPath, job}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	err = Root().Execute([]string{"status", "--socket", socketPath, job})
	if got := cli.ExitCodeFor(err); got != 125 {
		t.Errorf("status after ack: exit %d (err %v), want not_found 125", got, err)
	}
}

func TestPingCommand(t *testing.T) {
	socketPath := startBroker(t)
	out, _ := captureOutput(t)
	if err := Root().Execute([]string{"ping", "--socket", socketPath}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out.String(), "serving uid") {
		t.Errorf("ping output = %q", out.String())
	}
}

func TestPrintPlan(t *testing.T) {
	var buffer bytes.Buffer
	printPlan(&buffer, &inspect.Plan{
		Feature: "kvm",
		Action:  inspect.ActionInstall,
		Steps: []inspect.Step{
			{Description: "Remove iptables", Argv: []string{"pacman", "-Rdd", "--noconfirm", "iptables"}, Privileged: true},
			{Description: "Install from the AUR", Argv: []string{"paru", "-S", "virt-manager-git"}},
		},
		Notes: []string{"nested virtualization skipped"},
	})
	want := []string{
		"install kvm: 2 steps",
		"1. [root] Remove iptables",
		"pacman -Rdd --noconfirm iptables",
		"2. [user] Install from the AUR",
		"note: nested virtualization skipped",
	}
	for _, line := range want {
		if !strings.Contains(buffer.String(), line) {
			t.Errorf("plan output missing %q:\n%s", line, buffer.String())
		}
	}

	buffer.Reset()
	printPlan(&buffer, &inspect.Plan{Feature: "docker", Action: inspect.ActionInstall, Satisfied: true})
	if !strings.Contains(buffer.String(), "already installed") {
		t.Errorf("satisfied plan output = %q", buffer.String())
	}
}

func TestFollowEvents(t *testing.T) {
	events := make(chan brokerclient.Event, 8)
	events <- brokerclient.Event{Kind: brokerclient.EventStepStarted, Step: 0, Steps: 1, Description: "Install docker"}
	events <- brokerclient.Event{Kind: brokerclient.EventOutput, Data: []byte("installing\n")}
	events <- brokerclient.Event{Kind: brokerclient.EventStepFinished, Status: ipc.StatusFailed, ExitCode: 1}
	failure := &brokerclient.StepError{Step: 0, Status: ipc.StatusFailed, ExitCode: 1}
	events <- brokerclient.Event{Kind: brokerclient.EventDone, Steps: 1, Err: failure}

	var buffer bytes.Buffer
	err := followEvents(events, func() {}, nil, &buffer, jobview.NewStyles(&buffer, jobview.DefaultTheme))
	if err != failure {
		t.Errorf("followEvents = %v, want the step error", err)
	}
	for _, want := range []string{"[1/1] Install docker", "installing", "failed"} {
		if !strings.Contains(buffer.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buffer.String())
		}
	}
}

func TestFollowEventsCancelsOnSignal(t *testing.T) {
	events := make(chan brokerclient.Event)
	signals := make(chan os.Signal, 1)
	cancelled := make(chan struct{})
	result := make(chan error, 1)
	var buffer bytes.Buffer
	styles := jobview.NewStyles(&buffer, jobview.DefaultTheme)
	go func() {
		result <- followEvents(events, func() { close(cancelled) }, signals, &buffer, styles)
	}()

	signals <- syscall.SIGINT
	testutil.RequireClosed(t, cancelled, 5*time.Second, "cancel after signal")
	events <- brokerclient.Event{Kind: brokerclient.EventDone, Err: &brokerclient.StepError{Status: ipc.StatusCancelled}}
	err := testutil.RequireReceive(t, result, 5*time.Second, "followEvents result")
	var stepErr *brokerclient.StepError
	if !errors.As(err, &stepErr) || stepErr.Status != ipc.StatusCancelled {
		t.Errorf("followEvents = %v, want cancelled step", err)
	}
}
