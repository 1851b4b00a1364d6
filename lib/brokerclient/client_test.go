// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xerolinux/elevate/lib/broker"
	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/inspect"
	"github.com/xerolinux/elevate/lib/ipc"
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

// serve runs a complete in-process broker and returns its socket.
func serve(t *testing.T) string {
	t.Helper()
	sessions := session.NewManager(session.Config{
		TTL:             time.Hour,
		RecheckInterval: time.Hour,
		AuthTimeout:     5 * time.Second,
		SweepInterval:   time.Minute,
	}, grantAll{}, process.Host, clock.Real(), discard)
	runner := &process.Runner{CancelGrace: 500 * time.Millisecond, Clock: clock.Real(), Logger: discard}
	core := broker.New(broker.Config{Retention: time.Hour, LogCapacity: 1 << 20}, sessions, runner, nil, process.Host, clock.Real(), discard)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	})

	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")
	server := service.NewSocketServer(socketPath, discard)
	(&broker.API{
		Broker:            core,
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

func newClient(socketPath string) *Client {
	return New(socketPath, Options{StallTimeout: 5 * time.Second, Logger: discard})
}

func TestRefusalsMatchSentinels(t *testing.T) {
	client := newClient(serve(t))
	_, err := client.Submit(context.Background(), "no-such-session", Command{Argv: []string{"true"}})
	if !errors.Is(err, ipc.ErrSessionInvalid) {
		t.Errorf("Submit with unknown session: %v, want ErrSessionInvalid", err)
	}
	if _, err := client.Status(context.Background(), "job-404"); !errors.Is(err, ipc.ErrNotFound) {
		t.Errorf("Status of unknown job: %v, want ErrNotFound", err)
	}
}

func TestUnreachableBrokerIsTransportError(t *testing.T) {
	client := newClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Ping(context.Background()); !errors.Is(err, ErrTransport) {
		t.Errorf("Ping: %v, want ErrTransport", err)
	}
}

func TestFollowCollectsOutputAndTerminal(t *testing.T) {
	client := newClient(serve(t))
	ctx := context.Background()
	granted, err := client.Authenticate(ctx, false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	job, err := client.Submit(ctx, granted.Session, Command{Argv: []string{"sh", "-c", "echo out; echo err >&2; exit 4"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var output strings.Builder
	terminal, err := client.Follow(ctx, job, -1, func(frame ipc.Frame) { output.Write(frame.Data) })
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if terminal.Status != ipc.StatusFailed || terminal.ExitCode != 4 {
		t.Errorf("terminal = %+v, want failed exit 4", terminal)
	}
	if got := output.String(); !strings.Contains(got, "out\n") || !strings.Contains(got, "err\n") {
		t.Errorf("output = %q", got)
	}

	// Following again from the last chunk yields only the terminal.
	snapshot, err := client.Status(ctx, job)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	calls := 0
	if _, err := client.Follow(ctx, job, snapshot.LastSeq, func(ipc.Frame) { calls++ }); err != nil {
		t.Fatalf("second Follow: %v", err)
	}
	if calls != 0 {
		t.Errorf("resumed Follow repeated %d chunks", calls)
	}
}

func TestSilentStreamStalls(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "silent.sock")
	server := service.NewSocketServer(socketPath, discard)
	var subscribes atomic.Int32
	server.HandleStream(ipc.ActionSubscribe, func(ctx context.Context, raw []byte) (service.StreamBody, error) {
		subscribes.Add(1)
		return func(ctx context.Context, stream *service.StreamWriter) error {
			<-ctx.Done()
			return nil
		}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	client := New(socketPath, Options{StallTimeout: 100 * time.Millisecond, Logger: discard})
	subscription, err := client.Subscribe(context.Background(), "job-1", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer subscription.Close()
	if _, err := subscription.Next(); !errors.Is(err, ErrStalled) {
		t.Errorf("Next on silent stream: %v, want ErrStalled", err)
	}

	// A stall is reported to the caller rather than resubscribed.
	before := subscribes.Load()
	if _, err := client.Follow(context.Background(), "job-1", -1, nil); !errors.Is(err, ErrStalled) {
		t.Errorf("Follow on silent stream: %v, want ErrStalled", err)
	}
	if got := subscribes.Load() - before; got != 1 {
		t.Errorf("Follow subscribed %d times, want 1", got)
	}
}

// collectRun reads events until EventDone.
func collectRun(t *testing.T, executor *Executor) []Event {
	t.Helper()
	var events []Event
	for {
		event := testutil.RequireReceive(t, executor.Events(), 20*time.Second, "executor event")
		events = append(events, event)
		if event.Kind == EventDone {
			return events
		}
	}
}

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	client := newClient(serve(t))
	executor := NewExecutor(client, &process.Runner{Clock: clock.Real(), Logger: discard}, discard)
	executor.Interactive = false
	t.Cleanup(func() { executor.Close() })
	return executor
}

func TestExecutorRunsPrivilegedAndLocalSteps(t *testing.T) {
	executor := newExecutor(t)
	steps := []inspect.Step{
		{Description: "privileged", Argv: []string{"sh", "-c", "sleep 0.2; echo from broker"}, Privileged: true},
		{Description: "local", Argv: []string{"sh", "-c", "printf %s \"$" + SessionEnvironmentVariable + "\""}, Delegates: true},
	}
	if err := executor.Start(context.Background(), steps); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := executor.Start(context.Background(), steps); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start: %v, want ErrRunning", err)
	}

	output := map[int]string{}
	var finished []Event
	events := collectRun(t, executor)
	for _, event := range events {
		switch event.Kind {
		case EventOutput:
			output[event.Step] += string(event.Data)
		case EventStepFinished:
			finished = append(finished, event)
		}
	}
	if done := events[len(events)-1]; done.Err != nil {
		t.Fatalf("run failed: %v", done.Err)
	}
	if len(finished) != 2 || finished[0].Job == "" || finished[1].Job != "" {
		t.Errorf("finished events = %+v", finished)
	}
	if output[0] != "from broker\n" {
		t.Errorf("privileged output = %q", output[0])
	}
	executor.mu.Lock()
	session := executor.session
	executor.mu.Unlock()
	if session == "" || output[1] != session {
		t.Errorf("local step saw session %q, executor has %q", output[1], session)
	}
}

func TestExecutorStopsAtFirstFailure(t *testing.T) {
	executor := newExecutor(t)
	steps := []inspect.Step{
		{Description: "fails", Argv: []string{"sh", "-c", "exit 3"}, Privileged: true},
		{Description: "never", Argv: []string{"true"}, Privileged: true},
	}
	if err := executor.Start(context.Background(), steps); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectRun(t, executor)
	for _, event := range events {
		if event.Kind == EventStepStarted && event.Step == 1 {
			t.Error("second step started after the first failed")
		}
	}
	var stepErr *StepError
	if done := events[len(events)-1]; !errors.As(done.Err, &stepErr) || stepErr.ExitCode != 3 || stepErr.Step != 0 {
		t.Errorf("done error = %v, want step 0 exit 3", done.Err)
	}
}

func TestExecutorSpawnFailure(t *testing.T) {
	executor := newExecutor(t)
	steps := []inspect.Step{{Description: "missing", Argv: []string{"/nonexistent/tool"}, Privileged: true}}
	if err := executor.Start(context.Background(), steps); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectRun(t, executor)
	if done := events[len(events)-1]; !errors.Is(done.Err, ipc.ErrSpawnFailure) {
		t.Errorf("done error = %v, want spawn failure", done.Err)
	}
}

func TestExecutorCancel(t *testing.T) {
	executor := newExecutor(t)
	steps := []inspect.Step{
		{Description: "long", Argv: []string{"sh", "-c", "echo started; sleep 30"}, Privileged: true},
		{Description: "never", Argv: []string{"true"}, Privileged: true},
	}
	if err := executor.Start(context.Background(), steps); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for {
		event := testutil.RequireReceive(t, executor.Events(), 10*time.Second, "output before cancel")
		if event.Kind == EventOutput {
			break
		}
	}
	executor.Cancel()

	events := collectRun(t, executor)
	var stepErr *StepError
	if done := events[len(events)-1]; !errors.As(done.Err, &stepErr) || stepErr.Status != ipc.StatusCancelled {
		t.Errorf("done error = %v, want cancelled", done.Err)
	}
}

func TestLaunchSkipsRunningBroker(t *testing.T) {
	client := newClient(serve(t))
	err := Launch(context.Background(), client, LaunchOptions{
		Pkexec: "/nonexistent/pkexec",
		Daemon: "/nonexistent/elevated",
		Logger: discard,
	})
	if err != nil {
		t.Errorf("Launch with a running broker: %v", err)
	}
}

func TestLaunchReportsDismissedPrompt(t *testing.T) {
	dir := t.TempDir()
	pkexec := testutil.WriteFile(t, dir, "pkexec", "#!/bin/sh\nexit 126\n")
	if err := os.Chmod(pkexec, 0o755); err != nil {
		t.Fatal(err)
	}
	client := newClient(filepath.Join(dir, "broker.sock"))
	err := Launch(context.Background(), client, LaunchOptions{
		Pkexec:  pkexec,
		Daemon:  "/usr/lib/elevate/elevated",
		UID:     os.Getuid(),
		Timeout: 10 * time.Second,
		Logger:  discard,
	})
	if !errors.Is(err, ErrLaunchCancelled) {
		t.Errorf("Launch: %v, want ErrLaunchCancelled", err)
	}
}
