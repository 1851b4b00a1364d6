// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xerolinux/elevate/lib/inspect"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/process"
)

// Environment variables handed to unprivileged steps so that nested
// "elevate exec" calls reach the same broker and session.
const (
	SessionEnvironmentVariable = "ELEVATE_SESSION"
	SocketEnvironmentVariable  = "ELEVATE_SOCKET"
)

// ErrRunning is returned by Start while a previous run is in progress.
var ErrRunning = errors.New("executor is already running steps")

// StepError reports the step that ended a run unsuccessfully.
type StepError struct {
	Step        int
	Description string
	Status      ipc.JobStatus
	ExitCode    int
	Message     string
}

func (e *StepError) Error() string {
	switch e.Status {
	case ipc.StatusCancelled:
		return fmt.Sprintf("step %d (%s) was cancelled", e.Step+1, e.Description)
	case ipc.StatusSpawnFailed:
		return fmt.Sprintf("step %d (%s) could not start: %s", e.Step+1, e.Description, e.Message)
	default:
		return fmt.Sprintf("step %d (%s) failed with exit code %d", e.Step+1, e.Description, e.ExitCode)
	}
}

// Is lets errors.Is(err, ipc.ErrSpawnFailure) match spawn failures.
func (e *StepError) Is(target error) bool {
	return e.Status == ipc.StatusSpawnFailed && target == ipc.ErrSpawnFailure
}

// EventKind discriminates executor events.
type EventKind string

const (
	EventStepStarted  EventKind = "step_started"
	EventOutput       EventKind = "output"
	EventStepFinished EventKind = "step_finished"

	// EventDone is the last event of a run. Err is nil when every
	// step succeeded.
	EventDone EventKind = "done"
)

// Event is one progress report.
type Event struct {
	Kind        EventKind
	Step        int
	Steps       int
	Description string

	// Job is the broker job id of a privileged step.
	Job string

	Stream string
	Data   []byte

	Status   ipc.JobStatus
	ExitCode int
	Err      error
}

// Executor runs steps in order and reports progress on Events. All
// work happens on its own goroutine.
type Executor struct {
	client *Client
	runner *process.Runner
	logger *slog.Logger

	// Interactive allows the authorization agent to prompt when a
	// session is needed.
	Interactive bool

	events chan Event

	mu         sync.Mutex
	running    bool
	cancelled  bool
	cancelStep func()
	session    string
	attachment *Attachment
	delivered  map[string]bool
}

// NewExecutor creates an Executor. runner runs unprivileged steps.
func NewExecutor(client *Client, runner *process.Runner, logger *slog.Logger) *Executor {
	return &Executor{
		client:      client,
		runner:      runner,
		logger:      logger,
		Interactive: true,
		events:      make(chan Event, 256),
		delivered:   make(map[string]bool),
	}
}

// Events delivers progress. It is never closed; each run ends with an
// EventDone.
func (e *Executor) Events() <-chan Event { return e.events }

// Start begins running steps and returns at once.
func (e *Executor) Start(ctx context.Context, steps []inspect.Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	e.running = true
	e.cancelled = false
	go e.run(ctx, steps)
	return nil
}

// Cancel stops the current step and skips the rest. The run still
// ends with EventDone once the step has terminated.
func (e *Executor) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	cancelStep := e.cancelStep
	e.mu.Unlock()
	if cancelStep != nil {
		cancelStep()
	}
}

// Close ends the executor's session, if any.
func (e *Executor) Close() error {
	e.mu.Lock()
	attachment := e.attachment
	e.attachment = nil
	e.session = ""
	e.mu.Unlock()
	if attachment != nil {
		return attachment.Close()
	}
	return nil
}

func (e *Executor) emit(event Event) {
	e.events <- event
}

func (e *Executor) run(ctx context.Context, steps []inspect.Step) {
	err := e.runSteps(ctx, steps)
	e.mu.Lock()
	e.running = false
	e.cancelStep = nil
	e.mu.Unlock()
	e.emit(Event{Kind: EventDone, Steps: len(steps), Err: err})
}

func (e *Executor) runSteps(ctx context.Context, steps []inspect.Step) error {
	for index, step := range steps {
		e.mu.Lock()
		cancelled := e.cancelled
		e.mu.Unlock()
		if cancelled {
			return &StepError{Step: index, Description: step.Description, Status: ipc.StatusCancelled}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		e.emit(Event{Kind: EventStepStarted, Step: index, Steps: len(steps), Description: step.Description})

		var (
			job    string
			status process.ExitStatus
			result ipc.JobStatus
			spawn  string
			err    error
		)
		if step.Privileged {
			var terminal ipc.Frame
			job, terminal, err = e.runPrivileged(ctx, index, step)
			result, status.Code, status.Signal, spawn = terminal.Status, terminal.ExitCode, terminal.Signal, terminal.Message
		} else {
			status, result, spawn, err = e.runLocal(ctx, index, step)
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", index+1, step.Description, err)
		}
		// A job's terminal status is reported once even if the stream
		// was resumed.
		if job == "" || !e.delivered[job] {
			if job != "" {
				e.delivered[job] = true
			}
			e.emit(Event{
				Kind: EventStepFinished, Step: index, Steps: len(steps), Description: step.Description,
				Job: job, Status: result, ExitCode: status.Code,
			})
		}
		if result != ipc.StatusSucceeded {
			return &StepError{Step: index, Description: step.Description, Status: result, ExitCode: status.Code, Message: spawn}
		}
	}
	return nil
}

// ensureSession authenticates once per executor and keeps the session
// attached until Close.
func (e *Executor) ensureSession(ctx context.Context) (string, error) {
	e.mu.Lock()
	session, attachment := e.session, e.attachment
	e.mu.Unlock()
	if session != "" && attachment != nil {
		select {
		case <-attachment.Done():
			e.logger.Info("session ended, authenticating again", "session", session, "reason", attachment.Err())
		default:
			return session, nil
		}
	}

	granted, err := e.client.Authenticate(ctx, e.Interactive)
	if err != nil {
		return "", fmt.Errorf("authenticating: %w", err)
	}
	attachment, err = e.client.Attach(ctx, granted.Session)
	if err != nil {
		return "", fmt.Errorf("attaching session: %w", err)
	}
	e.mu.Lock()
	e.session, e.attachment = granted.Session, attachment
	e.mu.Unlock()
	return granted.Session, nil
}

func (e *Executor) runPrivileged(ctx context.Context, index int, step inspect.Step) (string, ipc.Frame, error) {
	session, err := e.ensureSession(ctx)
	if err != nil {
		return "", ipc.Frame{}, err
	}
	job, err := e.client.Submit(ctx, session, Command{Argv: step.Argv})
	if errors.Is(err, ipc.ErrSessionInvalid) {
		e.Close()
		if session, err = e.ensureSession(ctx); err != nil {
			return "", ipc.Frame{}, err
		}
		job, err = e.client.Submit(ctx, session, Command{Argv: step.Argv})
	}
	if err != nil {
		return "", ipc.Frame{}, fmt.Errorf("submitting: %w", err)
	}

	e.mu.Lock()
	e.cancelStep = func() {
		if err := e.client.Cancel(context.WithoutCancel(ctx), job); err != nil {
			e.logger.Warn("cancelling job", "job", job, "error", err)
		}
	}
	cancelled := e.cancelled
	e.mu.Unlock()
	if cancelled {
		e.cancelStep()
	}

	terminal, err := e.client.Follow(ctx, job, -1, func(frame ipc.Frame) {
		e.emit(Event{Kind: EventOutput, Step: index, Job: job, Stream: frame.Stream, Data: frame.Data})
	})
	if err != nil {
		return job, ipc.Frame{}, err
	}
	if err := e.client.Ack(context.WithoutCancel(ctx), job); err != nil {
		e.logger.Debug("acknowledging job", "job", job, "error", err)
	}
	return job, terminal, nil
}

func (e *Executor) runLocal(ctx context.Context, index int, step inspect.Step) (process.ExitStatus, ipc.JobStatus, string, error) {
	env := map[string]string{SocketEnvironmentVariable: e.client.SocketPath()}
	if step.Delegates {
		session, err := e.ensureSession(ctx)
		if err != nil {
			return process.ExitStatus{}, "", "", err
		}
		env[SessionEnvironmentVariable] = session
	}

	started, err := e.runner.Start(ctx, process.Spec{Argv: step.Argv, Env: env}, func(chunk process.Chunk) {
		e.emit(Event{Kind: EventOutput, Step: index, Stream: string(chunk.Stream), Data: chunk.Data})
	})
	if err != nil {
		return process.ExitStatus{}, ipc.StatusSpawnFailed, err.Error(), nil
	}

	e.mu.Lock()
	e.cancelStep = started.Cancel
	cancelled := e.cancelled
	e.mu.Unlock()
	if cancelled {
		started.Cancel()
	}

	status := started.Wait()
	switch {
	case status.Cancelled:
		return status, ipc.StatusCancelled, "", nil
	case status.Success():
		return status, ipc.StatusSucceeded, "", nil
	default:
		return status, ipc.StatusFailed, "", nil
	}
}
