// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/xerolinux/elevate/lib/clock"
)

// MaxChunkSize is the largest read handed to a Sink in one Chunk.
const MaxChunkSize = 32 * 1024

// DefaultCancelGrace is how long a cancelled group gets between
// SIGTERM and SIGKILL when the Runner does not set one.
const DefaultCancelGrace = 5 * time.Second

// DefaultOutputDrain is how long output keeps being collected after
// the leader exited while descendants still hold its stdout, stderr,
// or terminal.
const DefaultOutputDrain = 2 * time.Second

// groupExitTimeout bounds the wait for stragglers after the group has
// been sent SIGKILL.
const groupExitTimeout = 2 * time.Second

// Stream names the source of a Chunk.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamPTY is the merged output of a terminal-mode process.
	StreamPTY Stream = "pty"
)

// Chunk is one read of process output.
type Chunk struct {
	Seq    uint64
	Stream Stream
	Data   []byte
}

// Sink receives chunks in sequence order. It is called from the
// runner's reader goroutines and must not block for long: a slow sink
// stalls the process once its pipe buffer fills.
type Sink func(Chunk)

// Spec describes one command to run.
type Spec struct {
	// Argv is the program and its arguments. Argv[0] is resolved
	// through PATH when it contains no slash.
	Argv []string

	// Dir is the working directory. Empty means the runner's own.
	Dir string

	// Env holds overrides applied on top of the runner's base
	// environment.
	Env map[string]string

	// Terminal runs the command with a pseudo-terminal as its
	// controlling terminal instead of pipes. Tools like pacman and
	// makepkg only draw progress bars on a tty.
	Terminal bool
}

// ExitStatus is the outcome of a process that started.
type ExitStatus struct {
	// Code is the exit code, or 128+signal when the process was
	// killed by a signal.
	Code int

	// Signal is the terminating signal number, zero on normal exit.
	Signal int

	// Cancelled is set when Cancel was called before the process
	// exited. It overrides Code for the purpose of success.
	Cancelled bool
}

// Success reports whether the process exited 0 without being cancelled.
func (s ExitStatus) Success() bool {
	return !s.Cancelled && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Cancelled:
		return "cancelled"
	case s.Signal != 0:
		return fmt.Sprintf("killed by signal %d", s.Signal)
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}

// ErrEmptyArgv is wrapped by the SpawnError for a Spec without a
// program.
var ErrEmptyArgv = errors.New("empty argv")

// SpawnError reports that a command could not be started: missing
// binary, bad working directory, exec permission denied.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Runner starts processes. The zero value is usable: real clock,
// DefaultCancelGrace, the daemon's environment as base, slog.Default.
type Runner struct {
	// CancelGrace is the delay between SIGTERM and SIGKILL.
	CancelGrace time.Duration

	// Clock schedules the SIGKILL escalation.
	Clock clock.Clock

	// BaseEnv is the environment Spec.Env is applied to. Nil means
	// os.Environ().
	BaseEnv []string

	// OutputDrain bounds the wait for the output readers once the
	// leader has exited. A background child that keeps the output open
	// (a daemon started by the command) is detached from the job when
	// it runs out.
	OutputDrain time.Duration

	Logger *slog.Logger
}

// Process is a started command.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	clock clock.Clock
	grace time.Duration
	drain time.Duration

	// outputs are the read ends of the process output, closed when the
	// drain window runs out. readersDone is closed when every reader
	// has hit EOF.
	outputs     []*os.File
	readersDone chan struct{}

	// sequence, sink, and sealed are guarded by emitMu so that chunks
	// from concurrent readers get a total order and none reach the
	// sink after Wait returned.
	emitMu   sync.Mutex
	sequence uint64
	sink     Sink
	sealed   bool

	cancelMu  sync.Mutex
	cancelled bool
	killTimer *clock.Timer

	done   chan struct{}
	status ExitStatus
}

// Start spawns spec.Argv and begins streaming its output to sink.
// Cancelling ctx cancels the process as if Cancel had been called.
// The only error returned is a *SpawnError.
func (r *Runner) Start(ctx context.Context, spec Spec, sink Sink) (*Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, &SpawnError{Err: ErrEmptyArgv}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = MergeEnv(base, spec.Env)

	process := &Process{
		cmd:    cmd,
		logger: r.logger(),
		clock:  r.clock(),
		grace:  r.grace(),
		drain:  r.drain(),
		sink:   sink,
		done:   make(chan struct{}),

		readersDone: make(chan struct{}),
	}

	// The child gets *os.File descriptors, never exec's copying
	// goroutines, so cmd.Wait returns when the leader exits no matter
	// who else still holds the output open.
	var streams []Stream
	if spec.Terminal {
		// pty.Start puts the child in a new session with the slave as
		// its controlling terminal, so the child is also the leader of
		// its own process group. The slave is closed on our side.
		terminal, err := pty.Start(cmd)
		if err != nil {
			return nil, &SpawnError{Program: spec.Argv[0], Err: err}
		}
		process.outputs = []*os.File{terminal}
		streams = []Stream{StreamPTY}
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stdoutRead, stdoutWrite, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Program: spec.Argv[0], Err: err}
		}
		stderrRead, stderrWrite, err := os.Pipe()
		if err != nil {
			stdoutRead.Close()
			stdoutWrite.Close()
			return nil, &SpawnError{Program: spec.Argv[0], Err: err}
		}
		cmd.Stdout = stdoutWrite
		cmd.Stderr = stderrWrite
		err = cmd.Start()
		stdoutWrite.Close()
		stderrWrite.Close()
		if err != nil {
			stdoutRead.Close()
			stderrRead.Close()
			return nil, &SpawnError{Program: spec.Argv[0], Err: err}
		}
		process.outputs = []*os.File{stdoutRead, stderrRead}
		streams = []Stream{StreamStdout, StreamStderr}
	}
	process.pid = cmd.Process.Pid

	var readers sync.WaitGroup
	for index, output := range process.outputs {
		readers.Add(1)
		go func() {
			defer readers.Done()
			process.pump(output, streams[index])
		}()
	}
	go func() {
		readers.Wait()
		for _, output := range process.outputs {
			_ = output.Close()
		}
		close(process.readersDone)
	}()

	go process.wait()
	go func() {
		select {
		case <-ctx.Done():
			process.Cancel()
		case <-process.done:
		}
	}()

	return process, nil
}

// Pid returns the process ID, which is also the process group ID.
func (p *Process) Pid() int { return p.pid }

// Done is closed once Wait would return.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process has exited and its output has been
// delivered to the sink. Output written by descendants after the
// drain window is dropped.
func (p *Process) Wait() ExitStatus {
	<-p.done
	return p.status
}

// Cancel terminates the process group: SIGTERM now, SIGKILL after the
// grace period if the leader has not exited. Cancel returns without
// waiting; the result is observed through Wait. Calling it again, or
// after exit, has no effect.
func (p *Process) Cancel() {
	select {
	case <-p.done:
		return
	default:
	}

	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if p.cancelled {
		return
	}
	p.cancelled = true

	p.logger.Info("cancelling process group", "pid", p.pid, "grace", p.grace)
	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil {
		_ = unix.Kill(-p.pid, unix.SIGKILL)
		return
	}
	p.killTimer = p.clock.AfterFunc(p.grace, func() {
		select {
		case <-p.done:
		default:
			p.logger.Warn("process group ignored SIGTERM, sending SIGKILL", "pid", p.pid)
			_ = unix.Kill(-p.pid, unix.SIGKILL)
		}
	})
}

// pump copies reader to the sink until EOF. Terminal masters report
// EIO once the last slave holder exits; that is treated as EOF.
func (p *Process) pump(reader io.Reader, stream Stream) {
	buffer := make([]byte, MaxChunkSize)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			p.emit(stream, data)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("output read ended", "pid", p.pid, "stream", stream, "error", err)
			}
			return
		}
	}
}

func (p *Process) emit(stream Stream, data []byte) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.sealed {
		return
	}
	chunk := Chunk{Seq: p.sequence, Stream: stream, Data: data}
	p.sequence++
	if p.sink != nil {
		p.sink(chunk)
	}
}

func (p *Process) wait() {
	waitErr := p.cmd.Wait()

	var status ExitStatus
	if state := p.cmd.ProcessState; state != nil {
		if waitStatus, ok := state.Sys().(syscall.WaitStatus); ok && waitStatus.Signaled() {
			status.Signal = int(waitStatus.Signal())
			status.Code = 128 + status.Signal
		} else {
			status.Code = state.ExitCode()
		}
	} else if waitErr != nil {
		status.Code = -1
		p.logger.Error("waiting for process", "pid", p.pid, "error", waitErr)
	}

	p.cancelMu.Lock()
	status.Cancelled = p.cancelled
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.cancelMu.Unlock()

	if status.Cancelled {
		p.reapGroup()
	}
	p.drainOutput()

	p.status = status
	close(p.done)
}

// drainOutput waits up to the drain window for the readers to reach
// EOF. Past it, the read ends are closed and the sink is sealed: the
// job is over even though a descendant still writes.
func (p *Process) drainOutput() {
	select {
	case <-p.readersDone:
		return
	default:
	}
	select {
	case <-p.readersDone:
		return
	case <-p.clock.After(p.drain):
	}

	p.logger.Warn("output still held open after the leader exited, detaching", "pid", p.pid, "drain", p.drain)
	for _, output := range p.outputs {
		_ = output.Close()
	}
	p.emitMu.Lock()
	p.sealed = true
	p.emitMu.Unlock()
}

// reapGroup kills anything left in the process group after the leader
// exited and waits until the group is empty.
func (p *Process) reapGroup() {
	_ = unix.Kill(-p.pid, unix.SIGKILL)
	deadline := p.clock.After(groupExitTimeout)
	poll := p.clock.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		if err := unix.Kill(-p.pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		select {
		case <-deadline:
			p.logger.Warn("process group members survived SIGKILL", "pid", p.pid)
			return
		case <-poll.C:
		}
	}
}

func (r *Runner) clock() clock.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clock.Real()
}

func (r *Runner) grace() time.Duration {
	if r.CancelGrace > 0 {
		return r.CancelGrace
	}
	return DefaultCancelGrace
}

func (r *Runner) drain() time.Duration {
	if r.OutputDrain > 0 {
		return r.OutputDrain
	}
	return DefaultOutputDrain
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// MergeEnv applies overrides to base, a list of KEY=VALUE entries.
// Overridden keys keep their position; new keys are appended in
// sorted order so the result does not depend on map iteration.
func MergeEnv(base []string, overrides map[string]string) []string {
	result := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]bool, len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if value, ok := overrides[key]; ok {
			if !applied[key] {
				result = append(result, key+"="+value)
				applied[key] = true
			}
			continue
		}
		result = append(result, entry)
	}

	remaining := make([]string, 0, len(overrides))
	for key := range overrides {
		if !applied[key] {
			remaining = append(remaining, key)
		}
	}
	sort.Strings(remaining)
	for _, key := range remaining {
		result = append(result, key+"="+overrides[key])
	}
	return result
}
