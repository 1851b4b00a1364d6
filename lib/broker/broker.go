// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/joblog"
	"github.com/xerolinux/elevate/lib/process"
	"github.com/xerolinux/elevate/lib/session"
	"github.com/xerolinux/elevate/lib/watchdog"
)

// Broker errors. All carry wire codes.
var (
	ErrBusy           = ipc.ErrBusy
	ErrNotFound       = ipc.ErrNotFound
	ErrForbidden      = ipc.ErrForbidden
	ErrShuttingDown   = ipc.ErrShuttingDown
	ErrInvalidRequest = ipc.ErrInvalidRequest
)

// Validator checks that a caller may use a session.
// *session.Manager satisfies it.
type Validator interface {
	Validate(ctx context.Context, id string, caller session.Identity) (session.Session, error)
}

// Starter starts processes. *process.Runner satisfies it.
type Starter interface {
	Start(ctx context.Context, spec process.Spec, sink process.Sink) (*process.Process, error)
}

// Ledger records running process groups. *watchdog.Ledger satisfies
// it.
type Ledger interface {
	Record(entry watchdog.Entry) error
	Remove(job string) error
}

// StartTimes reads process start times. process.Procfs satisfies it.
type StartTimes interface {
	StartTime(pid int) (uint64, error)
}

// Request is one command to run.
type Request struct {
	Argv     []string
	Dir      string
	Env      map[string]string
	Terminal bool
}

// DefaultLogCapacity is the per-job output retention used by the
// daemon.
const DefaultLogCapacity = 4 << 20

// Config holds broker tunables.
type Config struct {
	// Retention is how long a finished job waits for its ack.
	Retention time.Duration

	// LogCapacity bounds retained output per job in bytes.
	LogCapacity int
}

// Broker runs jobs. Construct with New.
type Broker struct {
	config     Config
	sessions   Validator
	runner     Starter
	ledger     Ledger
	startTimes StartTimes
	clock      clock.Clock
	logger     *slog.Logger

	// jobsCtx is passed to every Start; cancelling it cancels all
	// running processes.
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	running    sync.WaitGroup

	mu           sync.Mutex
	jobs         map[string]*job
	active       map[string]string
	nextID       uint64
	shuttingDown bool
}

type job struct {
	id      string
	session string
	uid     uint32
	request Request
	log     *joblog.Log

	// Guarded by Broker.mu.
	status          ipc.JobStatus
	exit            process.ExitStatus
	spawnError      string
	submitted       time.Time
	started         time.Time
	finished        time.Time
	process         *process.Process
	cancelRequested bool
}

// New creates a broker. ledger may be nil.
func New(config Config, sessions Validator, runner Starter, ledger Ledger, startTimes StartTimes, clk clock.Clock, logger *slog.Logger) *Broker {
	jobsCtx, cancel := context.WithCancel(context.Background())
	return &Broker{
		config:     config,
		sessions:   sessions,
		runner:     runner,
		ledger:     ledger,
		startTimes: startTimes,
		clock:      clk,
		logger:     logger,
		jobsCtx:    jobsCtx,
		cancelJobs: cancel,
		jobs:       make(map[string]*job),
		active:     make(map[string]string),
	}
}

// Submit validates the session and starts request as a new job. It
// returns ErrBusy when the session already has a queued or running
// job.
func (b *Broker) Submit(ctx context.Context, sessionID string, caller session.Identity, request Request) (string, error) {
	if err := validateRequest(request); err != nil {
		return "", err
	}
	if b.isShuttingDown() {
		return "", ErrShuttingDown
	}
	if _, err := b.sessions.Validate(ctx, sessionID, caller); err != nil {
		return "", err
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return "", ErrShuttingDown
	}
	if current, busy := b.active[sessionID]; busy {
		b.mu.Unlock()
		return "", ipc.Errorf(ipc.CodeBusy, "session already has %s in progress", current)
	}
	b.nextID++
	entry := &job{
		id:        "job-" + strconv.FormatUint(b.nextID, 10),
		session:   sessionID,
		uid:       caller.UID,
		request:   request,
		log:       joblog.New(b.config.LogCapacity),
		status:    ipc.StatusQueued,
		submitted: b.clock.Now(),
	}
	b.jobs[entry.id] = entry
	b.active[sessionID] = entry.id
	b.running.Add(1)
	b.mu.Unlock()

	b.logger.Info("job submitted",
		"job", entry.id, "session", sessionID, "uid", caller.UID, "pid", caller.PID,
		"argv", request.Argv, "terminal", request.Terminal)

	go b.run(entry)
	return entry.id, nil
}

func validateRequest(request Request) error {
	if len(request.Argv) == 0 || request.Argv[0] == "" {
		return ipc.Errorf(ipc.CodeInvalidRequest, "argv must name a program")
	}
	if request.Dir != "" && !filepath.IsAbs(request.Dir) {
		return ipc.Errorf(ipc.CodeInvalidRequest, "working directory %q must be absolute", request.Dir)
	}
	for key := range request.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return ipc.Errorf(ipc.CodeInvalidRequest, "invalid environment variable name %q", key)
		}
	}
	return nil
}

func (b *Broker) run(entry *job) {
	defer b.running.Done()

	b.mu.Lock()
	if entry.cancelRequested || b.jobsCtx.Err() != nil {
		b.finishLocked(entry, process.ExitStatus{Cancelled: true}, "")
		b.mu.Unlock()
		entry.log.Close()
		return
	}
	entry.status = ipc.StatusRunning
	entry.started = b.clock.Now()
	b.mu.Unlock()

	spec := process.Spec{
		Argv:     entry.request.Argv,
		Dir:      entry.request.Dir,
		Env:      entry.request.Env,
		Terminal: entry.request.Terminal,
	}
	started, err := b.runner.Start(b.jobsCtx, spec, entry.log.Append)
	if err != nil {
		b.logger.Warn("job failed to start", "job", entry.id, "error", err)
		b.mu.Lock()
		b.finishLocked(entry, process.ExitStatus{Code: -1}, err.Error())
		b.mu.Unlock()
		entry.log.Close()
		return
	}

	b.mu.Lock()
	entry.process = started
	cancelNow := entry.cancelRequested
	b.mu.Unlock()
	if cancelNow {
		started.Cancel()
	}

	b.recordSpawn(entry, started.Pid())
	status := started.Wait()
	if b.ledger != nil {
		if err := b.ledger.Remove(entry.id); err != nil {
			b.logger.Error("removing job from spawn ledger", "job", entry.id, "error", err)
		}
	}

	b.mu.Lock()
	b.finishLocked(entry, status, "")
	b.mu.Unlock()
	entry.log.Close()
}

func (b *Broker) recordSpawn(entry *job, pid int) {
	if b.ledger == nil {
		return
	}
	startTime, err := b.startTimes.StartTime(pid)
	if err != nil {
		// The process may already have exited.
		b.logger.Debug("reading start time of job process", "job", entry.id, "pid", pid, "error", err)
		return
	}
	if err := b.ledger.Record(watchdog.Entry{
		Job:         entry.id,
		PID:         pid,
		StartTime:   startTime,
		Fingerprint: watchdog.Fingerprint(entry.request.Argv),
		Recorded:    b.clock.Now(),
	}); err != nil {
		b.logger.Error("recording job in spawn ledger", "job", entry.id, "error", err)
	}
}

// finishLocked moves entry to its terminal status and releases the
// session's slot.
func (b *Broker) finishLocked(entry *job, status process.ExitStatus, spawnError string) {
	entry.exit = status
	entry.finished = b.clock.Now()
	switch {
	case spawnError != "":
		entry.status = ipc.StatusSpawnFailed
		entry.spawnError = spawnError
	case status.Cancelled:
		entry.status = ipc.StatusCancelled
	case status.Success():
		entry.status = ipc.StatusSucceeded
	default:
		entry.status = ipc.StatusFailed
	}
	if b.active[entry.session] == entry.id {
		delete(b.active, entry.session)
	}
	b.logger.Info("job finished", "job", entry.id, "status", entry.status, "exit_code", status.Code)

	id := entry.id
	b.clock.AfterFunc(b.config.Retention, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.jobs[id]; ok && current == entry {
			delete(b.jobs, id)
			b.logger.Debug("unacknowledged job expired", "job", id)
		}
	})
}

// lookup returns the job if caller may see it. Root sees every job.
func (b *Broker) lookupLocked(jobID string, caller session.Identity) (*job, error) {
	entry, ok := b.jobs[jobID]
	if !ok {
		return nil, ipc.Errorf(ipc.CodeNotFound, "no job %q", jobID)
	}
	if caller.UID != 0 && caller.UID != entry.uid {
		return nil, ipc.Errorf(ipc.CodeForbidden, "job %s belongs to another user", jobID)
	}
	return entry, nil
}

// Cancel requests cancellation and returns without waiting. The
// cancelled terminal status reaches subscribers once the process group
// has exited. Cancelling a finished job does nothing.
func (b *Broker) Cancel(jobID string, caller session.Identity) error {
	b.mu.Lock()
	entry, err := b.lookupLocked(jobID, caller)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if entry.status.Terminal() || entry.cancelRequested {
		b.mu.Unlock()
		return nil
	}
	entry.cancelRequested = true
	running := entry.process
	b.mu.Unlock()

	b.logger.Info("job cancel requested", "job", jobID, "uid", caller.UID)
	if running != nil {
		running.Cancel()
	}
	return nil
}

// Status returns a snapshot of the job.
func (b *Broker) Status(jobID string, caller session.Identity) (ipc.JobSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookupLocked(jobID, caller)
	if err != nil {
		return ipc.JobSnapshot{}, err
	}
	return b.snapshotLocked(entry), nil
}

// Ack removes a finished job. Acknowledging a job that is still
// active is an invalid request.
func (b *Broker) Ack(jobID string, caller session.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookupLocked(jobID, caller)
	if err != nil {
		return err
	}
	if !entry.status.Terminal() {
		return ipc.Errorf(ipc.CodeInvalidRequest, "job %s is still %s", jobID, entry.status)
	}
	delete(b.jobs, jobID)
	return nil
}

// List returns the jobs visible to caller, oldest first.
func (b *Broker) List(caller session.Identity) []ipc.JobSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var snapshots []ipc.JobSnapshot
	for _, entry := range b.jobs {
		if caller.UID == 0 || caller.UID == entry.uid {
			snapshots = append(snapshots, b.snapshotLocked(entry))
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return jobNumber(snapshots[i].ID) < jobNumber(snapshots[j].ID)
	})
	return snapshots
}

func jobNumber(id string) uint64 {
	number, _ := strconv.ParseUint(strings.TrimPrefix(id, "job-"), 10, 64)
	return number
}

func (b *Broker) snapshotLocked(entry *job) ipc.JobSnapshot {
	return ipc.JobSnapshot{
		ID:        entry.id,
		Session:   entry.session,
		UID:       entry.uid,
		Argv:      entry.request.Argv,
		Dir:       entry.request.Dir,
		Terminal:  entry.request.Terminal,
		Status:    entry.status,
		ExitCode:  entry.exit.Code,
		Signal:    entry.exit.Signal,
		Error:     entry.spawnError,
		Submitted: entry.submitted,
		Started:   entry.started,
		Finished:  entry.finished,
		LastSeq:   entry.log.LastSeq(),
	}
}

// Subscribe opens a reader of job output after afterSeq (-1 for all).
func (b *Broker) Subscribe(jobID string, caller session.Identity, afterSeq int64) (*Subscription, error) {
	if afterSeq < -1 {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "after_seq must be >= -1, got %d", afterSeq)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookupLocked(jobID, caller)
	if err != nil {
		return nil, err
	}
	return &Subscription{broker: b, job: entry, cursor: entry.log.Cursor(afterSeq)}, nil
}

// Subscription yields the frames of one job: chunks in sequence order,
// then exactly one terminal frame, then io.EOF.
type Subscription struct {
	broker *Broker
	job    *job
	cursor *joblog.Cursor
	ended  bool
	missed uint64
}

// Next blocks for the next frame.
func (s *Subscription) Next(ctx context.Context) (ipc.Frame, error) {
	if s.ended {
		return ipc.Frame{}, io.EOF
	}
	chunk, err := s.cursor.Next(ctx)
	if err == nil {
		if missed := s.cursor.Missed(); missed != s.missed {
			s.broker.logger.Warn("subscriber fell behind retained output",
				"job", s.job.id, "missed_chunks", missed-s.missed)
			s.missed = missed
		}
		return ipc.Frame{
			Type:   ipc.FrameChunk,
			Job:    s.job.id,
			Seq:    chunk.Seq,
			Stream: string(chunk.Stream),
			Data:   chunk.Data,
		}, nil
	}
	if !errors.Is(err, io.EOF) {
		return ipc.Frame{}, err
	}

	s.ended = true
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return ipc.Frame{
		Type:     ipc.FrameTerminal,
		Job:      s.job.id,
		Status:   s.job.status,
		ExitCode: s.job.exit.Code,
		Signal:   s.job.exit.Signal,
		Message:  s.job.spawnError,
	}, nil
}

// Shutdown stops accepting jobs, cancels every running one, and waits
// for them to finish or for ctx to end.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shuttingDown = true
	b.mu.Unlock()

	b.logger.Info("broker shutting down, cancelling jobs")
	b.cancelJobs()

	done := make(chan struct{})
	go func() {
		b.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to exit: %w", ctx.Err())
	}
}

func (b *Broker) isShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}
