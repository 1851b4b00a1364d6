// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/ipc"
)

// Errors returned by Manager. They carry broker codes so the socket
// layer reports them without translation.
var (
	ErrAuthDenied     = ipc.ErrAuthDenied
	ErrAuthTimeout    = ipc.ErrAuthTimeout
	ErrSessionInvalid = ipc.ErrSessionInvalid
	ErrForbidden      = ipc.ErrForbidden
)

// Identity is a caller process as seen through peer credentials.
type Identity struct {
	UID       uint32
	GID       uint32
	PID       int
	StartTime uint64
}

func (i Identity) String() string {
	return fmt.Sprintf("uid=%d pid=%d start=%d", i.UID, i.PID, i.StartTime)
}

// Authorizer asks the host whether identity may run privileged
// commands. It returns nil to grant, an error matching ErrAuthDenied
// to refuse, or any other error when the question could not be
// answered. interactive permits prompting the user.
type Authorizer interface {
	Authorize(ctx context.Context, identity Identity, interactive bool) error
}

// ProcessTable answers liveness and ancestry questions.
// process.Procfs satisfies it.
type ProcessTable interface {
	Matches(pid int, startTime uint64) bool
	DescendsFrom(pid, ancestor int) bool
}

// Session is one cached grant. Values returned by Manager are copies.
type Session struct {
	ID        string
	Owner     Identity
	Created   time.Time
	Expires   time.Time
	CheckedAt time.Time
}

// Config holds the Manager's timing and access policy.
type Config struct {
	TTL             time.Duration
	RecheckInterval time.Duration
	AuthTimeout     time.Duration
	SweepInterval   time.Duration

	// AllowUIDs lists the only uids that may authenticate. Empty
	// allows everyone, which only tests should rely on.
	AllowUIDs []uint32
}

// Manager owns all sessions of one broker.
type Manager struct {
	config     Config
	authorizer Authorizer
	processes  ProcessTable
	clock      clock.Clock
	logger     *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	byIdentity map[Identity]*Session
	inflight   map[Identity]*pendingAuth
}

type pendingAuth struct {
	done    chan struct{}
	session Session
	err     error
}

// NewManager creates a Manager. Call Run to start the sweeper.
func NewManager(config Config, authorizer Authorizer, processes ProcessTable, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		config:     config,
		authorizer: authorizer,
		processes:  processes,
		clock:      clk,
		logger:     logger,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[Identity]*Session),
		inflight:   make(map[Identity]*pendingAuth),
	}
}

// Authenticate returns the live session of identity, or obtains a new
// grant from the Authorizer. Concurrent calls for the same identity
// wait for a single authorization. ctx only bounds this caller's wait;
// the authorization itself is bounded by AuthTimeout.
func (m *Manager) Authenticate(ctx context.Context, identity Identity, interactive bool) (Session, error) {
	if !m.uidAllowed(identity.UID) {
		return Session{}, ipc.Errorf(ipc.CodeForbidden, "uid %d may not use this broker", identity.UID)
	}

	m.mu.Lock()
	if existing, ok := m.byIdentity[identity]; ok {
		if m.clock.Now().Before(existing.Expires) {
			session := *existing
			m.mu.Unlock()
			return session, nil
		}
		m.removeLocked(existing, "expired")
	}

	pending, waiting := m.inflight[identity]
	if !waiting {
		pending = &pendingAuth{done: make(chan struct{})}
		m.inflight[identity] = pending
		go m.authorize(identity, interactive, pending)
	}
	m.mu.Unlock()

	select {
	case <-pending.done:
		return pending.session, pending.err
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (m *Manager) authorize(identity Identity, interactive bool, pending *pendingAuth) {
	err := m.check(identity, interactive)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, identity)

	if err != nil {
		m.logger.Warn("authorization failed", "uid", identity.UID, "pid", identity.PID, "error", err)
		pending.err = err
		close(pending.done)
		return
	}

	now := m.clock.Now()
	session := &Session{
		ID:        uuid.NewString(),
		Owner:     identity,
		Created:   now,
		Expires:   now.Add(m.config.TTL),
		CheckedAt: now,
	}
	m.sessions[session.ID] = session
	m.byIdentity[identity] = session
	m.logger.Info("session granted",
		"session", session.ID, "uid", identity.UID, "pid", identity.PID, "expires", session.Expires)

	pending.session = *session
	close(pending.done)
}

// check runs the Authorizer under AuthTimeout.
func (m *Manager) check(identity Identity, interactive bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- m.authorizer.Authorize(ctx, identity, interactive)
	}()

	select {
	case err := <-result:
		if err == nil || errors.Is(err, ErrAuthDenied) || errors.Is(err, ErrAuthTimeout) {
			return err
		}
		return fmt.Errorf("asking the authorization agent: %w", err)
	case <-m.clock.After(m.config.AuthTimeout):
		return ipc.Errorf(ipc.CodeAuthTimeout, "no authorization answer within %v", m.config.AuthTimeout)
	}
}

// Validate confirms that caller may use session id and returns it. The
// caller must be the owner or a descendant of the owner. Expired
// sessions and sessions whose owner exited are removed. A grant older
// than RecheckInterval is re-checked without interaction.
func (m *Manager) Validate(ctx context.Context, id string, caller Identity) (Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ipc.Errorf(ipc.CodeSessionInvalid, "unknown session %q", id)
	}
	owner := session.Owner
	if caller.UID != owner.UID {
		m.mu.Unlock()
		return Session{}, ipc.Errorf(ipc.CodeSessionInvalid, "session %s belongs to another user", id)
	}
	now := m.clock.Now()
	if !now.Before(session.Expires) {
		m.removeLocked(session, "expired")
		m.mu.Unlock()
		return Session{}, ipc.Errorf(ipc.CodeSessionInvalid, "session %s expired", id)
	}
	if !m.processes.Matches(owner.PID, owner.StartTime) {
		m.removeLocked(session, "owner exited")
		m.mu.Unlock()
		return Session{}, ipc.Errorf(ipc.CodeSessionInvalid, "session %s owner has exited", id)
	}
	recheck := now.Sub(session.CheckedAt) >= m.config.RecheckInterval
	snapshot := *session
	m.mu.Unlock()

	if caller.PID != owner.PID && !m.processes.DescendsFrom(caller.PID, owner.PID) {
		return Session{}, ipc.Errorf(ipc.CodeSessionInvalid, "session %s belongs to another process", id)
	}

	if recheck {
		if err := m.check(owner, false); err != nil {
			m.End(id)
			m.logger.Warn("grant no longer held, session dropped", "session", id, "error", err)
			return Session{}, fmt.Errorf("%w: re-check failed: %v", ErrSessionInvalid, err)
		}
		m.mu.Lock()
		if current, ok := m.sessions[id]; ok {
			current.CheckedAt = m.clock.Now()
			snapshot = *current
		}
		m.mu.Unlock()
	}
	return snapshot, nil
}

// End removes a session. Unknown ids are ignored.
func (m *Manager) End(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		m.removeLocked(session, "ended")
	}
}

// Get returns a session without validating it.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps sessions every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops expired sessions and sessions whose owner has exited.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, session := range m.sessions {
		switch {
		case !now.Before(session.Expires):
			m.removeLocked(session, "expired")
		case !m.processes.Matches(session.Owner.PID, session.Owner.StartTime):
			m.removeLocked(session, "owner exited")
		}
	}
}

func (m *Manager) removeLocked(session *Session, reason string) {
	delete(m.sessions, session.ID)
	if m.byIdentity[session.Owner] == session {
		delete(m.byIdentity, session.Owner)
	}
	m.logger.Info("session removed", "session", session.ID, "uid", session.Owner.UID, "reason", reason)
}

func (m *Manager) uidAllowed(uid uint32) bool {
	return len(m.config.AllowUIDs) == 0 || slices.Contains(m.config.AllowUIDs, uid)
}
