// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/codec"
	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/service"
	"github.com/xerolinux/elevate/lib/session"
	"github.com/xerolinux/elevate/lib/version"
)

// API binds a Broker and a session manager to socket actions.
type API struct {
	Broker     *Broker
	Sessions   *session.Manager
	StartTimes StartTimes
	Clock      clock.Clock
	Logger     *slog.Logger

	// KeepaliveInterval is the longest a stream stays silent.
	KeepaliveInterval time.Duration

	// ServedUID is the user this broker was started for; ping reports
	// it.
	ServedUID int

	// Shutdown is called after the shutdown action has been answered.
	Shutdown func()
}

// Register installs every action on server.
func (a *API) Register(server *service.SocketServer) {
	server.Handle(ipc.ActionPing, a.handlePing)
	server.Handle(ipc.ActionShutdown, a.handleShutdown)
	server.Handle(ipc.ActionAuthenticate, a.handleAuthenticate)
	server.HandleStream(ipc.ActionAttach, a.handleAttach)
	server.Handle(ipc.ActionEndSession, a.handleEndSession)
	server.Handle(ipc.ActionSubmit, a.handleSubmit)
	server.HandleStream(ipc.ActionSubscribe, a.handleSubscribe)
	server.Handle(ipc.ActionCancel, a.handleCancel)
	server.Handle(ipc.ActionStatus, a.handleStatus)
	server.Handle(ipc.ActionAck, a.handleAck)
	server.Handle(ipc.ActionList, a.handleList)
}

// identity turns the connection's peer credentials into a session
// identity. The start time pins the identity to this process
// incarnation.
func (a *API) identity(ctx context.Context) (session.Identity, error) {
	peer, ok := service.PeerFromContext(ctx)
	if !ok {
		return session.Identity{}, ipc.Errorf(ipc.CodeInternal, "connection has no peer credentials")
	}
	startTime, err := a.StartTimes.StartTime(peer.PID)
	if err != nil {
		return session.Identity{}, ipc.Errorf(ipc.CodeForbidden, "cannot read start time of pid %d: %v", peer.PID, err)
	}
	return session.Identity{UID: peer.UID, GID: peer.GID, PID: peer.PID, StartTime: startTime}, nil
}

func decode(raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return ipc.Errorf(ipc.CodeInvalidRequest, "decoding request: %v", err)
	}
	return nil
}

func (a *API) handlePing(ctx context.Context, raw []byte) (any, error) {
	return ipc.PingResult{Version: version.Info(), PID: os.Getpid(), UID: a.ServedUID}, nil
}

func (a *API) handleShutdown(ctx context.Context, raw []byte) (any, error) {
	peer, _ := service.PeerFromContext(ctx)
	a.Logger.Info("shutdown requested", "uid", peer.UID, "pid", peer.PID)
	if a.Shutdown != nil {
		// The response is written after this returns; give the
		// server a moment before tearing down the listener.
		a.Clock.AfterFunc(50*time.Millisecond, a.Shutdown)
	}
	return nil, nil
}

func (a *API) handleAuthenticate(ctx context.Context, raw []byte) (any, error) {
	var request ipc.AuthenticateRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	granted, err := a.Sessions.Authenticate(ctx, identity, request.Interactive)
	if err != nil {
		return nil, err
	}
	return ipc.AuthenticateResult{Session: granted.ID, Expires: granted.Expires}, nil
}

// handleAttach holds a session open for the life of the connection:
// when the client goes away the session ends.
func (a *API) handleAttach(ctx context.Context, raw []byte) (service.StreamBody, error) {
	var request ipc.SessionRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.Sessions.Validate(ctx, request.Session, identity); err != nil {
		return nil, err
	}

	return func(ctx context.Context, stream *service.StreamWriter) error {
		defer a.Sessions.End(request.Session)

		ticker := a.Clock.NewTicker(a.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Logger.Debug("attached client disconnected", "session", request.Session)
				return nil
			case now := <-ticker.C:
				if _, ok := a.Sessions.Get(request.Session); !ok {
					return stream.Send(ipc.Frame{
						Type:    ipc.FrameError,
						Code:    ipc.CodeSessionInvalid,
						Message: "session ended",
					})
				}
				if err := stream.Send(ipc.Frame{Type: ipc.FrameKeepalive, Time: now}); err != nil {
					return err
				}
			}
		}
	}, nil
}

func (a *API) handleEndSession(ctx context.Context, raw []byte) (any, error) {
	var request ipc.SessionRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	current, ok := a.Sessions.Get(request.Session)
	if !ok {
		return nil, nil
	}
	if identity.UID != 0 && identity.UID != current.Owner.UID {
		return nil, ipc.Errorf(ipc.CodeForbidden, "session belongs to another user")
	}
	a.Sessions.End(request.Session)
	return nil, nil
}

func (a *API) handleSubmit(ctx context.Context, raw []byte) (any, error) {
	var request ipc.SubmitRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	jobID, err := a.Broker.Submit(ctx, request.Session, identity, Request{
		Argv:     request.Argv,
		Dir:      request.Dir,
		Env:      request.Env,
		Terminal: request.Terminal,
	})
	if err != nil {
		return nil, err
	}
	return ipc.SubmitResult{Job: jobID}, nil
}

func (a *API) handleSubscribe(ctx context.Context, raw []byte) (service.StreamBody, error) {
	var request ipc.SubscribeRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	subscription, err := a.Broker.Subscribe(request.Job, identity, request.AfterSeq)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, stream *service.StreamWriter) error {
		keepalive := newKeepalive(stream, a.Clock)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go keepalive.run(ctx, a.KeepaliveInterval)

		for {
			frame, err := subscription.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := keepalive.send(frame); err != nil {
				return err
			}
		}
	}, nil
}

// keepalive sends a keepalive frame whenever the stream has been
// silent for a full interval.
type keepalive struct {
	stream *service.StreamWriter
	clock  clock.Clock

	mu       sync.Mutex
	lastSent time.Time
}

func newKeepalive(stream *service.StreamWriter, clk clock.Clock) *keepalive {
	return &keepalive{stream: stream, clock: clk, lastSent: clk.Now()}
}

func (k *keepalive) send(frame ipc.Frame) error {
	k.mu.Lock()
	k.lastSent = k.clock.Now()
	k.mu.Unlock()
	return k.stream.Send(frame)
}

func (k *keepalive) run(ctx context.Context, interval time.Duration) {
	ticker := k.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.mu.Lock()
			idle := now.Sub(k.lastSent) >= interval
			k.mu.Unlock()
			if !idle {
				continue
			}
			if err := k.send(ipc.Frame{Type: ipc.FrameKeepalive, Time: now}); err != nil {
				return
			}
		}
	}
}

func (a *API) handleCancel(ctx context.Context, raw []byte) (any, error) {
	var request ipc.JobRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	return nil, a.Broker.Cancel(request.Job, identity)
}

func (a *API) handleStatus(ctx context.Context, raw []byte) (any, error) {
	var request ipc.JobRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	return a.Broker.Status(request.Job, identity)
}

func (a *API) handleAck(ctx context.Context, raw []byte) (any, error) {
	var request ipc.JobRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	return nil, a.Broker.Ack(request.Job, identity)
}

func (a *API) handleList(ctx context.Context, raw []byte) (any, error) {
	identity, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	return ipc.ListResult{Jobs: a.Broker.List(identity)}, nil
}
