// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xerolinux/elevate/lib/ipc"
	"github.com/xerolinux/elevate/lib/service"
)

var (
	// ErrTransport wraps failures to reach or talk to the broker.
	ErrTransport = errors.New("broker connection failed")

	// ErrStalled means a stream received no frame, not even a
	// keepalive, within the stall timeout.
	ErrStalled = errors.New("broker stopped responding")
)

// DefaultStallTimeout is used when Options.StallTimeout is zero.
const DefaultStallTimeout = 30 * time.Second

// Options configure a Client.
type Options struct {
	StallTimeout time.Duration
	Logger       *slog.Logger
}

// Client talks to one broker socket. It holds no connection; every
// call dials anew.
type Client struct {
	service      *service.Client
	stallTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Client for the broker at socketPath.
func New(socketPath string, options Options) *Client {
	if options.StallTimeout <= 0 {
		options.StallTimeout = DefaultStallTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Client{
		service:      service.NewClient(socketPath),
		stallTimeout: options.StallTimeout,
		logger:       options.Logger,
	}
}

// SocketPath returns the broker socket path.
func (c *Client) SocketPath() string { return c.service.SocketPath() }

// translate turns wire refusals back into *ipc.Error.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return &ipc.Error{Code: ipc.Code(serviceErr.Code), Message: serviceErr.Message}
	}
	if errors.Is(err, service.ErrStreamStalled) {
		return ErrStalled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	return translate(c.service.Call(ctx, action, fields, result))
}

// Ping asks the broker to identify itself.
func (c *Client) Ping(ctx context.Context) (ipc.PingResult, error) {
	var result ipc.PingResult
	err := c.call(ctx, ipc.ActionPing, nil, &result)
	return result, err
}

// Shutdown asks the broker to exit. Running jobs are cancelled.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, ipc.ActionShutdown, nil, nil)
}

// Authenticate obtains a session for the calling process. interactive
// lets the authorization agent prompt. The broker bounds the wait.
func (c *Client) Authenticate(ctx context.Context, interactive bool) (ipc.AuthenticateResult, error) {
	var result ipc.AuthenticateResult
	err := c.call(ctx, ipc.ActionAuthenticate, map[string]any{"interactive": interactive}, &result)
	return result, err
}

// EndSession drops a session.
func (c *Client) EndSession(ctx context.Context, session string) error {
	return c.call(ctx, ipc.ActionEndSession, map[string]any{"session": session}, nil)
}

// Command is one program for the broker to run.
type Command struct {
	Argv     []string
	Dir      string
	Env      map[string]string
	Terminal bool
}

// Submit starts a job and returns its id.
func (c *Client) Submit(ctx context.Context, session string, command Command) (string, error) {
	fields := map[string]any{
		"session": session,
		"argv":    command.Argv,
	}
	if command.Dir != "" {
		fields["dir"] = command.Dir
	}
	if len(command.Env) > 0 {
		fields["env"] = command.Env
	}
	if command.Terminal {
		fields["terminal"] = true
	}
	var result ipc.SubmitResult
	if err := c.call(ctx, ipc.ActionSubmit, fields, &result); err != nil {
		return "", err
	}
	return result.Job, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, job string) error {
	return c.call(ctx, ipc.ActionCancel, map[string]any{"job": job}, nil)
}

// Status returns a job snapshot.
func (c *Client) Status(ctx context.Context, job string) (ipc.JobSnapshot, error) {
	var snapshot ipc.JobSnapshot
	err := c.call(ctx, ipc.ActionStatus, map[string]any{"job": job}, &snapshot)
	return snapshot, err
}

// Ack forgets a finished job.
func (c *Client) Ack(ctx context.Context, job string) error {
	return c.call(ctx, ipc.ActionAck, map[string]any{"job": job}, nil)
}

// List returns the caller's jobs.
func (c *Client) List(ctx context.Context) ([]ipc.JobSnapshot, error) {
	var result ipc.ListResult
	err := c.call(ctx, ipc.ActionList, nil, &result)
	return result.Jobs, err
}

// Subscription reads one job's frames. Keepalives are consumed
// internally.
type Subscription struct {
	reader       *service.StreamReader
	stallTimeout time.Duration
}

// Subscribe opens a job stream after afterSeq (-1 for everything).
func (c *Client) Subscribe(ctx context.Context, job string, afterSeq int64) (*Subscription, error) {
	reader, err := c.service.Stream(ctx, ipc.ActionSubscribe, map[string]any{
		"job":       job,
		"after_seq": afterSeq,
	})
	if err != nil {
		return nil, translate(err)
	}
	return &Subscription{reader: reader, stallTimeout: c.stallTimeout}, nil
}

// Next returns the next chunk or terminal frame. An error frame from
// the broker is returned as *ipc.Error. io.EOF means the stream ended
// without a terminal frame.
func (s *Subscription) Next() (ipc.Frame, error) {
	for {
		var frame ipc.Frame
		if err := s.reader.Next(&frame, s.stallTimeout); err != nil {
			if errors.Is(err, io.EOF) {
				return ipc.Frame{}, io.EOF
			}
			return ipc.Frame{}, translate(err)
		}
		switch frame.Type {
		case ipc.FrameKeepalive:
			continue
		case ipc.FrameError:
			return ipc.Frame{}, &ipc.Error{Code: frame.Code, Message: frame.Message}
		default:
			return frame, nil
		}
	}
}

// Close ends the subscription. The job keeps running.
func (s *Subscription) Close() error { return s.reader.Close() }

// Follow delivers every chunk of job after afterSeq to onChunk and
// returns the terminal frame. A dropped connection is resumed from the
// last delivered sequence number; a stall or a broker refusal is
// returned as an error.
func (c *Client) Follow(ctx context.Context, job string, afterSeq int64, onChunk func(ipc.Frame)) (ipc.Frame, error) {
	const maxResumes = 5
	resumes := 0
	for {
		subscription, err := c.Subscribe(ctx, job, afterSeq)
		if err != nil {
			return ipc.Frame{}, err
		}
		terminal, err := c.drain(subscription, &afterSeq, onChunk)
		subscription.Close()
		if err == nil {
			return terminal, nil
		}
		if ctx.Err() != nil {
			return ipc.Frame{}, ctx.Err()
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, ErrTransport) {
			return ipc.Frame{}, err
		}
		resumes++
		if resumes > maxResumes {
			return ipc.Frame{}, fmt.Errorf("following %s: %w", job, err)
		}
		c.logger.Debug("job stream dropped, resubscribing", "job", job, "after_seq", afterSeq, "error", err)
	}
}

func (c *Client) drain(subscription *Subscription, afterSeq *int64, onChunk func(ipc.Frame)) (ipc.Frame, error) {
	for {
		frame, err := subscription.Next()
		if err != nil {
			return ipc.Frame{}, err
		}
		switch frame.Type {
		case ipc.FrameTerminal:
			return frame, nil
		case ipc.FrameChunk:
			if int64(frame.Seq) <= *afterSeq {
				continue
			}
			*afterSeq = int64(frame.Seq)
			if onChunk != nil {
				onChunk(frame)
			}
		}
	}
}

// Attachment keeps a session bound to this client's lifetime. When it
// is closed, or this process dies, the broker ends the session.
type Attachment struct {
	reader *service.StreamReader
	done   chan struct{}
	err    error
}

// Attach opens the session's attach stream.
func (c *Client) Attach(ctx context.Context, session string) (*Attachment, error) {
	reader, err := c.service.Stream(ctx, ipc.ActionAttach, map[string]any{"session": session})
	if err != nil {
		return nil, translate(err)
	}
	attachment := &Attachment{reader: reader, done: make(chan struct{})}
	go attachment.watch(c.stallTimeout)
	return attachment, nil
}

func (a *Attachment) watch(stallTimeout time.Duration) {
	defer close(a.done)
	for {
		var frame ipc.Frame
		if err := a.reader.Next(&frame, stallTimeout); err != nil {
			a.err = translate(err)
			if errors.Is(err, io.EOF) {
				a.err = fmt.Errorf("%w: broker closed the session stream", ErrTransport)
			}
			return
		}
		if frame.Type == ipc.FrameError {
			a.err = &ipc.Error{Code: frame.Code, Message: frame.Message}
			return
		}
	}
}

// Done is closed when the attachment ends for any reason.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Err reports why the attachment ended. Valid after Done is closed.
func (a *Attachment) Err() error {
	<-a.done
	return a.err
}

// Close detaches, which ends the session on the broker.
func (a *Attachment) Close() error {
	err := a.reader.Close()
	<-a.done
	return err
}
