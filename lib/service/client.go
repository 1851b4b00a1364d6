// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xerolinux/elevate/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout applies when the caller's context has no
// deadline.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's request bound.
const maxResponseSize = 1024 * 1024

// maxFrameSize bounds one stream frame. Output chunks are read in
// 32 KiB pieces, so a frame anywhere near this is a corrupt stream.
const maxFrameSize = 4 * 1024 * 1024

// ServiceError is a refusal from the server (ok=false).
type ServiceError struct {
	Action  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client sends requests to a service socket, one connection per call.
type Client struct {
	socketPath string
}

// NewClient returns a client for socketPath. No connection is made
// until the first call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the path the client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// Call sends action with fields and decodes the response data into
// result (which may be nil). The caller must not set "action" in
// fields. The response wait ends at ctx's deadline, or after
// responseReadTimeout when ctx has none.
//
// A refusal is returned as *ServiceError. Connection and codec
// failures are returned as other errors.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, err := c.dialAndSend(ctx, action, fields)
	if err != nil {
		return err
	}
	defer conn.Close()

	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	response, err := readResponse(ctx, conn)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Code: response.Code, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// Stream opens a stream action. On success the returned StreamReader
// yields the frames that follow the response. Closing the reader (or
// cancelling ctx) ends the stream on the server side too.
func (c *Client) Stream(ctx context.Context, action string, fields map[string]any) (*StreamReader, error) {
	conn, err := c.dialAndSend(ctx, action, fields)
	if err != nil {
		return nil, err
	}

	response, err := readResponse(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening stream %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		conn.Close()
		return nil, &ServiceError{Action: action, Code: response.Code, Message: response.Error}
	}

	limiter := &frameLimiter{reader: conn}
	reader := &StreamReader{conn: conn, limiter: limiter, decoder: codec.NewDecoder(limiter), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-reader.done:
		}
	}()
	return reader, nil
}

func (c *Client) dialAndSend(ctx context.Context, action string, fields map[string]any) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}

	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing %q request: %w", action, err)
	}
	return conn, nil
}

func readResponse(ctx context.Context, conn net.Conn) (*Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(responseReadTimeout)
	}
	conn.SetReadDeadline(deadline)

	// The response is decoded byte-exact from the connection so that a
	// stream decoder created afterwards starts at the first frame.
	var response Response
	if err := codec.NewDecoder(&byteReader{reader: io.LimitReader(conn, maxResponseSize)}).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return &response, nil
}

// byteReader hands the decoder one byte per Read so it never consumes
// bytes past the end of the response.
type byteReader struct {
	reader io.Reader
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.reader.Read(p[:1])
}

// ErrStreamStalled is returned by Next when no frame arrived within
// the idle timeout.
var ErrStreamStalled = errors.New("stream stalled")

// ErrFrameTooLarge is returned by Next when a frame exceeds the size
// bound. The stream is unusable afterwards.
var ErrFrameTooLarge = errors.New("stream frame too large")

// frameLimiter caps the bytes the decoder pulls from the connection
// for one frame. Next resets the budget before each frame.
type frameLimiter struct {
	reader    io.Reader
	remaining int64
	exceeded  bool
}

func (l *frameLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		l.exceeded = true
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// StreamReader reads frames from an open stream.
type StreamReader struct {
	conn    net.Conn
	limiter *frameLimiter
	decoder *codec.Decoder
	done    chan struct{}
	closed  bool
}

// Next decodes the next frame into v. idle bounds the wait; zero
// waits indefinitely. io.EOF means the server ended the stream.
func (r *StreamReader) Next(v any, idle time.Duration) error {
	if idle > 0 {
		r.conn.SetReadDeadline(time.Now().Add(idle))
	} else {
		r.conn.SetReadDeadline(time.Time{})
	}
	if r.limiter.exceeded {
		return ErrFrameTooLarge
	}
	r.limiter.remaining = maxFrameSize
	err := r.decoder.Decode(v)
	if err != nil {
		if r.limiter.exceeded {
			return ErrFrameTooLarge
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrStreamStalled
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
	}
	return err
}

// Close ends the stream. Not safe to call concurrently with itself.
func (r *StreamReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	return r.conn.Close()
}
