// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/xerolinux/elevate/lib/codec"
)

// Response codes written by the server itself. Handler errors supply
// their own codes through ErrorCode().
const (
	CodeInvalidRequest = "invalid_request"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal"
)

// ActionFunc processes a unary request. raw is the complete CBOR
// request including "action". A nil result produces {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc validates a stream request. Returning an error sends a
// failure Response and closes the connection. Returning a StreamBody
// sends {ok: true} and then runs the body, which writes frames until
// it returns or ctx is cancelled.
type StreamFunc func(ctx context.Context, raw []byte) (StreamBody, error)

// StreamBody produces the frames of an accepted stream.
type StreamBody func(ctx context.Context, stream *StreamWriter) error

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  string           `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves the one-request-per-connection CBOR protocol on
// a Unix socket. Register handlers before calling Serve.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	// AllowPeer, when set, is consulted for every connection before
	// the request is read. Rejected peers get a forbidden response.
	AllowPeer func(Peer) bool

	// SocketGroup and SocketMode are applied to the socket file after
	// listening. SocketGroup < 0 leaves the group unchanged.
	SocketGroup int
	SocketMode  fs.FileMode

	ready chan struct{}

	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server for socketPath. The socket is
// created with mode 0600 unless SocketMode is changed.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath:  socketPath,
		handlers:    make(map[string]ActionFunc),
		streams:     make(map[string]StreamFunc),
		logger:      logger,
		SocketGroup: -1,
		SocketMode:  0o600,
		ready:       make(chan struct{}),
	}
}

// Handle registers a unary action. Panics on a duplicate name.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	s.checkDuplicate(action)
	s.handlers[action] = handler
}

// HandleStream registers a stream action. Panics on a duplicate name.
func (s *SocketServer) HandleStream(action string, handler StreamFunc) {
	s.checkDuplicate(action)
	s.streams[action] = handler
}

func (s *SocketServer) checkDuplicate(action string) {
	_, unary := s.handlers[action]
	_, stream := s.streams[action]
	if unary || stream {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
}

// Ready is closed once the socket is listening with its final
// permissions.
func (s *SocketServer) Ready() <-chan struct{} { return s.ready }

// Serve listens on the socket and dispatches connections until ctx is
// cancelled, then waits for in-flight handlers. A stale socket file is
// replaced; the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, s.SocketMode); err != nil {
		return fmt.Errorf("setting mode of %s: %w", s.socketPath, err)
	}
	if s.SocketGroup >= 0 {
		if err := os.Chown(s.socketPath, -1, s.SocketGroup); err != nil {
			return fmt.Errorf("setting group of %s: %w", s.socketPath, err)
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath, "mode", s.SocketMode)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds each response or frame write.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds one request. A submit with a long argv and
// environment is well under this.
const maxRequestSize = 1024 * 1024

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer, err := PeerCredentials(conn)
	if err != nil {
		s.logger.Error("reading peer credentials", "error", err)
		s.writeError(conn, CodeInternal, "cannot identify caller")
		return
	}
	if s.AllowPeer != nil && !s.AllowPeer(peer) {
		s.logger.Warn("rejected connection", "uid", peer.UID, "pid", peer.PID)
		s.writeError(conn, CodeForbidden, fmt.Sprintf("uid %d may not use this broker", peer.UID))
		return
	}
	ctx = WithPeer(ctx, peer)

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, CodeInvalidRequest, "missing required field: action")
		return
	}

	if handler, ok := s.handlers[header.Action]; ok {
		result, err := handler(ctx, []byte(raw))
		if err != nil {
			s.logger.Debug("action failed", "action", header.Action, "uid", peer.UID, "error", err)
			s.writeError(conn, errorCode(err), err.Error())
			return
		}
		s.writeSuccess(conn, result)
		return
	}

	if handler, ok := s.streams[header.Action]; ok {
		s.serveStream(ctx, conn, header.Action, raw, handler)
		return
	}

	s.writeError(conn, CodeInvalidRequest, fmt.Sprintf("unknown action %q", header.Action))
}

func (s *SocketServer) serveStream(ctx context.Context, conn net.Conn, action string, raw []byte, handler StreamFunc) {
	body, err := handler(ctx, raw)
	if err != nil {
		s.logger.Debug("stream rejected", "action", action, "error", err)
		s.writeError(conn, errorCode(err), err.Error())
		return
	}
	s.writeSuccess(conn, nil)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Any read result (EOF, reset, stray bytes) means the client is
	// gone or misbehaving; either way the stream ends.
	conn.SetReadDeadline(time.Time{})
	go func() {
		var discard [1]byte
		conn.Read(discard[:])
		cancel()
	}()

	writer := &StreamWriter{conn: conn, encoder: codec.NewEncoder(conn)}
	if err := body(streamCtx, writer); err != nil && streamCtx.Err() == nil {
		s.logger.Debug("stream ended with error", "action", action, "error", err)
	}
}

// StreamWriter sends frames on an accepted stream. Send is safe for
// concurrent use.
type StreamWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder
}

// Send encodes one frame.
func (w *StreamWriter) Send(frame any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.encoder.Encode(frame)
}

func errorCode(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeInternal
}

func (s *SocketServer) writeError(conn net.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Code: code, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, CodeInternal, fmt.Sprintf("marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
