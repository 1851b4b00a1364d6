// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Peer is the identity of the process on the other end of a Unix
// socket, as recorded by the kernel at connect time.
type Peer struct {
	UID uint32
	GID uint32
	PID int
}

type peerKey struct{}

// WithPeer returns a context carrying peer.
func WithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// PeerFromContext returns the peer stored by the server for the
// current connection.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	peer, ok := ctx.Value(peerKey{}).(Peer)
	return peer, ok
}

// PeerCredentials reads SO_PEERCRED from a Unix socket connection.
func PeerCredentials(conn net.Conn) (Peer, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Peer{}, fmt.Errorf("peer credentials need a unix socket, got %T", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return Peer{}, fmt.Errorf("accessing socket descriptor: %w", err)
	}

	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Peer{}, fmt.Errorf("accessing socket descriptor: %w", err)
	}
	if credentialsErr != nil {
		return Peer{}, fmt.Errorf("reading SO_PEERCRED: %w", credentialsErr)
	}
	return Peer{UID: credentials.Uid, GID: credentials.Gid, PID: int(credentials.Pid)}, nil
}
