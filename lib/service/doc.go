// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the Unix socket transport between elevate clients
// and the broker.
//
// [SocketServer] accepts connections, decodes one CBOR request per
// connection, and routes it by its "action" field. Unary handlers
// ([ActionFunc]) return a value or an error and the server writes a
// single [Response]. Stream handlers ([StreamFunc]) validate the
// request, get a success Response written on their behalf, and then
// own the connection through a [StreamWriter] until they return. A
// stream's context is cancelled when the client closes its end, which
// is how the broker notices that an attached client went away.
//
// Every connection carries the peer's kernel-verified credentials
// (SO_PEERCRED). Handlers read them with [PeerFromContext]; identity
// is never taken from request fields. [SocketServer.AllowPeer] rejects
// connections before any handler runs.
//
// Handler errors that implement ErrorCode() string put that code in
// [Response.Code]; anything else is reported as "internal". The client
// side ([Client]) returns refusals as [*ServiceError] carrying the
// code.
//
// Stream clients must not half-close their write side: the server
// treats EOF on the read side as the client disconnecting.
package service
