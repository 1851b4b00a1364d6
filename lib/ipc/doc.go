// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR message types of the broker socket
// protocol. The broker (lib/broker, cmd/elevated) and the client
// library (lib/brokerclient) both import it, so every request, result,
// and stream frame is defined once.
//
// A connection carries exactly one request, a CBOR map whose "action"
// field selects the handler. Unary actions answer with one
// service.Response. Stream actions ("attach", "subscribe") answer with
// a success Response and then a sequence of [Frame] values until the
// stream ends or either side closes the connection.
//
// Broker refusals travel as a symbolic [Code] in the response. [Error]
// carries the code on both sides of the socket, and the package-level
// sentinels ([ErrBusy], [ErrAuthDenied], ...) match any Error with the
// same code under errors.Is, so a refusal decoded by the client
// compares equal to the sentinel the broker returned.
package ipc
