// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration used on the broker
// socket. Client and broker both encode through it, so a request,
// response, or stream frame has exactly one byte representation.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2). Decoding
// ignores unknown fields so an older client can talk to a newer
// broker.
//
// Buffers:
//
//	data, err := codec.Marshal(request)
//	err = codec.Unmarshal(data, &request)
//
// Streams (one connection carries many frames):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types use `cbor` struct tags. Types that are also printed as
// JSON by the CLI (job snapshots, plans) use `json` tags only;
// fxamacker/cbor falls back to them.
package codec
