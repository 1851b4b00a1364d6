// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages the lifecycle of privilege grants.
//
// The decision itself belongs to the host: an [Authorizer] (normally
// [PolkitAuthorizer]) answers grant, deny, or error for one caller.
// [Manager] caches the answer as a [Session] so repeated operations in
// one UI session do not prompt again, and takes it away again:
//
//   - Sessions expire after the configured TTL. [Manager.Validate]
//     checks expiry on every job submission; [Manager.Run] sweeps
//     expired sessions in the background.
//   - A grant older than the recheck interval is re-checked without
//     user interaction on the next submission. If the host no longer
//     grants it, the session is dropped.
//   - A session whose owning process has exited is dropped.
//   - [Manager.End] drops a session at once (client disconnect).
//
// A session is keyed by caller [Identity] (uid, pid, and process start
// time), so it belongs to exactly one process. Authenticate is
// idempotent for that process while the session lives, and concurrent
// calls share one authorization so the user sees one prompt. Child
// processes of the owner, such as an AUR helper invoking elevate as
// its sudo program, may use the owner's session.
//
// Authorization is bounded by the configured timeout; running out
// yields [ErrAuthTimeout]. A refusal yields [ErrAuthDenied]. Neither
// ever falls back to running anything unprivileged.
package session
