// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog keeps the spawn ledger: an on-disk record of every
// process group the broker has started and not yet seen exit.
//
// Job state lives only in broker memory, so a broker that crashes or is
// killed leaves its children running as root with nobody supervising
// them. On the next start the broker loads the ledger and passes it to
// [Reap], which kills every group whose leader is still alive with the
// same start time and the same argv fingerprint. A pid that has since
// been reused by an unrelated process fails one of those checks and is
// left alone.
//
// The ledger file is rewritten atomically on every change (temporary
// file, fsync, rename, directory fsync) so a crash never leaves a
// partial file.
package watchdog
