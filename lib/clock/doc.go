// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that expire, sweep, or heartbeat (session TTLs, job
// retention, stream keepalives) take a Clock instead of calling the
// time package. Production wiring passes Real(); tests pass Fake() and
// drive time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := session.NewManager(session.Config{Clock: fake, ...})
//	go manager.Run(ctx)
//	fake.WaitForTimers(1)      // sweeper ticker registered
//	fake.Advance(time.Minute)  // sweep runs deterministically
package clock
