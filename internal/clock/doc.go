// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that schedule work (pending-command expiry, reconnect
// backoff, keepalive pings) take a Clock instead of calling the time
// package directly. Production wiring uses Real(); tests use Fake(),
// which only moves when Advance is called:
//
//	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	tracker := command.NewTracker(store, sender, command.WithClock(fc))
//	tracker.Issue(ctx, cmd)
//	fc.Advance(5 * time.Second) // expiry fires synchronously
package clock
