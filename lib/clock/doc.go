// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used throughout
// fleetroll.
//
// Every timestamp the engine records (observation times, stage
// application times, audit timestamps, ledger rotation suffixes) and
// every wait it performs (conflict retry backoff) goes through a
// Clock. Production code uses Real(); tests use Fake(), which stands
// still until Advance is called:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	engine := rollout.New(rollout.Config{Clock: c, ...})
//	// ... a goroutine waits on c.After(backoff) ...
//	c.WaitForTimers(1)
//	c.Advance(backoff)
//
// WaitForTimers blocks until the expected number of waiters has
// registered, so tests never race a goroutine against Advance.
package clock
