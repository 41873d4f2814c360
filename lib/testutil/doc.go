// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for fleetroll
// packages.
//
// [RequireReceive] bounds a wait on a goroutine so a broken test fails
// instead of hanging. It is the only helper that uses a real timeout;
// everything else runs on lib/clock's fake clock.
//
// [Hosts] generates natural-ordered host names for fleet fixtures.
package testutil
