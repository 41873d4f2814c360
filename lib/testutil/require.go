// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the first value sent on ch, failing the test
// if ch closes or nothing arrives within timeout. what names the
// awaited event in the failure message and is formatted with args.
//
//	err := testutil.RequireReceive(t, done, 5*time.Second, "Start for %s", id)
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed without a value", fmt.Sprintf(what, args...))
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", fmt.Sprintf(what, args...), timeout)
	}
	panic("unreachable")
}
