// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// ExitCode returns the process exit code for err. Nil is 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch fleet.KindOf(err) {
	case fleet.KindPrecondition:
		return 2
	case fleet.KindGate:
		return 3
	case fleet.KindConflict:
		return 4
	case fleet.KindIntegrity:
		return 5
	case fleet.KindTransport:
		return 6
	}
	return 1
}

// Fatal writes "error: err" to stderr and exits with ExitCode(err).
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}
