// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"strings"
	"time"
)

const (
	// ExitTimeout is the exit code reported for a killed command.
	ExitTimeout = 124

	// ExitSSHError is the exit code OpenSSH uses for its own
	// connection and authentication failures.
	ExitSSHError = 255
)

// Command is one script to run on a host.
type Command struct {
	// Name identifies the script in logs, for example "probe.role".
	Name string

	// Script is POSIX sh source. It runs as the login user; scripts
	// escalate with sudo -n themselves.
	Script string

	// Stdin is fed to the script's standard input.
	Stdin []byte

	// Timeout bounds the run. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// TimedOut reports whether the command was killed for exceeding its
// timeout.
func (r Result) TimedOut() bool { return r.ExitCode == ExitTimeout }

var connectionFailures = []string{
	"Connection refused",
	"Connection timed out",
	"Could not resolve hostname",
	"No route to host",
}

// ConnectionFailed reports whether the result looks like the transport
// failed before the script ran, which is worth retrying.
func (r Result) ConnectionFailed() bool {
	if r.ExitCode == 0 {
		return false
	}
	if r.ExitCode == ExitSSHError {
		return true
	}
	for _, message := range connectionFailures {
		if strings.Contains(r.Stderr, message) {
			return true
		}
	}
	return false
}

// Runner executes commands on hosts. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, host string, command Command) (Result, error)
}

// ShellQuote quotes s for safe interpolation into a POSIX shell
// command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
