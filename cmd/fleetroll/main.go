// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetroll probes a fleet over SSH, reports drift, and drives staged
// override rollouts with health gates and an audited ledger.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/commands"
	"github.com/bureau-foundation/fleetroll/lib/process"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Root().Execute(ctx, os.Args[1:])
	stop()
	if err == nil {
		return
	}
	// Commands that printed their own output exit without an error line.
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		os.Exit(coder.ExitCode())
	}
	process.Fatal(err)
}
