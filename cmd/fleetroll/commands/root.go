// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the fleetroll command tree.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/version"
)

// Root returns the top-level command.
func Root() *cli.Command {
	g := &globals{}
	return &cli.Command{
		Name:    "fleetroll",
		Summary: "Fleet state and override rollout orchestration",
		Description: `fleetroll probes a fleet of hosts over SSH, records what it finds,
reports drift from the desired state, and rolls out configuration
overrides in gated stages. Every mutation is written to a
hash-chained audit ledger.`,
		Subcommands: []*cli.Command{
			probeCommand(g),
			driftCommand(g),
			populationCommand(g),
			hostCommand(g),
			rolloutCommand(g),
			auditCommand(g),
			maintenanceCommand(g),
			{
				Name:    "version",
				Summary: "Print the build version",
				Flags:   func() *pflag.FlagSet { return g.flags("version") },
				Run: func(context.Context, []string) error {
					if g.json {
						return cli.Stdout().JSON(version.Current())
					}
					fmt.Println(version.Full())
					return nil
				},
			},
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinHosts(hosts []string) string {
	const shown = 5
	if len(hosts) <= shown {
		return strings.Join(hosts, ",")
	}
	return fmt.Sprintf("%s,... (%d)", strings.Join(hosts[:shown], ","), len(hosts))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return orDash(sha)
}
