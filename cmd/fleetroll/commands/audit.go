// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/ledger"
)

func auditCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Read and verify the audit ledger",
		Subcommands: []*cli.Command{
			auditLogCommand(g),
			auditVerifyCommand(g),
		},
	}
}

func auditLogCommand(g *globals) *cli.Command {
	var filter ledger.Filter
	var since time.Duration
	return &cli.Command{
		Name:    "log",
		Summary: "Print audit records, oldest first",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("log")
			flagSet.StringVar(&filter.Host, "host", "", "only records touching this host")
			flagSet.StringVar(&filter.Action, "action", "", "only records of this action, e.g. stage.advance")
			flagSet.DurationVar(&since, "since", 0, "only records newer than this")
			flagSet.IntVar(&filter.Limit, "limit", 50, "newest N matches (0 for all)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				if since > 0 {
					filter.Since = e.clock.Now().Add(-since)
				}
				records, err := e.ledger.Records(filter)
				if err != nil {
					return err
				}
				if done, err := e.emit(records); done {
					return err
				}
				rows := make([][]string, 0, len(records))
				for _, record := range records {
					action := record.Action
					if record.Forced {
						action = e.out.Warn(action + " (forced)")
					}
					rows = append(rows, []string{
						strconv.FormatUint(record.Sequence, 10),
						formatTime(record.Timestamp),
						record.Actor,
						string(record.ApprovalMode),
						action,
						joinHosts(record.Hosts),
					})
				}
				return e.out.Table([]string{"SEQ", "TIME", "ACTOR", "APPROVAL", "ACTION", "HOSTS"}, rows)
			})
		},
	}
}

func auditVerifyCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "verify",
		Summary: "Verify the hash chain of every ledger file",
		Flags:   func() *pflag.FlagSet { return g.flags("verify") },
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				report, err := e.ledger.Verify()
				if err != nil {
					e.out.Printf("%s\n", e.out.Bad("ledger verification failed"))
					return err
				}
				if done, err := e.emit(report); done {
					return err
				}
				e.out.Printf("%s: %d records in %d files, head %s\n",
					e.out.Good("ok"), report.Records, report.Files, shortSHA(report.Head))
				return nil
			})
		},
	}
}
