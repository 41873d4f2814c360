// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/rollout"
)

func maintenanceCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "maintenance",
		Summary: "Rotate the ledger, compact the store, verify blobs, clear halts",
		Subcommands: []*cli.Command{
			maintenanceRotateCommand(g),
			maintenanceCompactCommand(g),
			maintenanceVerifyBlobsCommand(g),
			maintenanceHaltsCommand(g),
			maintenanceClearHaltCommand(g),
		},
	}
}

func maintenanceRotateCommand(g *globals) *cli.Command {
	var thresholdMB int64
	return &cli.Command{
		Name:    "rotate",
		Summary: "Rotate the audit ledger once it exceeds the size threshold",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("rotate")
			flagSet.Int64Var(&thresholdMB, "threshold-mb", 0, "size threshold (default ledger.rotate_threshold_mb)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				if thresholdMB <= 0 {
					thresholdMB = e.cfg.Ledger.RotateThresholdMB
				}
				size := e.ledger.Size()
				rotated, err := e.ledger.Rotate(thresholdMB << 20)
				if err != nil {
					return err
				}
				if rotated == "" {
					e.out.Printf("ledger is %s, below the %d MB threshold\n", humanize.IBytes(uint64(size)), thresholdMB)
					return nil
				}
				e.out.Printf("rotated %s ledger to %s\n", humanize.IBytes(uint64(size)), rotated)
				return nil
			})
		},
	}
}

func maintenanceCompactCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "compact",
		Summary: "Vacuum the state database",
		Flags:   func() *pflag.FlagSet { return g.flags("compact") },
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				report, err := e.store.Compact(ctx)
				if err != nil {
					return err
				}
				if done, err := e.emit(report); done {
					return err
				}
				e.out.Printf("store compacted: %s -> %s\n",
					humanize.IBytes(uint64(report.BytesBefore)), humanize.IBytes(uint64(report.BytesAfter)))
				return nil
			})
		},
	}
}

func maintenanceVerifyBlobsCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "verify-blobs",
		Summary: "Re-hash every stored blob",
		Flags:   func() *pflag.FlagSet { return g.flags("verify-blobs") },
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				corrupt, err := e.blobs.Verify()
				if err != nil {
					return err
				}
				if done, err := e.emit(corrupt); done {
					return err
				}
				if len(corrupt) == 0 {
					e.out.Printf("%s: every blob matches its hash\n", e.out.Good("ok"))
					return nil
				}
				for _, ref := range corrupt {
					e.out.Printf("%s %s %s\n", e.out.Bad("corrupt"), ref.Kind, ref.SHA256)
				}
				return fleet.Integrity("maintenance.verify_blobs", "%d blobs do not match their hash", len(corrupt))
			})
		},
	}
}

func maintenanceHaltsCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "halts",
		Summary: "List entities halted after an integrity failure",
		Flags:   func() *pflag.FlagSet { return g.flags("halts") },
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				halts, err := e.engine.Halts(ctx)
				if err != nil {
					return err
				}
				if done, err := e.emit(halts); done {
					return err
				}
				if len(halts) == 0 {
					e.out.Printf("%s: no halted entities\n", e.out.Good("ok"))
					return nil
				}
				for _, halt := range halts {
					e.out.Printf("%s %s since %s: %s\n", e.out.Bad("halted"), halt.Key,
						halt.HaltedAt.Format(time.RFC3339), halt.Reason)
				}
				return nil
			})
		},
	}
}

func maintenanceClearHaltCommand(g *globals) *cli.Command {
	var reason string
	return &cli.Command{
		Name:    "clear-halt",
		Summary: "Resume mutation of an entity after repairing an integrity failure",
		Usage:   "fleetroll maintenance clear-halt --reason TEXT KEY",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("clear-halt")
			flagSet.StringVar(&reason, "reason", "", "what was repaired (required)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll maintenance clear-halt --reason TEXT KEY"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				record, err := e.engine.ClearHalt(ctx, rollout.ClearHaltRequest{
					Key:      args[0],
					Reason:   reason,
					Operator: e.operator(fleet.ApprovalFlag),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(record); done {
					return err
				}
				e.out.Printf("halt on %s cleared (audit seq %d)\n", args[0], record.Sequence)
				return nil
			})
		},
	}
}
