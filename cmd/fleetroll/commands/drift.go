// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/drift"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

func driftCommand(g *globals) *cli.Command {
	var driftType string
	return &cli.Command{
		Name:    "drift",
		Summary: "Report hosts whose observed state differs from the desired state",
		Description: `Drift classifies every known host from its latest observation, its
scheduler record, and the open rollouts. --type selects one drift
type (override, role, unreachable, tc-missing, tc-mismatch,
disabled-active, unapplied) or any.`,
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("drift")
			flagSet.StringVar(&driftType, "type", string(fleet.DriftAny), "drift type to report")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			selected, ok := drift.ParseType(driftType)
			if !ok {
				return fleet.Precondition("drift", "unknown drift type %q", driftType)
			}
			return g.run(ctx, func(e *env) error {
				findings, err := drift.Report(ctx, drift.Config{
					UnreachableAfter:      e.cfg.Drift.UnreachableAfter,
					SchedulerMissingAfter: e.cfg.Drift.SchedulerMissingAfter,
				}, e.store, selected, e.clock.Now())
				if err != nil {
					return err
				}
				if done, err := e.emit(findings); done {
					return err
				}
				rows := make([][]string, 0, len(findings))
				for _, finding := range findings {
					rows = append(rows, []string{finding.Host, e.out.Warn(string(finding.Type)), details(finding.Details)})
				}
				if err := e.out.Table([]string{"HOST", "DRIFT", "DETAILS"}, rows); err != nil {
					return err
				}
				e.out.Printf("\n%d findings\n", len(findings))
				return nil
			})
		},
	}
}

func details(values map[string]string) string {
	parts := make([]string, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		parts = append(parts, key+"="+values[key])
	}
	return strings.Join(parts, " ")
}
