// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/rollout"
)

func populationCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "population",
		Summary: "Manage host populations",
		Subcommands: []*cli.Command{
			populationCreateCommand(g),
			populationAssignCommand(g),
			populationUnassignCommand(g),
			populationListCommand(g),
		},
	}
}

func populationCreateCommand(g *globals) *cli.Command {
	var role, query, description string
	return &cli.Command{
		Name:    "create",
		Summary: "Create a population",
		Usage:   "fleetroll population create --role ROLE [flags] NAME",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("create")
			flagSet.StringVar(&role, "role", "", "expected role of member hosts (required)")
			flagSet.StringVar(&query, "query", "", "target query narrowing rollout targets, e.g. sshable=true")
			flagSet.StringVar(&description, "description", "", "free-form description")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll population create --role ROLE NAME"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				population, err := e.engine.CreatePopulation(ctx, rollout.CreatePopulationRequest{
					Name:         args[0],
					ExpectedRole: role,
					TargetQuery:  query,
					Description:  description,
					Operator:     e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(population); done {
					return err
				}
				e.out.Printf("created population %s (role %s)\n", population.Name, population.ExpectedRole)
				return nil
			})
		},
	}
}

func populationAssignCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "assign",
		Summary: "Assign hosts to a population",
		Usage:   "fleetroll population assign NAME HOST...",
		Flags:   func() *pflag.FlagSet { return g.flags("assign") },
		Run: func(ctx context.Context, args []string) error {
			if len(args) < 2 {
				return fleet.Precondition("host.assign", "usage: fleetroll population assign NAME HOST...")
			}
			return g.run(ctx, func(e *env) error {
				hosts, err := e.engine.AssignHosts(ctx, rollout.AssignRequest{
					Population: args[0],
					Hosts:      args[1:],
					Operator:   e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(hosts); done {
					return err
				}
				e.out.Printf("assigned %d hosts to %s\n", len(hosts), args[0])
				return nil
			})
		},
	}
}

func populationUnassignCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "unassign",
		Summary: "Remove hosts from their population",
		Usage:   "fleetroll population unassign HOST...",
		Flags:   func() *pflag.FlagSet { return g.flags("unassign") },
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fleet.Precondition("host.unassign", "usage: fleetroll population unassign HOST...")
			}
			return g.run(ctx, func(e *env) error {
				hosts, err := e.engine.UnassignHosts(ctx, rollout.UnassignRequest{
					Hosts:    args,
					Operator: e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(hosts); done {
					return err
				}
				e.out.Printf("unassigned %d hosts\n", len(hosts))
				return nil
			})
		},
	}
}

func populationListCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "list",
		Summary: "List populations",
		Flags:   func() *pflag.FlagSet { return g.flags("list") },
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				populations, err := e.store.Populations(ctx)
				if err != nil {
					return err
				}
				if done, err := e.emit(populations); done {
					return err
				}
				rows := make([][]string, 0, len(populations))
				for _, population := range populations {
					rows = append(rows, []string{
						population.Name,
						population.ExpectedRole,
						orDash(population.TargetQuery),
						formatTime(population.CreatedAt),
						orDash(population.Description),
					})
				}
				return e.out.Table([]string{"NAME", "ROLE", "QUERY", "CREATED", "DESCRIPTION"}, rows)
			})
		},
	}
}
