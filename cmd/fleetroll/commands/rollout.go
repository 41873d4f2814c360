// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/gate"
	"github.com/bureau-foundation/fleetroll/lib/rollout"
)

func rolloutCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "rollout",
		Summary: "Create and drive staged override rollouts",
		Description: `A rollout applies one override to a population in stages. Stage 1
is the canary. Each advance evaluates the rollout's health gates; a
failing gate pauses the stage unless the advance is forced with a
reason. Once every target is staged the rollout is marked succeeded,
and finalize removes the override from every target.`,
		Subcommands: []*cli.Command{
			rolloutCreateCommand(g),
			rolloutStartCommand(g),
			rolloutIDCommand(g, "assess", "Evaluate the gates for the current stage", assess),
			rolloutAdvanceCommand(g),
			rolloutRollbackCommand(g),
			rolloutIDCommand(g, "succeed", "Mark a fully staged rollout succeeded", succeed),
			rolloutFinalizeCommand(g),
			rolloutIDCommand(g, "observe", "Check outcome gates after finalize", observe),
			rolloutIDCommand(g, "status", "Show a rollout and its stages", status),
			rolloutListCommand(g),
		},
	}
}

func rolloutCreateCommand(g *globals) *cli.Command {
	var population, overrideFile, descriptor, gatesFile, description string
	var canary int
	var batchPct float64
	var excluded []string
	return &cli.Command{
		Name:    "create",
		Summary: "Create a draft rollout",
		Usage:   "fleetroll rollout create --population NAME (--override-file PATH | --descriptor REF) [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("create")
			flagSet.StringVar(&population, "population", "", "population to roll out to (required)")
			flagSet.StringVar(&overrideFile, "override-file", "", "override content to roll out")
			flagSet.StringVar(&descriptor, "descriptor", "", "hash or alias of an override already in the blob store")
			flagSet.StringVar(&gatesFile, "gates", "", "JSONC gate configuration file")
			flagSet.IntVar(&canary, "canary", 1, "hosts in the canary stage")
			flagSet.Float64Var(&batchPct, "batch-pct", 25, "default stage size as a percentage of all targets")
			flagSet.StringSliceVar(&excluded, "exclude", nil, "hosts never to target")
			flagSet.StringVar(&description, "description", "", "free-form description")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			request := rollout.CreateRolloutRequest{
				Population:      population,
				Descriptor:      descriptor,
				CanarySize:      canary,
				DefaultBatchPct: batchPct,
				Excluded:        excluded,
				Description:     description,
			}
			if overrideFile != "" {
				content, err := os.ReadFile(overrideFile)
				if err != nil {
					return err
				}
				request.Override = content
			}
			if gatesFile != "" {
				gates, err := gate.ReadFile(gatesFile)
				if err != nil {
					return err
				}
				request.GateConfig = gates
			}
			return g.run(ctx, func(e *env) error {
				request.Operator = e.operator(fleet.ApprovalAPI)
				created, err := e.engine.CreateRollout(ctx, request)
				if err != nil {
					return err
				}
				if done, err := e.emit(created); done {
					return err
				}
				e.out.Printf("created rollout %s for %s (override %s)\n",
					created.ID, created.Population, shortSHA(created.ChangeDescriptor))
				return nil
			})
		},
	}
}

func rolloutStartCommand(g *globals) *cli.Command {
	var exclude []string
	return &cli.Command{
		Name:    "start",
		Summary: "Resolve targets and apply the canary stage",
		Usage:   "fleetroll rollout start [--exclude HOST,...] ID",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("start")
			flagSet.StringSliceVar(&exclude, "exclude", nil, "hosts to exclude, such as hosts already carrying an override")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll rollout start ID"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				stage, err := e.engine.Start(ctx, rollout.StartRequest{
					RolloutID: args[0],
					Exclude:   exclude,
					Operator:  e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				return printStage(e, stage)
			})
		},
	}
}

func rolloutAdvanceCommand(g *globals) *cli.Command {
	var batch int
	var force bool
	var reason string
	return &cli.Command{
		Name:    "advance",
		Summary: "Evaluate gates and apply the next stage",
		Usage:   "fleetroll rollout advance [--batch N] [--force --reason TEXT] ID",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("advance")
			flagSet.IntVar(&batch, "batch", 0, "hosts in the next stage (default: the rollout's batch percentage)")
			flagSet.BoolVar(&force, "force", false, "advance even when gates fail")
			flagSet.StringVar(&reason, "reason", "", "why the advance is forced (required with --force)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll rollout advance ID"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				approval := fleet.ApprovalAPI
				if force {
					approval = fleet.ApprovalFlag
				}
				result, err := e.engine.Advance(ctx, rollout.AdvanceRequest{
					RolloutID:   args[0],
					BatchSize:   batch,
					Force:       force,
					ForceReason: reason,
					Operator:    e.operator(approval),
				})
				if errors.Is(err, fleet.ErrGateFailure) {
					printEvaluation(e.out, result.Evaluation)
					return err
				}
				if err != nil {
					return err
				}
				if done, err := e.emit(result); done {
					return err
				}
				printEvaluation(e.out, result.Evaluation)
				return printStage(e, result.Next)
			})
		},
	}
}

func rolloutRollbackCommand(g *globals) *cli.Command {
	var reason string
	return &cli.Command{
		Name:    "rollback",
		Summary: "Abort a rollout without touching hosts",
		Usage:   "fleetroll rollout rollback [--reason TEXT] ID",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("rollback")
			flagSet.StringVar(&reason, "reason", "", "why the rollout is abandoned")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll rollout rollback ID"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				aborted, err := e.engine.Rollback(ctx, rollout.RollbackRequest{
					RolloutID: args[0],
					Reason:    reason,
					Operator:  e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(aborted); done {
					return err
				}
				e.out.Printf("rollout %s %s; overrides already applied remain on their hosts\n",
					aborted.ID, e.out.Bad(string(aborted.Status)))
				return nil
			})
		},
	}
}

func rolloutFinalizeCommand(g *globals) *cli.Command {
	var confirm, noBackup bool
	return &cli.Command{
		Name:    "finalize",
		Summary: "Snapshot and remove the override from every target",
		Usage:   "fleetroll rollout finalize [--confirm] [--no-backup] ID",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("finalize")
			flagSet.BoolVar(&confirm, "confirm", false, "confirm without prompting")
			flagSet.BoolVar(&noBackup, "no-backup", false, "do not keep on-host backups of removed files")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll rollout finalize ID"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				approval := fleet.ApprovalFlag
				if !confirm {
					current, err := e.store.Rollout(ctx, args[0])
					if err != nil {
						return err
					}
					confirm, err = cli.Confirm(fmt.Sprintf("Remove the override from %d hosts of rollout %s?",
						len(current.Targets), current.ID))
					if err != nil {
						return err
					}
					approval = fleet.ApprovalInteractive
				}
				result, err := e.engine.Finalize(ctx, rollout.FinalizeRequest{
					RolloutID: args[0],
					Confirm:   confirm,
					NoBackup:  noBackup,
					Operator:  e.operator(approval),
				})
				if err != nil {
					return err
				}
				if done, err := e.emit(result); done {
					return err
				}
				failed := result.Failed()
				e.out.Printf("rollout %s %s: %d snapshots, %d removals failed\n",
					result.Rollout.ID, e.out.Good(string(result.Rollout.Status)), len(result.Snapshots), len(failed))
				if len(failed) > 0 {
					e.out.Printf("override left on: %s\n", e.out.Warn(joinHosts(failed)))
				}
				return nil
			})
		},
	}
}

func rolloutListCommand(g *globals) *cli.Command {
	var population string
	return &cli.Command{
		Name:    "list",
		Summary: "List rollouts",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("list")
			flagSet.StringVar(&population, "population", "", "only rollouts of this population")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				rollouts, err := e.store.Rollouts(ctx, population)
				if err != nil {
					return err
				}
				if done, err := e.emit(rollouts); done {
					return err
				}
				rows := make([][]string, 0, len(rollouts))
				for _, r := range rollouts {
					rows = append(rows, []string{
						r.ID, r.Population, string(r.Status), strconv.Itoa(len(r.Targets)),
						shortSHA(r.ChangeDescriptor), formatTime(r.CreatedAt),
					})
				}
				return e.out.Table([]string{"ID", "POPULATION", "STATUS", "TARGETS", "OVERRIDE", "CREATED"}, rows)
			})
		},
	}
}

// rolloutIDCommand builds the commands that take only a rollout ID.
func rolloutIDCommand(g *globals, name, summary string, action func(ctx context.Context, e *env, id string) error) *cli.Command {
	usage := "fleetroll rollout " + name + " ID"
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   usage,
		Flags:   func() *pflag.FlagSet { return g.flags(name) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, usage); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error { return action(ctx, e, args[0]) })
		},
	}
}

func assess(ctx context.Context, e *env, id string) error {
	evaluation, err := e.engine.Assess(ctx, id, e.operator(fleet.ApprovalAPI))
	if err != nil {
		return err
	}
	if done, err := e.emit(evaluation); done {
		return err
	}
	printEvaluation(e.out, evaluation)
	return nil
}

func succeed(ctx context.Context, e *env, id string) error {
	succeeded, err := e.engine.Succeed(ctx, id, e.operator(fleet.ApprovalAPI))
	if err != nil {
		return err
	}
	if done, err := e.emit(succeeded); done {
		return err
	}
	e.out.Printf("rollout %s %s; finalize to remove the override\n", succeeded.ID, e.out.Good(string(succeeded.Status)))
	return nil
}

func observe(ctx context.Context, e *env, id string) error {
	observation, err := e.engine.ObserveAfterFinalize(ctx, id, e.operator(fleet.ApprovalAPI))
	if err != nil {
		return err
	}
	if done, err := e.emit(observation); done {
		return err
	}
	printEvaluation(e.out, observation.Evaluation)
	if observation.Notify {
		e.out.Printf("%s: outcome gates dropped severely after finalize\n", e.out.Bad("ALERT"))
		return &cli.ExitError{Code: 3}
	}
	return nil
}

func status(ctx context.Context, e *env, id string) error {
	current, err := e.engine.Status(ctx, id)
	if err != nil {
		return err
	}
	if done, err := e.emit(current); done {
		return err
	}
	r := current.Rollout
	e.out.Printf("rollout %s (%s) on %s: %d targets, %d remaining\n",
		r.ID, string(r.Status), r.Population, len(r.Targets), len(current.Remaining))
	rows := make([][]string, 0, len(current.Stages))
	for _, stage := range current.Stages {
		forced := ""
		if stage.Forced {
			forced = e.out.Warn("forced: " + stage.ForceReason)
		}
		rows = append(rows, []string{
			strconv.Itoa(stage.Sequence), string(stage.Status), strconv.Itoa(len(stage.Targets)),
			formatTime(stage.AppliedAt), formatTime(stage.DecidedAt), forced,
		})
	}
	return e.out.Table([]string{"STAGE", "STATUS", "HOSTS", "APPLIED", "DECIDED", ""}, rows)
}

func printStage(e *env, stage fleet.Stage) error {
	if done, err := e.emit(stage); done {
		return err
	}
	e.out.Printf("stage %d %s on %d hosts: %s\n",
		stage.Sequence, string(stage.Status), len(stage.Targets), joinHosts(stage.Targets))
	for _, result := range stage.ApplyResults {
		if !result.OK {
			e.out.Printf("  %s %s\n", e.out.Bad(result.Host), result.Error)
		}
	}
	return nil
}

func printEvaluation(out *cli.Output, evaluation fleet.GateEvaluation) {
	for _, result := range evaluation.Results {
		mark := out.Good("pass")
		if !result.Passed {
			mark = out.Bad("FAIL")
		}
		out.Printf("  %s  %s\n", mark, result.String())
	}
}
