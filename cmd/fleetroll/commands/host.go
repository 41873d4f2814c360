// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/rollout"
)

func hostCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "host",
		Summary: "Inspect and administer individual hosts",
		Subcommands: []*cli.Command{
			hostShowCommand(g),
			hostDisableCommand(g),
			hostEnableCommand(g),
			hostArtifactCommand(g, "set-override", "Write an override to one host"),
			hostUnsetOverrideCommand(g),
			hostArtifactCommand(g, "set-vault", "Write vault content to one host"),
		},
	}
}

type hostView struct {
	Host        fleet.Host                 `json:"host"`
	Observation *fleet.ObservationSnapshot `json:"latest_observation,omitempty"`
}

func hostShowCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "show",
		Summary: "Show a host's record and latest observation",
		Usage:   "fleetroll host show HOST",
		Flags:   func() *pflag.FlagSet { return g.flags("show") },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll host show HOST"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				host, err := e.store.Host(ctx, fleet.NormalizeHostname(args[0]))
				if err != nil {
					return err
				}
				view := hostView{Host: host}
				if latest, ok, err := e.store.LatestObservation(ctx, host.Hostname); err != nil {
					return err
				} else if ok {
					view.Observation = &latest
				}
				if done, err := e.emit(view); done {
					return err
				}
				reachable := e.out.Bad("no")
				if host.SSHable {
					reachable = e.out.Good("yes")
				}
				e.out.Printf("host:        %s\n", host.Hostname)
				e.out.Printf("population:  %s\n", orDash(host.PopulationID))
				e.out.Printf("roles:       expected %s, observed %s\n", orDash(host.ExpectedRole), orDash(host.ObservedRole))
				e.out.Printf("reachable:   %s (last seen %s)\n", reachable, formatTime(host.LastSeen))
				e.out.Printf("override:    %s\n", shortSHA(host.OverrideSHA256))
				if host.Disabled {
					e.out.Printf("disabled:    %s by %s at %s\n", host.DisabledReason, host.DisabledBy, formatTime(host.DisabledAt))
				}
				return nil
			})
		},
	}
}

func hostDisableCommand(g *globals) *cli.Command {
	var reason string
	return &cli.Command{
		Name:    "disable",
		Summary: "Mark a host disabled",
		Usage:   "fleetroll host disable --reason TEXT HOST",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("disable")
			flagSet.StringVar(&reason, "reason", "", "why the host is disabled (required)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll host disable --reason TEXT HOST"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				host, err := e.engine.DisableHost(ctx, rollout.DisableRequest{
					Host:     args[0],
					Reason:   reason,
					Operator: e.operator(fleet.ApprovalAPI),
				})
				if err != nil {
					return err
				}
				e.out.Printf("disabled %s\n", host.Hostname)
				return nil
			})
		},
	}
}

func hostEnableCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:    "enable",
		Summary: "Clear a host's disabled flag",
		Usage:   "fleetroll host enable HOST",
		Flags:   func() *pflag.FlagSet { return g.flags("enable") },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll host enable HOST"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				host, err := e.engine.EnableHost(ctx, args[0], e.operator(fleet.ApprovalAPI))
				if err != nil {
					return err
				}
				e.out.Printf("enabled %s\n", host.Hostname)
				return nil
			})
		},
	}
}

// hostArtifactCommand builds set-override and set-vault, which differ
// only in the engine call.
func hostArtifactCommand(g *globals, name, summary string) *cli.Command {
	var file string
	var options override.WriteOptions
	usage := "fleetroll host " + name + " --file PATH HOST"
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   usage,
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags(name)
			flagSet.StringVar(&file, "file", "", "content to write (required)")
			flagSet.StringVar(&options.Mode, "mode", "", "octal file mode")
			flagSet.StringVar(&options.Owner, "owner", "", "file owner (default root)")
			flagSet.StringVar(&options.Group, "group", "", "file group (default root)")
			flagSet.BoolVar(&options.NoBackup, "no-backup", false, "do not back up the replaced file")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, usage); err != nil {
				return err
			}
			if file == "" {
				return fleet.Precondition("host."+name, "--file is required")
			}
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				request := rollout.ArtifactRequest{
					Host:     args[0],
					Content:  content,
					Options:  options,
					Operator: e.operator(fleet.ApprovalAPI),
				}
				var record fleet.AuditRecord
				if name == "set-vault" {
					record, err = e.engine.SetHostVault(ctx, request)
				} else {
					record, err = e.engine.SetHostOverride(ctx, request)
				}
				if err != nil {
					return err
				}
				return printRecord(e, record)
			})
		},
	}
}

func hostUnsetOverrideCommand(g *globals) *cli.Command {
	var noBackup bool
	return &cli.Command{
		Name:    "unset-override",
		Summary: "Snapshot and remove the override from one host",
		Usage:   "fleetroll host unset-override HOST",
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("unset-override")
			flagSet.BoolVar(&noBackup, "no-backup", false, "do not keep an on-host backup")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, 1, "fleetroll host unset-override HOST"); err != nil {
				return err
			}
			return g.run(ctx, func(e *env) error {
				record, err := e.engine.UnsetHostOverride(ctx, args[0], noBackup, e.operator(fleet.ApprovalAPI))
				if err != nil {
					return err
				}
				return printRecord(e, record)
			})
		},
	}
}

// printRecord reports the audit record of a completed mutation.
func printRecord(e *env, record fleet.AuditRecord) error {
	if done, err := e.emit(record); done {
		return err
	}
	e.out.Printf("%s #%d by %s: %s\n", record.Action, record.Sequence, record.Actor, joinHosts(record.Hosts))
	for _, artifact := range record.Artifacts {
		e.out.Printf("  %s %s\n", artifact.Host, orDash(artifact.Alias))
	}
	return nil
}
