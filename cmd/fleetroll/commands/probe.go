// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/probe"
)

func probeCommand(g *globals) *cli.Command {
	var workers int
	var hostsFile, workersFile string
	return &cli.Command{
		Name:    "probe",
		Summary: "Probe hosts and record their observed state",
		Usage:   "fleetroll probe [flags] [HOST...]",
		Description: `Probe runs the probe protocol against the named hosts, the hosts
listed in --hosts-file, or every known host when none are given, and
records one observation snapshot per host. Unreachable hosts are
recorded too; probing never fails because a host is down.`,
		Flags: func() *pflag.FlagSet {
			flagSet := g.flags("probe")
			flagSet.IntVar(&workers, "workers", 0, "concurrent hosts (default probe.workers)")
			flagSet.StringVar(&hostsFile, "hosts-file", "", "file with one hostname per line")
			flagSet.StringVar(&workersFile, "scheduler-workers", "", "JSON file of scheduler worker records to correlate")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return g.run(ctx, func(e *env) error {
				hosts, err := probeTargets(ctx, e, args, hostsFile)
				if err != nil {
					return err
				}
				if len(hosts) == 0 {
					return fleet.Precondition("probe", "no hosts to probe")
				}
				config := probe.Config{
					Runner:      e.runner,
					Recorder:    e.store,
					Blobs:       e.blobs,
					RoleMapping: e.cfg.Scheduler.RoleMapping,
					Workers:     e.cfg.Probe.Workers,
					Timeout:     e.cfg.Probe.Timeout,
					Clock:       e.clock,
					Registerer:  e.registry,
					Logger:      e.logger,
				}
				if workers > 0 {
					config.Workers = workers
				}
				if workersFile != "" {
					source, err := probe.LoadWorkerFile(workersFile)
					if err != nil {
						return err
					}
					config.Scheduler = source
				}
				prober, err := probe.New(config)
				if err != nil {
					return err
				}
				report, err := prober.Probe(ctx, hosts)
				if err != nil {
					return err
				}
				if done, err := e.emit(report); done {
					return err
				}
				return printProbeReport(e.out, report)
			})
		},
	}
}

func probeTargets(ctx context.Context, e *env, args []string, hostsFile string) ([]string, error) {
	hosts := append([]string(nil), args...)
	if hostsFile != "" {
		data, err := os.ReadFile(hostsFile)
		if err != nil {
			return nil, err
		}
		for line := range strings.Lines(string(data)) {
			line, _, _ = strings.Cut(line, "#")
			if line = strings.TrimSpace(line); line != "" {
				hosts = append(hosts, line)
			}
		}
	}
	if len(hosts) > 0 {
		return hosts, nil
	}
	known, err := e.store.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, host := range known {
		hosts = append(hosts, host.Hostname)
	}
	return hosts, nil
}

func printProbeReport(out *cli.Output, report probe.Report) error {
	rows := make([][]string, 0, len(report.Snapshots))
	for _, snapshot := range report.Snapshots {
		status := out.Good("ok")
		switch {
		case !snapshot.SSH.OK():
			status = out.Bad("unreachable")
		case !snapshot.OK():
			status = out.Warn("partial")
		}
		override := "-"
		if snapshot.Override.Present {
			override = shortSHA(snapshot.Override.SHA256)
		}
		rows = append(rows, []string{
			snapshot.Host,
			status,
			orDash(snapshot.Role.Role),
			override,
			orDash(snapshot.State.GitSHA),
		})
	}
	if err := out.Table([]string{"HOST", "STATUS", "ROLE", "OVERRIDE", "APPLIED SHA"}, rows); err != nil {
		return err
	}
	ok, partial, unreachable := report.Counts()
	out.Printf("\n%d ok, %d partial, %d unreachable in %s\n",
		ok, partial, unreachable, report.Finished.Sub(report.Started).Round(time.Millisecond))
	return nil
}
