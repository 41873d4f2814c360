// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package override

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/remote"
)

// Config holds the parameters for an Applier.
type Config struct {
	Runner remote.Runner

	// Timeout bounds each remote command. Zero means 60s.
	Timeout time.Duration

	// Workers bounds concurrent hosts in WriteAll and RemoveAll. Zero
	// means 16.
	Workers int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Applier writes and removes artifacts on hosts.
type Applier struct {
	runner  remote.Runner
	timeout time.Duration
	workers int
	clock   clock.Clock
	logger  *slog.Logger
}

// NewApplier returns an Applier.
func NewApplier(cfg Config) *Applier {
	applier := &Applier{
		runner:  cfg.Runner,
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
	if applier.timeout <= 0 {
		applier.timeout = 60 * time.Second
	}
	if applier.workers <= 0 {
		applier.workers = 16
	}
	if applier.clock == nil {
		applier.clock = clock.Real()
	}
	if applier.logger == nil {
		applier.logger = slog.New(slog.DiscardHandler)
	}
	return applier
}

// BackupSuffix returns the backup suffix for a change made now.
func (a *Applier) BackupSuffix() string {
	return a.clock.Now().UTC().Format(BackupSuffixFormat)
}

// Write installs content as target on host and reports whether the
// file content changed. A non-zero exit is a transport failure.
func (a *Applier) Write(ctx context.Context, host string, target Target, content []byte, options WriteOptions) (bool, error) {
	if options.BackupSuffix == "" {
		options.BackupSuffix = a.BackupSuffix()
	}
	result, err := a.runner.Run(ctx, host, remote.Command{
		Name:    target.Name + ".write",
		Script:  WriteScript(target, options),
		Stdin:   content,
		Timeout: a.timeout,
	})
	if err != nil {
		return false, hostFailure(target.Name+".write", host, err)
	}
	if !result.OK() {
		return false, hostFailure(target.Name+".write", host, exitError(result))
	}
	switch value := outputValue(result.Stdout, "CONTENT_CHANGED"); value {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, hostFailure(target.Name+".write", host,
			fmt.Errorf("unexpected script output %q", strings.TrimSpace(result.Stdout)))
	}
}

// Remove deletes target from host and reports whether a file was
// there.
func (a *Applier) Remove(ctx context.Context, host string, target Target, noBackup bool) (bool, error) {
	result, err := a.runner.Run(ctx, host, remote.Command{
		Name:    target.Name + ".remove",
		Script:  RemoveScript(target, noBackup, a.BackupSuffix()),
		Timeout: a.timeout,
	})
	if err != nil {
		return false, hostFailure(target.Name+".remove", host, err)
	}
	if !result.OK() {
		return false, hostFailure(target.Name+".remove", host, exitError(result))
	}
	switch value := outputValue(result.Stdout, "REMOVED"); value {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, hostFailure(target.Name+".remove", host,
			fmt.Errorf("unexpected script output %q", strings.TrimSpace(result.Stdout)))
	}
}

// Read returns the content of target on host. An absent file is a
// not-found precondition error.
func (a *Applier) Read(ctx context.Context, host string, target Target) ([]byte, error) {
	result, err := a.runner.Run(ctx, host, remote.Command{
		Name:    target.Name + ".read",
		Script:  ReadScript(target),
		Timeout: a.timeout,
	})
	if err != nil {
		return nil, hostFailure(target.Name+".read", host, err)
	}
	if result.ExitCode == ExitAbsent {
		return nil, fleet.NotFound(target.Name+".read", target.Name+" on host", host)
	}
	if !result.OK() {
		return nil, hostFailure(target.Name+".read", host, exitError(result))
	}
	return []byte(result.Stdout), nil
}

// WriteAll writes content to every host concurrently. Results are in
// hosts order.
func (a *Applier) WriteAll(ctx context.Context, hosts []string, target Target, content []byte, options WriteOptions) []fleet.HostApplyResult {
	if options.BackupSuffix == "" {
		options.BackupSuffix = a.BackupSuffix()
	}
	return a.fanOut(ctx, hosts, func(ctx context.Context, host string) (bool, error) {
		return a.Write(ctx, host, target, content, options)
	})
}

// RemoveAll removes target from every host concurrently. Results are
// in hosts order.
func (a *Applier) RemoveAll(ctx context.Context, hosts []string, target Target, noBackup bool) []fleet.HostApplyResult {
	return a.fanOut(ctx, hosts, func(ctx context.Context, host string) (bool, error) {
		return a.Remove(ctx, host, target, noBackup)
	})
}

// ReadResult is one host's outcome of ReadAll.
type ReadResult struct {
	Host    string
	Content []byte
	Err     error
}

// ReadAll reads target from every host concurrently. Results are in
// hosts order.
func (a *Applier) ReadAll(ctx context.Context, hosts []string, target Target) []ReadResult {
	results := make([]ReadResult, len(hosts))
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(a.workers)
	for i, host := range hosts {
		group.Go(func() error {
			content, err := a.Read(groupContext, host, target)
			results[i] = ReadResult{Host: host, Content: content, Err: err}
			return nil
		})
	}
	group.Wait()
	return results
}

func (a *Applier) fanOut(ctx context.Context, hosts []string, apply func(context.Context, string) (bool, error)) []fleet.HostApplyResult {
	results := make([]fleet.HostApplyResult, len(hosts))
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(a.workers)
	for i, host := range hosts {
		group.Go(func() error {
			changed, err := apply(groupContext, host)
			results[i] = fleet.HostApplyResult{Host: host, OK: err == nil, Changed: changed}
			if err != nil {
				results[i].Error = err.Error()
				a.logger.Warn("artifact change failed", "host", host, "error", err)
			}
			// Per-host failures never cancel the other hosts.
			return nil
		})
	}
	group.Wait()
	return results
}

// Failed returns the hosts whose result is not OK.
func Failed(results []fleet.HostApplyResult) []string {
	var failed []string
	for _, result := range results {
		if !result.OK {
			failed = append(failed, result.Host)
		}
	}
	return failed
}

func outputValue(stdout, key string) string {
	for line := range strings.Lines(stdout) {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), key+"="); ok {
			return value
		}
	}
	return ""
}

func exitError(result remote.Result) error {
	message := strings.TrimSpace(result.Stderr)
	if result.TimedOut() {
		return fmt.Errorf("timed out")
	}
	if message == "" {
		return fmt.Errorf("exit %d", result.ExitCode)
	}
	return fmt.Errorf("exit %d: %s", result.ExitCode, message)
}

func hostFailure(op, host string, err error) error {
	failure := fleet.Transport(op, err)
	failure.Hosts = []string{host}
	return failure
}
