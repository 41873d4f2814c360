// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/fleetroll/lib/binhash"
	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/remote"
)

// Resolver resolves hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Recorder persists probe results. *store.Store satisfies it.
type Recorder interface {
	RecordObservation(ctx context.Context, snapshot fleet.ObservationSnapshot) (fleet.Host, error)
	RecordSchedulerWorker(ctx context.Context, worker fleet.SchedulerWorker) error
	Host(ctx context.Context, hostname string) (fleet.Host, error)
}

// BlobPutter stores observed artifact content. *blobstore.Store
// satisfies it.
type BlobPutter interface {
	Put(kind blobstore.Kind, content []byte, host string) (blobstore.Ref, error)
}

// Config holds the parameters for a Prober.
type Config struct {
	Runner   remote.Runner
	Recorder Recorder

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver

	// Blobs receives observed override content. Nil skips storage.
	Blobs BlobPutter

	// Scheduler supplies worker records for hosts whose role maps to
	// a worker type in RoleMapping. Nil fails the correlation step of
	// such hosts.
	Scheduler   SchedulerSource
	RoleMapping fleet.RoleMapping

	// Workers bounds concurrently probed hosts. Zero means 16.
	Workers int

	// Timeout bounds each step on each host. Zero means 60s.
	Timeout time.Duration

	// Attempts is how many times the SSH reachability step is tried
	// when the connection itself fails. Zero means 1.
	Attempts int

	// RetryDelay separates SSH attempts. Zero means 2s.
	RetryDelay time.Duration

	Clock clock.Clock

	// Registerer receives the prober's metrics. Nil uses a private
	// registry.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Prober runs the probe protocol against hosts.
type Prober struct {
	runner      remote.Runner
	recorder    Recorder
	resolver    Resolver
	blobs       BlobPutter
	scheduler   SchedulerSource
	roleMapping fleet.RoleMapping
	workers     int
	timeout     time.Duration
	attempts    int
	retryDelay  time.Duration
	clock       clock.Clock
	metrics     *Metrics
	logger      *slog.Logger
}

// New returns a Prober. Runner and Recorder are required.
func New(cfg Config) (*Prober, error) {
	if cfg.Runner == nil {
		return nil, errors.New("probe: Runner is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("probe: Recorder is required")
	}
	prober := &Prober{
		runner:      cfg.Runner,
		recorder:    cfg.Recorder,
		resolver:    cfg.Resolver,
		blobs:       cfg.Blobs,
		scheduler:   cfg.Scheduler,
		roleMapping: cfg.RoleMapping,
		workers:     cfg.Workers,
		timeout:     cfg.Timeout,
		attempts:    cfg.Attempts,
		retryDelay:  cfg.RetryDelay,
		clock:       cfg.Clock,
		metrics:     NewMetrics(cfg.Registerer),
		logger:      cfg.Logger,
	}
	if prober.resolver == nil {
		prober.resolver = net.DefaultResolver
	}
	if prober.workers <= 0 {
		prober.workers = 16
	}
	if prober.timeout <= 0 {
		prober.timeout = 60 * time.Second
	}
	if prober.attempts <= 0 {
		prober.attempts = 1
	}
	if prober.retryDelay <= 0 {
		prober.retryDelay = 2 * time.Second
	}
	if prober.clock == nil {
		prober.clock = clock.Real()
	}
	if prober.logger == nil {
		prober.logger = slog.New(slog.DiscardHandler)
	}
	return prober, nil
}

// Metrics returns the prober's instruments.
func (p *Prober) Metrics() *Metrics { return p.metrics }

// Report summarizes one probe pass.
type Report struct {
	Started  time.Time
	Finished time.Time

	// Snapshots holds one snapshot per distinct host, in natural
	// hostname order.
	Snapshots []fleet.ObservationSnapshot
}

// Counts returns how many snapshots were fully reachable, partially
// reachable, and unreachable.
func (r Report) Counts() (ok, partial, unreachable int) {
	for _, snapshot := range r.Snapshots {
		switch outcome(snapshot) {
		case OutcomeOK:
			ok++
		case OutcomePartial:
			partial++
		default:
			unreachable++
		}
	}
	return ok, partial, unreachable
}

// Probe runs the protocol against every host with bounded concurrency
// and records one snapshot per host. Host failures never fail the
// pass; the returned error joins failures to record snapshots and is
// non-nil only for storage problems or cancellation.
func (p *Prober) Probe(ctx context.Context, hosts []string) (Report, error) {
	report := Report{Started: p.clock.Now()}

	var names []string
	seen := make(map[string]bool)
	for _, host := range hosts {
		name := fleet.NormalizeHostname(host)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case fleet.NaturalLess(a, b):
			return -1
		case fleet.NaturalLess(b, a):
			return 1
		}
		return 0
	})

	snapshots := make([]fleet.ObservationSnapshot, len(names))
	var (
		mu           sync.Mutex
		recordErrors []error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)
	for index, name := range names {
		group.Go(func() error {
			snapshot := p.ProbeHost(groupCtx, name)
			snapshots[index] = snapshot
			if _, err := p.recorder.RecordObservation(context.WithoutCancel(groupCtx), snapshot); err != nil {
				p.logger.Error("recording observation failed", "host", name, "error", err)
				mu.Lock()
				recordErrors = append(recordErrors, fmt.Errorf("recording %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()

	report.Snapshots = snapshots
	report.Finished = p.clock.Now()
	if err := ctx.Err(); err != nil {
		recordErrors = append(recordErrors, err)
	}
	ok, partial, unreachable := report.Counts()
	p.logger.Info("probe pass complete",
		"hosts", len(names),
		"ok", ok,
		"partial", partial,
		"unreachable", unreachable,
		"duration", report.Finished.Sub(report.Started),
	)
	return report, errors.Join(recordErrors...)
}

// ProbeHost runs the protocol against one host and returns its
// snapshot without recording it. Every step is attempted; a step
// that fails records its failure in the snapshot.
func (p *Prober) ProbeHost(ctx context.Context, host string) fleet.ObservationSnapshot {
	p.metrics.InFlight.Inc()
	start := p.clock.Now()
	defer func() {
		p.metrics.InFlight.Dec()
		p.metrics.HostDuration.Observe(p.clock.Now().Sub(start).Seconds())
	}()

	snapshot := fleet.Unreachable(host, start.UTC(), "ssh unreachable")
	snapshot.DNS, snapshot.Addresses = p.resolve(ctx, host)
	snapshot.SSH = p.checkSSH(ctx, host)

	if snapshot.SSH.OK() {
		snapshot.Sudo = p.step(ctx, host, CommandSudo, sudoScript).step
		if snapshot.Sudo.OK() {
			p.readRole(ctx, host, &snapshot)
			p.readArtifacts(ctx, host, &snapshot)
			p.readState(ctx, host, &snapshot)
		} else {
			denied := fleet.StepResult{Status: fleet.StepFailed, Error: "sudo unavailable"}
			snapshot.Role.Step = denied
			snapshot.Override.Step = denied
			snapshot.Vault.Step = denied
			snapshot.StateStep = denied
		}
	}
	snapshot.Scheduler = p.correlate(ctx, host, snapshot)

	result := outcome(snapshot)
	p.metrics.Hosts.WithLabelValues(result).Inc()
	for name, step := range map[string]fleet.StepResult{
		"dns":       snapshot.DNS,
		"ssh":       snapshot.SSH,
		"sudo":      snapshot.Sudo,
		"role":      snapshot.Role.Step,
		"artifacts": snapshot.Override.Step,
		"state":     snapshot.StateStep,
		"scheduler": snapshot.Scheduler.Step,
	} {
		if !step.OK() {
			p.metrics.StepFailures.WithLabelValues(name).Inc()
		}
	}
	if result != OutcomeOK {
		p.logger.Warn("host probe incomplete",
			"host", host,
			"outcome", result,
			"ssh", snapshot.SSH.Status,
			"sudo", snapshot.Sudo.Status,
			"error", firstError(snapshot),
		)
	}
	return snapshot
}

func outcome(snapshot fleet.ObservationSnapshot) string {
	switch {
	case !snapshot.SSH.OK():
		return OutcomeUnreachable
	case snapshot.Sudo.OK() && snapshot.Role.Step.OK() && snapshot.Override.Step.OK() && snapshot.StateStep.OK():
		return OutcomeOK
	}
	return OutcomePartial
}

func firstError(snapshot fleet.ObservationSnapshot) string {
	for _, step := range []fleet.StepResult{
		snapshot.SSH, snapshot.Sudo, snapshot.Role.Step, snapshot.Override.Step, snapshot.StateStep,
	} {
		if step.Error != "" {
			return step.Error
		}
	}
	return ""
}

func (p *Prober) resolve(ctx context.Context, host string) (fleet.StepResult, []string) {
	if net.ParseIP(host) != nil {
		return fleet.StepResult{Status: fleet.StepOK}, []string{host}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	addresses, err := p.resolver.LookupHost(lookupCtx, host)
	if err != nil {
		return fleet.StepResult{Status: fleet.StepUnreachable, Error: err.Error()}, nil
	}
	addresses = slices.Clone(addresses)
	slices.Sort(addresses)
	return fleet.StepResult{Status: fleet.StepOK}, slices.Compact(addresses)
}

func (p *Prober) checkSSH(ctx context.Context, host string) fleet.StepResult {
	var run stepOutcome
	for attempt := 1; attempt <= p.attempts; attempt++ {
		run = p.step(ctx, host, CommandSSH, sshScript)
		if run.step.OK() || !run.retryable || attempt == p.attempts {
			break
		}
		p.logger.Debug("ssh attempt failed, retrying", "host", host, "attempt", attempt, "error", run.step.Error)
		select {
		case <-ctx.Done():
			return fleet.StepResult{Status: fleet.StepUnreachable, Error: ctx.Err().Error()}
		case <-p.clock.After(p.retryDelay):
		}
	}
	return run.step
}

type stepOutcome struct {
	step      fleet.StepResult
	result    remote.Result
	retryable bool
}

// step runs one protocol command and classifies its result. Transport
// errors, timeouts and connection failures are unreachable; any other
// non-zero exit is a failure of the step itself.
func (p *Prober) step(ctx context.Context, host, name, script string) stepOutcome {
	result, err := p.runner.Run(ctx, host, remote.Command{Name: name, Script: script, Timeout: p.timeout})
	switch {
	case err != nil:
		return stepOutcome{step: fleet.StepResult{Status: fleet.StepUnreachable, Error: err.Error()}}
	case result.TimedOut():
		return stepOutcome{
			step:   fleet.StepResult{Status: fleet.StepUnreachable, ExitCode: result.ExitCode, Error: "timed out"},
			result: result,
		}
	case result.ConnectionFailed():
		return stepOutcome{
			step:      fleet.StepResult{Status: fleet.StepUnreachable, ExitCode: result.ExitCode, Error: stderrLine(result)},
			result:    result,
			retryable: true,
		}
	case !result.OK():
		return stepOutcome{
			step:   fleet.StepResult{Status: fleet.StepFailed, ExitCode: result.ExitCode, Error: stderrLine(result)},
			result: result,
		}
	}
	return stepOutcome{step: fleet.StepResult{Status: fleet.StepOK}, result: result}
}

func stderrLine(result remote.Result) string {
	message := strings.TrimSpace(result.Stderr)
	if line, _, found := strings.Cut(message, "\n"); found {
		message = line
	}
	if message == "" {
		message = fmt.Sprintf("exit status %d", result.ExitCode)
	}
	return message
}

func malformed(what string) fleet.StepResult {
	return fleet.StepResult{Status: fleet.StepFailed, Error: "malformed output: missing " + what}
}

func (p *Prober) readRole(ctx context.Context, host string, snapshot *fleet.ObservationSnapshot) {
	run := p.step(ctx, host, CommandRole, roleScript)
	snapshot.Role.Step = run.step
	if !run.step.OK() {
		return
	}
	values := ParseKV(run.result.Stdout)
	snapshot.OSType = values["OS_TYPE"]
	present, ok := values["ROLE_PRESENT"]
	if !ok {
		snapshot.Role.Step = malformed("ROLE_PRESENT")
		return
	}
	snapshot.Role.Present = present == "1"
	if snapshot.Role.Present {
		snapshot.Role.Role = strings.TrimSpace(values["ROLE"])
	}
}

func (p *Prober) readArtifacts(ctx context.Context, host string, snapshot *fleet.ObservationSnapshot) {
	run := p.step(ctx, host, CommandArtifacts, artifactsScript)
	snapshot.Override.Step = run.step
	snapshot.Vault.Step = run.step
	if !run.step.OK() {
		return
	}
	header, content, found := SplitContent([]byte(run.result.Stdout))
	values := ParseKV(header)

	if present, ok := values["VLT_PRESENT"]; !ok {
		snapshot.Vault.Step = malformed("VLT_PRESENT")
	} else if present == "1" {
		snapshot.Vault.Present = true
		snapshot.Vault.SHA256 = strings.ToLower(values["VLT_SHA256"])
		snapshot.Vault.Meta = ParseFileMeta(values, "VLT")
	}

	present, ok := values["OVERRIDE_PRESENT"]
	switch {
	case !ok:
		snapshot.Override.Step = malformed("OVERRIDE_PRESENT")
		return
	case present != "1":
		return
	case !found:
		snapshot.Override.Step = malformed(ContentSentinel)
		return
	}
	snapshot.Override.Present = true
	snapshot.Override.SHA256 = binhash.Sum(content)
	snapshot.Override.Meta = ParseFileMeta(values, "OVERRIDE")
	if p.blobs != nil {
		if _, err := p.blobs.Put(blobstore.KindOverride, content, host); err != nil {
			p.logger.Warn("storing observed override failed", "host", host, "sha256", snapshot.Override.SHA256, "error", err)
		}
	}
}

func (p *Prober) readState(ctx context.Context, host string, snapshot *fleet.ObservationSnapshot) {
	run := p.step(ctx, host, CommandState, stateScript)
	snapshot.StateStep = run.step
	if !run.step.OK() {
		return
	}
	record, err := ParseState(ParseKV(run.result.Stdout))
	snapshot.State = record
	if err != nil {
		snapshot.StateStep = fleet.StepResult{Status: fleet.StepFailed, Error: err.Error()}
	}
}

// correlate finds the host in the job scheduler. The role comes from
// this probe when it was read, otherwise from what is stored for the
// host.
func (p *Prober) correlate(ctx context.Context, host string, snapshot fleet.ObservationSnapshot) fleet.SchedulerCorrelation {
	role := ""
	if snapshot.Role.Step.OK() && snapshot.Role.Present {
		role = snapshot.Role.Role
	} else if stored, err := p.recorder.Host(ctx, host); err == nil {
		role = stored.ObservedRole
		if role == "" {
			role = stored.ExpectedRole
		}
	} else if !fleet.IsNotFound(err) {
		return fleet.SchedulerCorrelation{Step: fleet.StepResult{Status: fleet.StepFailed, Error: err.Error()}}
	}

	correlation := fleet.SchedulerCorrelation{Step: fleet.StepResult{Status: fleet.StepOK}}
	ref, mapped := p.roleMapping.Resolve(role)
	if role == "" || !mapped {
		return correlation
	}
	correlation.Expected = true
	correlation.ExpectedProvisioner = ref.Provisioner
	correlation.ExpectedWorkerType = ref.WorkerType
	if p.scheduler == nil {
		correlation.Step = fleet.StepResult{Status: fleet.StepFailed, Error: "no scheduler source configured"}
		return correlation
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	worker, found, err := p.scheduler.Worker(lookupCtx, ref, fleet.ShortHostname(host))
	if err != nil {
		correlation.Step = fleet.StepResult{Status: fleet.StepFailed, Error: err.Error()}
		return correlation
	}
	if !found {
		return correlation
	}
	worker.Host = host
	correlation.Found = true
	correlation.Worker = &worker

	recorded := worker
	if recorded.ScannedAt.IsZero() {
		recorded.ScannedAt = snapshot.ObservedAt
	}
	if err := p.recorder.RecordSchedulerWorker(context.WithoutCancel(ctx), recorded); err != nil {
		p.logger.Warn("recording scheduler worker failed", "host", host, "error", err)
	}
	return correlation
}
