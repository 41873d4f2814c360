// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/fleetroll/lib/binhash"
	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/remote"
	"github.com/bureau-foundation/fleetroll/lib/store"
	"github.com/bureau-foundation/fleetroll/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testRole     = "gecko_t_linux_talos"
	testOverride = "PUPPET_REPO='https://github.com/example/ronin_puppet.git'\nPUPPET_BRANCH='canary'\n"
	testVaultSHA = "5EB63BBBE01EEED093CB22BB8F5ACDC3ABCDEF0123456789ABCDEF0123456789"
)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addresses, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addresses, nil
}

// hostScript answers the probe commands the way a healthy Linux host
// with an override, a vault file and a state file would. Fields can
// be changed per test before registering it.
type hostScript struct {
	sudoExit      int
	roleExit      int
	override      string
	stateDocument string
}

func healthyHost() *hostScript {
	return &hostScript{
		override: testOverride,
		stateDocument: fmt.Sprintf(`{"schema_version": 1, "ts": "2026-03-01T11:00:00Z", "success": true, "exit_code": 0, "override_sha": %q, "role": %q}`,
			binhash.Sum([]byte(testOverride)), testRole),
	}
}

func (h *hostScript) handler(_ context.Context, _ string, command remote.Command) (remote.Result, error) {
	switch command.Name {
	case CommandSSH:
		return remote.Result{}, nil
	case CommandSudo:
		if h.sudoExit != 0 {
			return remote.Result{ExitCode: h.sudoExit, Stderr: "sudo: a password is required\n"}, nil
		}
		return remote.Result{}, nil
	case CommandRole:
		if h.roleExit != 0 {
			return remote.Result{ExitCode: h.roleExit, Stderr: "cat: /etc/puppet_role: Permission denied\n"}, nil
		}
		return remote.Result{Stdout: "OS_TYPE=Linux\nROLE_PRESENT=1\nROLE=" + testRole + "\n"}, nil
	case CommandArtifacts:
		output := "VLT_PRESENT=1\nVLT_MODE=640\nVLT_OWNER=root\nVLT_GROUP=root\nVLT_SIZE=512\nVLT_MTIME=1700000000\nVLT_SHA256=" + testVaultSHA + "\n"
		if h.override == "" {
			output += "OVERRIDE_PRESENT=0\n"
		} else {
			output += fmt.Sprintf("OVERRIDE_PRESENT=1\nOVERRIDE_MODE=644\nOVERRIDE_OWNER=root\nOVERRIDE_GROUP=root\nOVERRIDE_SIZE=%d\nOVERRIDE_MTIME=1700000100\n%s\n%s",
				len(h.override), ContentSentinel, h.override)
		}
		return remote.Result{Stdout: output}, nil
	case CommandState:
		if h.stateDocument == "" {
			return remote.Result{}, nil
		}
		return remote.Result{Stdout: "PP_STATE_JSON=" + base64.StdEncoding.EncodeToString([]byte(h.stateDocument)) + "\n"}, nil
	}
	return remote.Result{ExitCode: 127, Stderr: "unknown command " + command.Name}, nil
}

type fixture struct {
	runner *remote.Fake
	store  *store.Store
	blobs  *blobstore.Store
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	stateStore, err := store.Open(context.Background(), store.Config{
		Path:  filepath.Join(t.TempDir(), "fleetroll.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { stateStore.Close() })
	blobs, err := blobstore.Open(blobstore.Config{Root: t.TempDir(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	return &fixture{runner: remote.NewFake(), store: stateStore, blobs: blobs, clock: fakeClock}
}

func (f *fixture) prober(t *testing.T, mutate func(*Config)) *Prober {
	t.Helper()
	cfg := Config{
		Runner:   f.runner,
		Recorder: f.store,
		Resolver: staticResolver{
			"h1.example.com": {"10.0.0.2", "10.0.0.1", "10.0.0.2"},
			"h2.example.com": {"10.0.0.3"},
		},
		Blobs: f.blobs,
		Scheduler: NewStaticSchedulerSource([]fleet.SchedulerWorker{{
			WorkerID:       "h1",
			Provisioner:    "releng-hardware",
			WorkerType:     "gecko-t-linux-talos",
			State:          "running",
			ScannedAt:      epoch.Add(-time.Minute),
			LastDateActive: epoch.Add(-2 * time.Minute),
		}}),
		RoleMapping: fleet.RoleMapping{
			testRole: {Provisioner: "releng-hardware", WorkerType: "AUTO_under_to_dash"},
		},
		Workers: 4,
		Timeout: 5 * time.Second,
		Clock:   f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	prober, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return prober
}

func TestNewRequiresRunnerAndRecorder(t *testing.T) {
	if _, err := New(Config{Recorder: &store.Store{}}); err == nil {
		t.Error("New without Runner succeeded")
	}
	if _, err := New(Config{Runner: remote.NewFake()}); err == nil {
		t.Error("New without Recorder succeeded")
	}
}

func TestProbeHealthyHost(t *testing.T) {
	f := newFixture(t)
	f.runner.Handle("h1.example.com", healthyHost().handler)
	prober := f.prober(t, nil)
	ctx := context.Background()

	report, err := prober.Probe(ctx, []string{"H1.example.com"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(report.Snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(report.Snapshots))
	}
	snapshot := report.Snapshots[0]
	if !snapshot.OK() {
		t.Fatalf("snapshot not OK: ssh=%+v sudo=%+v", snapshot.SSH, snapshot.Sudo)
	}
	if want := []string{"10.0.0.1", "10.0.0.2"}; !reflect.DeepEqual(snapshot.Addresses, want) {
		t.Errorf("Addresses = %v, want %v", snapshot.Addresses, want)
	}
	if snapshot.OSType != "Linux" || !snapshot.Role.Present || snapshot.Role.Role != testRole {
		t.Errorf("role read = %+v, os = %q", snapshot.Role, snapshot.OSType)
	}
	overrideSHA := binhash.Sum([]byte(testOverride))
	if !snapshot.Override.Present || snapshot.Override.SHA256 != overrideSHA {
		t.Errorf("override = %+v, want sha %s", snapshot.Override, overrideSHA)
	}
	if snapshot.Override.Meta == nil || snapshot.Override.Meta.Mode != "644" || snapshot.Override.Meta.Size != int64(len(testOverride)) {
		t.Errorf("override meta = %+v", snapshot.Override.Meta)
	}
	if !snapshot.Vault.Present || snapshot.Vault.SHA256 != "5eb63bbbe01eeed093cb22bb8f5acdc3abcdef0123456789abcdef0123456789" {
		t.Errorf("vault = %+v", snapshot.Vault)
	}
	if snapshot.State.Source != fleet.StateParsed || snapshot.State.OverrideSHA != overrideSHA || !snapshot.State.Succeeded() {
		t.Errorf("state = %+v", snapshot.State)
	}
	correlation := snapshot.Scheduler
	if !correlation.Step.OK() || !correlation.Expected || !correlation.Found {
		t.Fatalf("scheduler = %+v", correlation)
	}
	if correlation.ExpectedWorkerType != "gecko-t-linux-talos" || correlation.Worker.Host != "h1.example.com" {
		t.Errorf("scheduler = %+v, worker %+v", correlation, correlation.Worker)
	}

	host, err := f.store.Host(ctx, "h1.example.com")
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if !host.SSHable || !host.Sudoable || host.ObservedRole != testRole || host.OverrideSHA256 != overrideSHA {
		t.Errorf("stored host = %+v", host)
	}
	if !f.blobs.Has(blobstore.KindOverride, overrideSHA) {
		t.Error("observed override content was not stored")
	}
	content, _, err := f.blobs.Get(blobstore.KindOverride, overrideSHA)
	if err != nil || string(content) != testOverride {
		t.Errorf("stored override = %q, %v", content, err)
	}
	if _, found, err := f.store.LatestSchedulerWorker(ctx, "h1.example.com"); err != nil || !found {
		t.Errorf("LatestSchedulerWorker = %v, %v; want recorded worker", found, err)
	}
	if got := promtestutil.ToFloat64(prober.Metrics().Hosts.WithLabelValues(OutcomeOK)); got != 1 {
		t.Errorf("ok hosts metric = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(prober.Metrics().InFlight); got != 0 {
		t.Errorf("in flight = %v, want 0 after the pass", got)
	}
}

func TestProbeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.runner.Handle("h1.example.com", healthyHost().handler)
	f.runner.Handle("h2.example.com", (&hostScript{}).handler)
	prober := f.prober(t, nil)
	ctx := context.Background()
	hosts := []string{"h1.example.com", "h2.example.com", "h3.example.com"}

	first, err := prober.Probe(ctx, hosts)
	if err != nil {
		t.Fatalf("first Probe: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := prober.Probe(ctx, hosts)
	if err != nil {
		t.Fatalf("second Probe: %v", err)
	}

	for index := range first.Snapshots {
		a, b := first.Snapshots[index], second.Snapshots[index]
		if !b.ObservedAt.Equal(a.ObservedAt.Add(time.Minute)) {
			t.Errorf("%s: ObservedAt %v then %v", a.Host, a.ObservedAt, b.ObservedAt)
		}
		a.ObservedAt, b.ObservedAt = time.Time{}, time.Time{}
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s: snapshots differ\nfirst:  %+v\nsecond: %+v", a.Host, a, b)
		}
	}

	observations, err := f.store.Observations(ctx, "h1.example.com")
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(observations) != 2 {
		t.Errorf("stored %d observations for h1, want 2", len(observations))
	}
}

func TestProbeUnreachableHostStillYieldsSnapshot(t *testing.T) {
	f := newFixture(t)
	prober := f.prober(t, nil)
	ctx := context.Background()

	report, err := prober.Probe(ctx, []string{"gone.example.com"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(report.Snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(report.Snapshots))
	}
	snapshot := report.Snapshots[0]
	if snapshot.DNS.Status != fleet.StepUnreachable {
		t.Errorf("DNS = %+v, want unreachable", snapshot.DNS)
	}
	if snapshot.SSH.Status != fleet.StepUnreachable || snapshot.SSH.ExitCode != remote.ExitSSHError {
		t.Errorf("SSH = %+v, want unreachable with exit 255", snapshot.SSH)
	}
	for name, step := range map[string]fleet.StepResult{
		"sudo":     snapshot.Sudo,
		"role":     snapshot.Role.Step,
		"override": snapshot.Override.Step,
		"vault":    snapshot.Vault.Step,
		"state":    snapshot.StateStep,
	} {
		if step.Status != fleet.StepUnreachable {
			t.Errorf("%s = %+v, want unreachable", name, step)
		}
	}
	if snapshot.State.Source != fleet.StateUnavailable {
		t.Errorf("state source = %q, want unavailable", snapshot.State.Source)
	}
	if calls := f.runner.CallsTo("gone.example.com", CommandSudo); len(calls) != 0 {
		t.Errorf("sudo ran %d times on an unreachable host", len(calls))
	}

	host, err := f.store.Host(ctx, "gone.example.com")
	if err != nil {
		t.Fatalf("unreachable host not recorded: %v", err)
	}
	if host.SSHable || !host.LastSeen.IsZero() {
		t.Errorf("stored host = %+v", host)
	}
	if _, _, unreachable := report.Counts(); unreachable != 1 {
		t.Errorf("unreachable count = %d, want 1", unreachable)
	}
	if got := promtestutil.ToFloat64(prober.Metrics().StepFailures.WithLabelValues("ssh")); got != 1 {
		t.Errorf("ssh step failures = %v, want 1", got)
	}
}

func TestProbeSudoDeniedSkipsPrivilegedReads(t *testing.T) {
	f := newFixture(t)
	script := healthyHost()
	script.sudoExit = 1
	f.runner.Handle("h1.example.com", script.handler)
	prober := f.prober(t, nil)

	snapshot := prober.ProbeHost(context.Background(), "h1.example.com")
	if !snapshot.SSH.OK() {
		t.Fatalf("SSH = %+v", snapshot.SSH)
	}
	if snapshot.Sudo.Status != fleet.StepFailed || snapshot.Sudo.ExitCode != 1 || snapshot.Sudo.Error != "sudo: a password is required" {
		t.Errorf("Sudo = %+v", snapshot.Sudo)
	}
	if snapshot.Role.Step.Status != fleet.StepFailed || snapshot.StateStep.Status != fleet.StepFailed {
		t.Errorf("role = %+v, state = %+v; want failed", snapshot.Role.Step, snapshot.StateStep)
	}
	if calls := f.runner.CallsTo("h1.example.com", CommandRole); len(calls) != 0 {
		t.Errorf("role script ran without sudo")
	}
	if snapshot.OK() {
		t.Error("snapshot OK without sudo")
	}
}

func TestProbeStepFailureDoesNotAbortLaterSteps(t *testing.T) {
	f := newFixture(t)
	script := healthyHost()
	script.roleExit = 1
	f.runner.Handle("h1.example.com", script.handler)
	prober := f.prober(t, nil)

	snapshot := prober.ProbeHost(context.Background(), "h1.example.com")
	if snapshot.Role.Step.Status != fleet.StepFailed || snapshot.Role.Step.ExitCode != 1 {
		t.Errorf("role step = %+v, want failed exit 1", snapshot.Role.Step)
	}
	if !snapshot.Override.Step.OK() || !snapshot.Override.Present {
		t.Errorf("override = %+v, want read despite role failure", snapshot.Override)
	}
	if !snapshot.StateStep.OK() || snapshot.State.Source != fleet.StateParsed {
		t.Errorf("state = %+v / %+v", snapshot.StateStep, snapshot.State)
	}
}

func TestProbeTimeoutIsUnreachable(t *testing.T) {
	f := newFixture(t)
	f.runner.Handle("h1.example.com", func(_ context.Context, _ string, command remote.Command) (remote.Result, error) {
		if command.Timeout != 5*time.Second {
			return remote.Result{ExitCode: 1, Stderr: "bad timeout"}, nil
		}
		return remote.Result{ExitCode: remote.ExitTimeout}, nil
	})
	prober := f.prober(t, nil)

	snapshot := prober.ProbeHost(context.Background(), "h1.example.com")
	if snapshot.SSH.Status != fleet.StepUnreachable || snapshot.SSH.ExitCode != remote.ExitTimeout {
		t.Errorf("SSH = %+v, want unreachable with exit 124", snapshot.SSH)
	}
}

func TestProbeRetriesConnectionFailures(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	healthy := healthyHost()
	f.runner.Handle("h1.example.com", func(ctx context.Context, host string, command remote.Command) (remote.Result, error) {
		if command.Name == CommandSSH && attempts.Add(1) == 1 {
			return remote.Result{ExitCode: remote.ExitSSHError, Stderr: "ssh: connect to host h1 port 22: Connection timed out"}, nil
		}
		return healthy.handler(ctx, host, command)
	})
	prober := f.prober(t, func(cfg *Config) {
		cfg.Attempts = 3
		cfg.RetryDelay = 2 * time.Second
	})

	done := make(chan fleet.ObservationSnapshot, 1)
	go func() { done <- prober.ProbeHost(context.Background(), "h1.example.com") }()
	f.clock.WaitForTimers(1)
	f.clock.Advance(2 * time.Second)

	snapshot := testutil.RequireReceive(t, done, 5*time.Second, "probe after retry")
	if !snapshot.SSH.OK() {
		t.Errorf("SSH = %+v, want OK after retry", snapshot.SSH)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("ssh attempts = %d, want 2", got)
	}
}

func TestProbeDedupesAndOrdersHosts(t *testing.T) {
	f := newFixture(t)
	prober := f.prober(t, nil)

	report, err := prober.Probe(context.Background(), []string{"h10", "H2", "h2", " h1 ", "", "ops@h3"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	var got []string
	for _, snapshot := range report.Snapshots {
		got = append(got, snapshot.Host)
	}
	if want := []string{"h1", "h2", "h3", "h10"}; !reflect.DeepEqual(got, want) {
		t.Errorf("hosts = %v, want %v", got, want)
	}
}

func TestProbeManyHostsEachRecorded(t *testing.T) {
	f := newFixture(t)
	hosts := testutil.Hosts("node", "example.com", 40)
	for index, host := range hosts {
		if index%3 == 0 {
			continue
		}
		f.runner.Handle(host, healthyHost().handler)
	}
	prober := f.prober(t, func(cfg *Config) {
		cfg.Workers = 8
		cfg.Resolver = staticResolver{}
	})
	ctx := context.Background()

	report, err := prober.Probe(ctx, hosts)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(report.Snapshots) != len(hosts) {
		t.Fatalf("got %d snapshots, want %d", len(report.Snapshots), len(hosts))
	}
	stored, err := f.store.Hosts(ctx)
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	if len(stored) != len(hosts) {
		t.Errorf("stored %d hosts, want %d", len(stored), len(hosts))
	}
	ok, partial, unreachable := report.Counts()
	if unreachable != 14 || ok+partial != 26 {
		t.Errorf("counts ok=%d partial=%d unreachable=%d", ok, partial, unreachable)
	}
}

func TestProbeSchedulerCorrelation(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		f := newFixture(t)
		f.runner.Handle("h1.example.com", healthyHost().handler)
		prober := f.prober(t, func(cfg *Config) { cfg.Scheduler = nil })
		correlation := prober.ProbeHost(context.Background(), "h1.example.com").Scheduler
		if correlation.Step.Status != fleet.StepFailed || !correlation.Expected {
			t.Errorf("scheduler = %+v, want failed and expected", correlation)
		}
	})
	t.Run("unmapped role", func(t *testing.T) {
		f := newFixture(t)
		f.runner.Handle("h1.example.com", healthyHost().handler)
		prober := f.prober(t, func(cfg *Config) { cfg.RoleMapping = nil })
		correlation := prober.ProbeHost(context.Background(), "h1.example.com").Scheduler
		if !correlation.Step.OK() || correlation.Expected || correlation.Found {
			t.Errorf("scheduler = %+v, want not expected", correlation)
		}
	})
	t.Run("absent worker", func(t *testing.T) {
		f := newFixture(t)
		f.runner.Handle("h2.example.com", healthyHost().handler)
		prober := f.prober(t, nil)
		correlation := prober.ProbeHost(context.Background(), "h2.example.com").Scheduler
		if !correlation.Step.OK() || !correlation.Expected || correlation.Found {
			t.Errorf("scheduler = %+v, want expected but absent", correlation)
		}
	})
	t.Run("unreachable host uses stored role", func(t *testing.T) {
		f := newFixture(t)
		f.runner.Handle("h1.example.com", healthyHost().handler)
		prober := f.prober(t, nil)
		ctx := context.Background()
		if _, err := prober.Probe(ctx, []string{"h1.example.com"}); err != nil {
			t.Fatalf("Probe: %v", err)
		}
		f.runner.Handle("h1.example.com", func(context.Context, string, remote.Command) (remote.Result, error) {
			return remote.Result{}, errors.New("network down")
		})
		snapshot := prober.ProbeHost(ctx, "h1.example.com")
		if snapshot.SSH.OK() {
			t.Fatal("SSH OK with a failing runner")
		}
		if !snapshot.Scheduler.Expected || !snapshot.Scheduler.Found {
			t.Errorf("scheduler = %+v, want correlation from stored role", snapshot.Scheduler)
		}
	})
}

func TestProbeMalformedOutputFailsStep(t *testing.T) {
	f := newFixture(t)
	f.runner.Handle("h1.example.com", func(ctx context.Context, host string, command remote.Command) (remote.Result, error) {
		switch command.Name {
		case CommandRole:
			return remote.Result{Stdout: "OS_TYPE=Linux\n"}, nil
		case CommandArtifacts:
			return remote.Result{Stdout: "VLT_PRESENT=0\nOVERRIDE_PRESENT=1\n"}, nil
		case CommandState:
			return remote.Result{Stdout: "PP_STATE_JSON=e30K\n"}, nil
		}
		return remote.Result{}, nil
	})
	prober := f.prober(t, nil)

	snapshot := prober.ProbeHost(context.Background(), "h1.example.com")
	if snapshot.Role.Step.Status != fleet.StepFailed {
		t.Errorf("role step = %+v, want failed", snapshot.Role.Step)
	}
	if snapshot.Override.Step.Status != fleet.StepFailed || snapshot.Override.Present {
		t.Errorf("override = %+v, want failed for missing content", snapshot.Override)
	}
	if !snapshot.Vault.Step.OK() || snapshot.Vault.Present {
		t.Errorf("vault = %+v, want absent", snapshot.Vault)
	}
	// "e30K" is "{}\n": a parsed state file with no fields.
	if !snapshot.StateStep.OK() || snapshot.State.Source != fleet.StateParsed {
		t.Errorf("state = %+v / %+v", snapshot.StateStep, snapshot.State)
	}
}
