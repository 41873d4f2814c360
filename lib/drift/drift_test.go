// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	shaX = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaY = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func okStep() fleet.StepResult { return fleet.StepResult{Status: fleet.StepOK} }

func succeeded() *bool {
	value := true
	return &value
}

// healthy returns a host and snapshot with nothing to report.
func healthy(name string) (fleet.Host, fleet.ObservationSnapshot) {
	host := fleet.Host{
		Hostname:     name,
		DiscoveredAt: now.Add(-48 * time.Hour),
		LastSeen:     now.Add(-time.Minute),
		SSHable:      true,
		Sudoable:     true,
		ObservedRole: "gecko_t_linux",
		ExpectedRole: "gecko_t_linux",
		PopulationID: "p1",
	}
	snapshot := fleet.ObservationSnapshot{
		Host:       name,
		ObservedAt: now.Add(-time.Minute),
		DNS:        okStep(),
		SSH:        okStep(),
		Sudo:       okStep(),
		Role:       fleet.RoleRead{Step: okStep(), Present: true, Role: "gecko_t_linux"},
		Override:   fleet.ArtifactRead{Step: okStep()},
		Vault:      fleet.ArtifactRead{Step: okStep()},
		StateStep:  okStep(),
		State:      fleet.StateRecord{Source: fleet.StateParsed, Timestamp: now.Add(-10 * time.Minute), Success: succeeded()},
		Scheduler:  fleet.SchedulerCorrelation{Step: okStep()},
	}
	return host, snapshot
}

// withOverride marks the host and snapshot as carrying an applied
// override with hash sha.
func withOverride(host *fleet.Host, snapshot *fleet.ObservationSnapshot, sha string) {
	host.OverridePresent = true
	host.OverrideSHA256 = sha
	snapshot.Override = fleet.ArtifactRead{
		Step:    okStep(),
		Present: true,
		SHA256:  sha,
		Meta:    &fleet.FileMeta{Mode: "644", MtimeEpoch: now.Add(-time.Hour).Unix()},
	}
	snapshot.State.OverrideSHA = sha
}

func types(findings []fleet.DriftRecord) []fleet.DriftType {
	var result []fleet.DriftType
	for _, finding := range findings {
		result = append(result, finding.Type)
	}
	return result
}

func TestHealthyHostHasNoDrift(t *testing.T) {
	host, snapshot := healthy("h1")
	if findings := Classify(Config{}, Input{Host: host, Latest: &snapshot}, now); len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}

func TestOverrideDriftAgainstChangeDescriptor(t *testing.T) {
	host, snapshot := healthy("h1")
	withOverride(&host, &snapshot, shaX)

	matching := fleet.Rollout{ID: "r1", Status: fleet.RolloutActive, ChangeDescriptor: shaX}
	findings := Classify(Config{}, Input{Host: host, Latest: &snapshot, Rollouts: []fleet.Rollout{matching}}, now)
	if len(Filter(findings, fleet.DriftOverride)) != 0 {
		t.Errorf("descriptor X, observed X: findings = %+v, want no override drift", findings)
	}

	other := fleet.Rollout{ID: "r1", Status: fleet.RolloutActive, ChangeDescriptor: shaY}
	findings = Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot, Rollouts: []fleet.Rollout{other}}, now), fleet.DriftOverride)
	if len(findings) != 1 {
		t.Fatalf("descriptor Y, observed X: findings = %+v, want one override drift", findings)
	}
	if findings[0].Details["observed"] != shaX || findings[0].Details["expected"] != shaY || findings[0].Details["rollout"] != "r1" {
		t.Errorf("details = %v", findings[0].Details)
	}
}

func TestOverrideWithoutRolloutIsDrift(t *testing.T) {
	host, snapshot := healthy("h1")
	withOverride(&host, &snapshot, shaX)
	findings := Classify(Config{}, Input{Host: host, Latest: &snapshot}, now)
	if got := types(findings); !reflect.DeepEqual(got, []fleet.DriftType{fleet.DriftOverride}) {
		t.Errorf("types = %v, want [override]", got)
	}
}

func TestRoleDrift(t *testing.T) {
	host, snapshot := healthy("h1")
	snapshot.Role.Role = "gecko_t_osx_1400"
	findings := Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot}, now), fleet.DriftRole)
	if len(findings) != 1 || findings[0].Details["observed"] != "gecko_t_osx_1400" || findings[0].Details["expected"] != "gecko_t_linux" {
		t.Fatalf("findings = %+v", findings)
	}

	snapshot.Role = fleet.RoleRead{Step: okStep(), Present: false}
	findings = Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot}, now), fleet.DriftRole)
	if len(findings) != 1 || findings[0].Details["reason"] != "role file absent" {
		t.Errorf("absent role file: findings = %+v", findings)
	}

	host.ExpectedRole = ""
	if findings := Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot}, now), fleet.DriftRole); len(findings) != 0 {
		t.Errorf("no expected role: findings = %+v", findings)
	}
}

func TestRoleDriftFallsBackToStoredRole(t *testing.T) {
	host, snapshot := healthy("h1")
	snapshot.Role = fleet.RoleRead{Step: fleet.StepResult{Status: fleet.StepFailed}}
	host.ObservedRole = "other"
	findings := Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot}, now), fleet.DriftRole)
	if len(findings) != 1 || findings[0].Details["observed"] != "other" {
		t.Errorf("findings = %+v, want drift from the stored role", findings)
	}
}

func TestUnreachableDriftHonorsThreshold(t *testing.T) {
	host, _ := healthy("h1")
	snapshot := fleet.Unreachable("h1", now, "ssh: connect to host h1 port 22: Connection refused")
	cfg := Config{UnreachableAfter: time.Hour}

	host.LastSeen = now.Add(-30 * time.Minute)
	if findings := Filter(Classify(cfg, Input{Host: host, Latest: &snapshot}, now), fleet.DriftUnreachable); len(findings) != 0 {
		t.Errorf("within threshold: findings = %+v", findings)
	}

	host.LastSeen = now.Add(-2 * time.Hour)
	findings := Filter(Classify(cfg, Input{Host: host, Latest: &snapshot}, now), fleet.DriftUnreachable)
	if len(findings) != 1 {
		t.Fatalf("beyond threshold: findings = %+v", findings)
	}
	if findings[0].Details["unreachable_for"] != "2h0m0s" || !strings.Contains(findings[0].Details["error"], "Connection refused") {
		t.Errorf("details = %v", findings[0].Details)
	}

	host.LastSeen = time.Time{}
	findings = Filter(Classify(cfg, Input{Host: host, Latest: &snapshot}, now), fleet.DriftUnreachable)
	if len(findings) != 1 || findings[0].Details["last_seen"] != "never" {
		t.Errorf("never seen: findings = %+v", findings)
	}
}

func TestSchedulerDrift(t *testing.T) {
	expected := fleet.SchedulerCorrelation{
		Step:                okStep(),
		Expected:            true,
		ExpectedProvisioner: "releng-hardware",
		ExpectedWorkerType:  "gecko-t-linux",
	}
	cfg := Config{SchedulerMissingAfter: time.Hour}

	t.Run("missing within window", func(t *testing.T) {
		host, snapshot := healthy("h1")
		snapshot.Scheduler = expected
		lastWorker := fleet.SchedulerWorker{ScannedAt: now.Add(-30 * time.Minute)}
		findings := Classify(cfg, Input{Host: host, Latest: &snapshot, LastWorker: &lastWorker}, now)
		if len(Filter(findings, fleet.DriftTCMissing)) != 0 {
			t.Errorf("findings = %+v", findings)
		}
	})
	t.Run("missing beyond window", func(t *testing.T) {
		host, snapshot := healthy("h1")
		snapshot.Scheduler = expected
		findings := Filter(Classify(cfg, Input{Host: host, Latest: &snapshot}, now), fleet.DriftTCMissing)
		if len(findings) != 1 || findings[0].Details["expected"] != "releng-hardware/gecko-t-linux" {
			t.Errorf("findings = %+v", findings)
		}
	})
	t.Run("mismatch", func(t *testing.T) {
		host, snapshot := healthy("h1")
		snapshot.Scheduler = expected
		snapshot.Scheduler.Found = true
		snapshot.Scheduler.Worker = &fleet.SchedulerWorker{WorkerID: "h1", Provisioner: "releng-hardware", WorkerType: "gecko-t-linux-staging"}
		findings := Classify(cfg, Input{Host: host, Latest: &snapshot}, now)
		if got := types(findings); !reflect.DeepEqual(got, []fleet.DriftType{fleet.DriftTCMismatch}) {
			t.Fatalf("types = %v", got)
		}
		if findings[0].Details["observed"] != "releng-hardware/gecko-t-linux-staging" {
			t.Errorf("details = %v", findings[0].Details)
		}
	})
	t.Run("failed correlation is not drift", func(t *testing.T) {
		host, snapshot := healthy("h1")
		snapshot.Scheduler = expected
		snapshot.Scheduler.Step = fleet.StepResult{Status: fleet.StepFailed, Error: "no scheduler source configured"}
		if findings := Classify(cfg, Input{Host: host, Latest: &snapshot}, now); len(findings) != 0 {
			t.Errorf("findings = %+v", findings)
		}
	})
}

func TestDisabledActiveDrift(t *testing.T) {
	host, snapshot := healthy("h1")
	host.Disabled = true
	host.DisabledAt = now.Add(-time.Hour)
	host.DisabledReason = "hardware fault"

	findings := Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot}, now), fleet.DriftDisabledActive)
	if len(findings) != 1 || findings[0].Details["disabled_reason"] != "hardware fault" || findings[0].Details["reachable_at"] == "" {
		t.Fatalf("reachable disabled host: findings = %+v", findings)
	}

	unreachable := fleet.Unreachable("h1", now, "down")
	worker := fleet.SchedulerWorker{Jobs: []fleet.SchedulerJob{{Started: now.Add(-10 * time.Minute)}}}
	findings = Filter(Classify(Config{}, Input{Host: host, Latest: &unreachable, LastWorker: &worker}, now), fleet.DriftDisabledActive)
	if len(findings) != 1 || findings[0].Details["job_started_at"] == "" {
		t.Fatalf("job-running disabled host: findings = %+v", findings)
	}

	worker.Jobs[0].Started = now.Add(-2 * time.Hour)
	if findings := Filter(Classify(Config{}, Input{Host: host, Latest: &unreachable, LastWorker: &worker}, now), fleet.DriftDisabledActive); len(findings) != 0 {
		t.Errorf("quiet disabled host: findings = %+v", findings)
	}
}

func failRun(snapshot *fleet.ObservationSnapshot) {
	failed := false
	snapshot.State.Success = &failed
}

func TestUnappliedDrift(t *testing.T) {
	rollout := fleet.Rollout{ID: "r1", Status: fleet.RolloutActive, ChangeDescriptor: shaX}
	tests := []struct {
		name        string
		mutate      func(*fleet.ObservationSnapshot)
		wantReason  string
		wantApplied bool
	}{
		{name: "applied", wantApplied: true},
		{
			name:       "failed run",
			mutate:     failRun,
			wantReason: "last run did not succeed",
		},
		{
			name:       "other hash applied",
			mutate:     func(s *fleet.ObservationSnapshot) { s.State.OverrideSHA = shaY },
			wantReason: "last run applied a different override",
		},
		{
			name:        "stale run",
			mutate:      func(s *fleet.ObservationSnapshot) { s.State.Timestamp = now.Add(-2 * time.Hour) },
			wantReason:  "last run predates the override",
			wantApplied: true,
		},
		{
			name:       "state unavailable",
			mutate:     func(s *fleet.ObservationSnapshot) { s.State = fleet.StateRecord{Source: fleet.StateUnavailable} },
			wantReason: "no config-management state record",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			host, snapshot := healthy("h1")
			withOverride(&host, &snapshot, shaX)
			if test.mutate != nil {
				test.mutate(&snapshot)
			}
			findings := Filter(Classify(Config{}, Input{Host: host, Latest: &snapshot, Rollouts: []fleet.Rollout{rollout}}, now), fleet.DriftUnapplied)
			if got := Applied(snapshot); got != test.wantApplied {
				t.Errorf("Applied = %v, want %v", got, test.wantApplied)
			}
			if test.wantReason == "" {
				if len(findings) != 0 {
					t.Errorf("findings = %+v, want none", findings)
				}
				return
			}
			if len(findings) != 1 || findings[0].Details["reason"] != test.wantReason {
				t.Errorf("findings = %+v, want reason %q", findings, test.wantReason)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	host, snapshot := healthy("h1")
	withOverride(&host, &snapshot, shaX)
	host.Disabled = true
	snapshot.Role.Role = "other"
	input := Input{Host: host, Latest: &snapshot}

	first := Classify(Config{}, input, now)
	for range 20 {
		if again := Classify(Config{}, input, now); !reflect.DeepEqual(first, again) {
			t.Fatalf("Classify not deterministic:\n%+v\n%+v", first, again)
		}
	}
	want := []fleet.DriftType{fleet.DriftOverride, fleet.DriftRole, fleet.DriftDisabledActive}
	if got := types(first); !reflect.DeepEqual(got, want) {
		t.Errorf("types = %v, want %v", got, want)
	}
	for _, finding := range first {
		if !finding.DetectedAt.Equal(now) {
			t.Errorf("DetectedAt = %v, want %v", finding.DetectedAt, now)
		}
	}
}

func TestClassifyFleetUsesStagedRollouts(t *testing.T) {
	h1, s1 := healthy("h1")
	withOverride(&h1, &s1, shaX)
	h2, s2 := healthy("h2")
	withOverride(&h2, &s2, shaX)
	h10, s10 := healthy("h10")
	s10.Role.Role = "wrong"

	state := Fleet{
		Hosts:  []fleet.Host{h10, h2, h1},
		Latest: map[string]fleet.ObservationSnapshot{"h1": s1, "h2": s2, "h10": s10},
		Rollouts: []fleet.Rollout{
			{ID: "r1", Status: fleet.RolloutActive, ChangeDescriptor: shaX},
			{ID: "r0", Status: fleet.RolloutAborted, ChangeDescriptor: shaX},
		},
		Stages: map[string][]fleet.Stage{
			"r1": {{RolloutID: "r1", Sequence: 1, Targets: []string{"h1"}}},
			"r0": {{RolloutID: "r0", Sequence: 1, Targets: []string{"h2"}}},
		},
	}
	findings := ClassifyFleet(Config{}, state, now)
	var got []string
	for _, finding := range findings {
		got = append(got, finding.Host+":"+string(finding.Type))
	}
	// h1 is staged by r1; h2 only by an aborted rollout.
	want := []string{"h2:override", "h10:role"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("findings = %v, want %v", got, want)
	}
}

func TestFilterAndParseType(t *testing.T) {
	findings := []fleet.DriftRecord{{Host: "h1", Type: fleet.DriftRole}, {Host: "h2", Type: fleet.DriftOverride}}
	if got := Filter(findings, fleet.DriftAny); len(got) != 2 {
		t.Errorf("Filter(any) = %d findings", len(got))
	}
	if got := Filter(findings, fleet.DriftRole); len(got) != 1 || got[0].Host != "h1" {
		t.Errorf("Filter(role) = %+v", got)
	}
	for _, name := range []string{"any", "override", "tc-missing", "unapplied"} {
		if _, ok := ParseType(name); !ok {
			t.Errorf("ParseType(%q) rejected", name)
		}
	}
	if _, ok := ParseType("bogus"); ok {
		t.Error("ParseType(bogus) accepted")
	}
}

type fakeSource struct {
	state     Fleet
	stagesErr error
}

func (f *fakeSource) Hosts(context.Context) ([]fleet.Host, error) { return f.state.Hosts, nil }
func (f *fakeSource) LatestObservations(context.Context) (map[string]fleet.ObservationSnapshot, error) {
	return f.state.Latest, nil
}
func (f *fakeSource) LatestSchedulerWorkers(context.Context) (map[string]fleet.SchedulerWorker, error) {
	return f.state.Workers, nil
}
func (f *fakeSource) OpenRollouts(context.Context) ([]fleet.Rollout, error) { return f.state.Rollouts, nil }
func (f *fakeSource) Stages(_ context.Context, id string) ([]fleet.Stage, error) {
	if f.stagesErr != nil {
		return nil, f.stagesErr
	}
	return f.state.Stages[id], nil
}

func TestReport(t *testing.T) {
	h1, s1 := healthy("h1")
	withOverride(&h1, &s1, shaX)
	source := &fakeSource{state: Fleet{
		Hosts:    []fleet.Host{h1},
		Latest:   map[string]fleet.ObservationSnapshot{"h1": s1},
		Rollouts: []fleet.Rollout{{ID: "r1", Status: fleet.RolloutActive, ChangeDescriptor: shaY}},
		Stages:   map[string][]fleet.Stage{"r1": {{Targets: []string{"h1"}}}},
	}}
	findings, err := Report(context.Background(), Config{}, source, fleet.DriftOverride, now)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(findings) != 1 || findings[0].Details["expected"] != shaY {
		t.Errorf("findings = %+v", findings)
	}

	source.stagesErr = errors.New("disk gone")
	if _, err := Report(context.Background(), Config{}, source, fleet.DriftAny, now); err == nil {
		t.Error("Report succeeded with a failing source")
	}
}
