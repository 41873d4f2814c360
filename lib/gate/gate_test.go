// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var window = fleet.Window{Start: now.Add(-time.Hour), End: now}

func hostNames(count int) []string {
	hosts := make([]string, count)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("h%d", i+1)
	}
	return hosts
}

// observations returns snapshots for hosts where the first sshable
// hosts reached SSH.
func observations(hosts []string, sshable int) map[string]fleet.ObservationSnapshot {
	snapshots := make(map[string]fleet.ObservationSnapshot, len(hosts))
	for index, host := range hosts {
		snapshot := fleet.Unreachable(host, now, "down")
		if index < sshable {
			snapshot.SSH = fleet.StepResult{Status: fleet.StepOK}
		}
		snapshots[host] = snapshot
	}
	return snapshots
}

// worker returns a scheduler record with jobs started inside window,
// of which succeeded completed successfully.
func worker(host string, jobs, succeeded int, online bool) fleet.SchedulerWorker {
	record := fleet.SchedulerWorker{Host: host, WorkerID: host, ScannedAt: now}
	if online {
		record.LastDateActive = now.Add(-5 * time.Minute)
	} else {
		record.LastDateActive = now.Add(-5 * time.Hour)
	}
	for i := range jobs {
		job := fleet.SchedulerJob{Started: now.Add(-30 * time.Minute), Resolved: now.Add(-10 * time.Minute), State: "failed"}
		if i < succeeded {
			job.State = "completed"
		}
		record.Jobs = append(record.Jobs, job)
	}
	return record
}

func TestSSHableGateBelowFloor(t *testing.T) {
	hosts := hostNames(10)
	cfg := fleet.GateConfig{SSHableMinPct: fleet.Float(90)}
	data := Data{Observations: observations(hosts, 8)}

	evaluation := Evaluate(cfg, hosts, window, fleet.Baseline{}, data, now)
	if evaluation.Passed {
		t.Fatal("evaluation passed with 8/10 sshable")
	}
	if len(evaluation.Results) != 1 {
		t.Fatalf("results = %+v", evaluation.Results)
	}
	result := evaluation.Results[0]
	if result.Passed || result.Measured != 80 || result.Threshold != 90 {
		t.Errorf("result = %+v, want failed with measured 80", result)
	}
	if got := result.String(); got != "sshable_min_pct: 80 < 90" {
		t.Errorf("String = %q", got)
	}

	data = Data{Observations: observations(hosts, 9)}
	if evaluation := Evaluate(cfg, hosts, window, fleet.Baseline{}, data, now); !evaluation.Passed {
		t.Errorf("9/10 sshable failed: %+v", evaluation.Results)
	}
}

func TestWorkloadGates(t *testing.T) {
	hosts := hostNames(4)
	workers := map[string]fleet.SchedulerWorker{
		"h1": worker("h1", 4, 4, true),
		"h2": worker("h2", 2, 2, true),
		"h3": worker("h3", 0, 0, true),
	}
	// An out-of-window job counts for nothing.
	early := workers["h1"]
	early.Jobs = append(early.Jobs, fleet.SchedulerJob{Started: now.Add(-2 * time.Hour), State: "completed"})
	workers["h1"] = early

	cfg := fleet.GateConfig{
		MinJobsPerHost:           fleet.Float(1.5),
		MinJobsTotal:             fleet.Float(7),
		MinHostsWithJobsFraction: fleet.Float(0.5),
	}
	evaluation := Evaluate(cfg, hosts, window, fleet.Baseline{}, Data{Workers: workers}, now)

	want := map[string]struct {
		measured float64
		passed   bool
	}{
		fleet.GateMinJobsPerHost:           {1.5, true},
		fleet.GateMinJobsTotal:             {6, false},
		fleet.GateMinHostsWithJobsFraction: {0.5, true},
	}
	var names []string
	for _, result := range evaluation.Results {
		names = append(names, result.Name)
		expected := want[result.Name]
		if result.Measured != expected.measured || result.Passed != expected.passed || result.Insufficient {
			t.Errorf("%s = %+v, want measured %v passed %v", result.Name, result, expected.measured, expected.passed)
		}
	}
	if !reflect.DeepEqual(names, cfg.Configured()) {
		t.Errorf("result order = %v, want %v", names, cfg.Configured())
	}
	if evaluation.Passed {
		t.Error("overall passed with a failing gate")
	}
	if failed := evaluation.Failed(); len(failed) != 1 || failed[0].Name != fleet.GateMinJobsTotal {
		t.Errorf("Failed = %+v", failed)
	}
}

func TestWorkloadGatesWithoutSchedulerDataAreInsufficient(t *testing.T) {
	cfg := fleet.GateConfig{MinJobsTotal: fleet.Float(0)}
	evaluation := Evaluate(cfg, hostNames(3), window, fleet.Baseline{}, Data{}, now)
	if evaluation.Passed || !evaluation.Results[0].Insufficient {
		t.Errorf("evaluation = %+v, want insufficient failure", evaluation)
	}
	if !strings.HasSuffix(evaluation.Results[0].String(), "(insufficient data)") {
		t.Errorf("String = %q", evaluation.Results[0].String())
	}
}

func TestDropGates(t *testing.T) {
	hosts := hostNames(4)
	workers := map[string]fleet.SchedulerWorker{
		"h1": worker("h1", 10, 9, true),
		"h2": worker("h2", 10, 8, true),
		"h3": worker("h3", 0, 0, false),
		"h4": worker("h4", 0, 0, true),
	}
	data := Data{Workers: workers}
	baseline := fleet.Baseline{TCSuccessRate: fleet.Float(95), TCOnlinePct: fleet.Float(100)}
	cfg := fleet.GateConfig{TCSuccessRateDrop: fleet.Float(5), TCOnlineDropPct: fleet.Float(10)}

	evaluation := Evaluate(cfg, hosts, window, baseline, data, now)
	success, online := evaluation.Results[0], evaluation.Results[1]
	// 17 of 20 completed jobs succeeded: 85%, a 10 point drop.
	if success.Measured != 10 || success.Passed || *success.After != 85 || *success.Before != 95 {
		t.Errorf("success rate = %+v", success)
	}
	// 3 of 4 online: a 25 point drop.
	if online.Measured != 25 || online.Passed {
		t.Errorf("online = %+v", online)
	}
	if got := success.String(); got != "tc_success_rate_drop: 10 > 5" {
		t.Errorf("String = %q", got)
	}

	improved := fleet.Baseline{TCSuccessRate: fleet.Float(50), TCOnlinePct: fleet.Float(70)}
	evaluation = Evaluate(cfg, hosts, window, improved, data, now)
	if !evaluation.Passed || evaluation.Results[0].Measured != -35 {
		t.Errorf("improvement: %+v", evaluation.Results)
	}

	evaluation = Evaluate(cfg, hosts, window, fleet.Baseline{}, data, now)
	for _, result := range evaluation.Results {
		if result.Passed || !result.Insufficient {
			t.Errorf("no baseline: %+v, want insufficient failure", result)
		}
	}
}

func TestEvaluateWithoutGatesPasses(t *testing.T) {
	evaluation := Evaluate(fleet.GateConfig{}, []string{"h2", "h10", "h1"}, window, fleet.Baseline{}, Data{}, now)
	if !evaluation.Passed || len(evaluation.Results) != 0 {
		t.Errorf("evaluation = %+v", evaluation)
	}
	if want := []string{"h1", "h2", "h10"}; !reflect.DeepEqual(evaluation.Hosts, want) {
		t.Errorf("Hosts = %v, want %v", evaluation.Hosts, want)
	}
	if evaluation.Window != window || !evaluation.EvaluatedAt.Equal(now) {
		t.Errorf("window/time = %+v %v", evaluation.Window, evaluation.EvaluatedAt)
	}
}

func TestEvaluateDoesNotMutateInputs(t *testing.T) {
	hosts := []string{"h2", "h1"}
	data := Data{
		Observations: observations(hosts, 1),
		Workers:      map[string]fleet.SchedulerWorker{"h1": worker("h1", 2, 1, true)},
	}
	before := fmt.Sprintf("%+v %+v %v", data.Observations, data.Workers, hosts)
	cfg := fleet.GateConfig{SSHableMinPct: fleet.Float(50), MinJobsTotal: fleet.Float(1)}
	Evaluate(cfg, hosts, window, fleet.Baseline{}, data, now)
	if after := fmt.Sprintf("%+v %+v %v", data.Observations, data.Workers, hosts); after != before {
		t.Errorf("inputs changed:\n%s\n%s", before, after)
	}
}

func TestCapture(t *testing.T) {
	hosts := hostNames(2)
	workers := map[string]fleet.SchedulerWorker{"h1": worker("h1", 4, 3, true), "h2": worker("h2", 0, 0, false)}
	baseline := Capture(hosts, Data{Observations: observations(hosts, 2), Workers: workers}, now, 0)
	if !baseline.CapturedAt.Equal(now) {
		t.Errorf("CapturedAt = %v", baseline.CapturedAt)
	}
	if baseline.SSHablePct == nil || *baseline.SSHablePct != 100 {
		t.Errorf("SSHablePct = %v", baseline.SSHablePct)
	}
	if baseline.TCOnlinePct == nil || *baseline.TCOnlinePct != 50 {
		t.Errorf("TCOnlinePct = %v", baseline.TCOnlinePct)
	}
	if baseline.TCSuccessRate == nil || *baseline.TCSuccessRate != 75 {
		t.Errorf("TCSuccessRate = %v", baseline.TCSuccessRate)
	}

	empty := Capture(nil, Data{}, now, time.Hour)
	if empty.SSHablePct != nil || empty.TCOnlinePct != nil || empty.TCSuccessRate != nil {
		t.Errorf("empty baseline = %+v, want nil metrics", empty)
	}
}

func TestSevere(t *testing.T) {
	evaluation := fleet.GateEvaluation{Results: []fleet.GateResult{
		{Name: fleet.GateTCSuccessRateDrop, Measured: 25, Threshold: 10},
		{Name: fleet.GateTCOnlineDropPct, Measured: 15, Threshold: 10},
		{Name: fleet.GateSSHableMinPct, Measured: 10, Threshold: 90},
		{Name: fleet.GateTCOnlineDropPct, Insufficient: true},
	}}
	severe := Severe(evaluation, 2)
	if len(severe) != 1 || severe[0].Name != fleet.GateTCSuccessRateDrop {
		t.Errorf("Severe = %+v", severe)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// floors
		"min_jobs_total": 20,
		/* outcome */
		"tc_success_rate_drop": 2.5,
		"sshable_min_pct": 90,
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{fleet.GateMinJobsTotal, fleet.GateTCSuccessRateDrop, fleet.GateSSHableMinPct}
	if !reflect.DeepEqual(cfg.Configured(), want) {
		t.Errorf("Configured = %v, want %v", cfg.Configured(), want)
	}
	if *cfg.TCSuccessRateDrop != 2.5 {
		t.Errorf("tc_success_rate_drop = %v", *cfg.TCSuccessRateDrop)
	}
}

func TestParseRejects(t *testing.T) {
	for name, document := range map[string]string{
		"unknown gate":      `{"sshable_min": 90}`,
		"not json":          `{`,
		"fraction above 1":  `{"min_hosts_with_jobs_fraction": 1.5}`,
		"percent above 100": `{"sshable_min_pct": 101}`,
		"negative":          `{"min_jobs_total": -1}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(document)); err == nil {
				t.Errorf("Parse(%s) succeeded", document)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	err := Validate(fleet.GateConfig{SSHableMinPct: fleet.Float(200), MinJobsTotal: fleet.Float(-3)})
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("Validate = %v, want two joined errors", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.jsonc")
	if err := os.WriteFile(path, []byte("{\"sshable_min_pct\": 95} // strict\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if cfg.SSHableMinPct == nil || *cfg.SSHableMinPct != 95 {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Error("ReadFile(missing) succeeded")
	}
}
