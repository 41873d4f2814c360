// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package drift classifies mismatches between what the prober observed
// on a host and what the engine expects of it.
//
// Classification is a pure function of its inputs, including the
// explicit "now". Findings are never stored; callers recompute them
// from the latest observations whenever they report.
package drift

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Default staleness thresholds.
const (
	DefaultUnreachableAfter      = time.Hour
	DefaultSchedulerMissingAfter = time.Hour
)

// Config holds the classifier thresholds.
type Config struct {
	// UnreachableAfter is how long a host may fail SSH since it was
	// last seen before it is reported. Zero means DefaultUnreachableAfter.
	UnreachableAfter time.Duration

	// SchedulerMissingAfter is how long a host expected in the job
	// scheduler may be absent from it before it is reported. Zero
	// means DefaultSchedulerMissingAfter.
	SchedulerMissingAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnreachableAfter <= 0 {
		c.UnreachableAfter = DefaultUnreachableAfter
	}
	if c.SchedulerMissingAfter <= 0 {
		c.SchedulerMissingAfter = DefaultSchedulerMissingAfter
	}
	return c
}

// Input is everything the classifier knows about one host.
type Input struct {
	Host fleet.Host

	// Latest is the most recent observation. Nil when the host has
	// none retained.
	Latest *fleet.ObservationSnapshot

	// LastWorker is the most recent stored scheduler record for the
	// host, from this or an earlier probe. Nil when never seen.
	LastWorker *fleet.SchedulerWorker

	// Rollouts are the open rollouts that have staged this host. Each
	// expects the host to carry its change descriptor.
	Rollouts []fleet.Rollout
}

// Classify returns the findings for one host in [fleet.DriftTypes]
// order.
func Classify(cfg Config, input Input, now time.Time) []fleet.DriftRecord {
	cfg = cfg.withDefaults()
	var findings []fleet.DriftRecord
	add := func(driftType fleet.DriftType, details map[string]string) {
		findings = append(findings, fleet.DriftRecord{
			Host:       input.Host.Hostname,
			Type:       driftType,
			DetectedAt: now,
			Details:    details,
		})
	}

	if details := overrideDrift(input); details != nil {
		add(fleet.DriftOverride, details)
	}
	if details := roleDrift(input); details != nil {
		add(fleet.DriftRole, details)
	}
	if details := unreachableDrift(cfg, input, now); details != nil {
		add(fleet.DriftUnreachable, details)
	}
	missing, mismatch := schedulerDrift(cfg, input, now)
	if missing != nil {
		add(fleet.DriftTCMissing, missing)
	}
	if mismatch != nil {
		add(fleet.DriftTCMismatch, mismatch)
	}
	if details := disabledActiveDrift(input); details != nil {
		add(fleet.DriftDisabledActive, details)
	}
	if details := unappliedDrift(input); details != nil {
		add(fleet.DriftUnapplied, details)
	}
	return findings
}

// overrideDrift reports an override that no open rollout staged on
// the host, or one whose hash matches none of their descriptors.
func overrideDrift(input Input) map[string]string {
	host := input.Host
	if !host.OverridePresent {
		return nil
	}
	if len(input.Rollouts) == 0 {
		return map[string]string{
			"reason":   "override present but no active rollout expects it",
			"observed": host.OverrideSHA256,
		}
	}
	var expected []string
	for _, rollout := range input.Rollouts {
		if rollout.ChangeDescriptor == host.OverrideSHA256 {
			return nil
		}
		expected = append(expected, rollout.ChangeDescriptor)
	}
	details := map[string]string{
		"reason":   "override hash does not match the rollout change descriptor",
		"observed": host.OverrideSHA256,
		"expected": expected[0],
		"rollout":  input.Rollouts[0].ID,
	}
	if len(expected) > 1 {
		details["expected_count"] = strconv.Itoa(len(expected))
	}
	return details
}

func roleDrift(input Input) map[string]string {
	host := input.Host
	if host.ExpectedRole == "" {
		return nil
	}
	observed := host.ObservedRole
	if latest := input.Latest; latest != nil && latest.Role.Step.OK() {
		observed = ""
		if latest.Role.Present {
			observed = latest.Role.Role
		}
	} else if observed == "" {
		// Never read: nothing to compare.
		return nil
	}
	if observed == host.ExpectedRole {
		return nil
	}
	details := map[string]string{"expected": host.ExpectedRole, "observed": observed}
	if observed == "" {
		details["reason"] = "role file absent"
	}
	return details
}

func unreachableDrift(cfg Config, input Input, now time.Time) map[string]string {
	latest := input.Latest
	if latest != nil && latest.SSH.OK() {
		return nil
	}
	lastSeen := input.Host.LastSeen
	if !lastSeen.IsZero() && now.Sub(lastSeen) <= cfg.UnreachableAfter {
		return nil
	}
	details := map[string]string{"threshold": cfg.UnreachableAfter.String()}
	if lastSeen.IsZero() {
		details["last_seen"] = "never"
	} else {
		details["last_seen"] = lastSeen.UTC().Format(time.RFC3339)
		details["unreachable_for"] = now.Sub(lastSeen).Round(time.Second).String()
	}
	if latest == nil {
		details["reason"] = "no observation retained"
	} else if latest.SSH.Error != "" {
		details["error"] = latest.SSH.Error
	}
	return details
}

// schedulerDrift compares the latest correlation with what the host's
// role expects. Absence counts from the last stored worker record, or
// from discovery when the scheduler never reported the host.
func schedulerDrift(cfg Config, input Input, now time.Time) (missing, mismatch map[string]string) {
	latest := input.Latest
	if latest == nil || !latest.Scheduler.Step.OK() || !latest.Scheduler.Expected {
		return nil, nil
	}
	correlation := latest.Scheduler
	expectedType := correlation.ExpectedProvisioner + "/" + correlation.ExpectedWorkerType

	if !correlation.Found {
		since := input.Host.DiscoveredAt
		if input.LastWorker != nil && !input.LastWorker.ScannedAt.IsZero() {
			since = input.LastWorker.ScannedAt
		}
		if now.Sub(since) <= cfg.SchedulerMissingAfter {
			return nil, nil
		}
		return map[string]string{
			"expected":      expectedType,
			"missing_since": since.UTC().Format(time.RFC3339),
			"threshold":     cfg.SchedulerMissingAfter.String(),
		}, nil
	}

	worker := correlation.Worker
	if worker == nil {
		return nil, nil
	}
	if worker.Provisioner == correlation.ExpectedProvisioner && worker.WorkerType == correlation.ExpectedWorkerType {
		return nil, nil
	}
	return nil, map[string]string{
		"expected":  expectedType,
		"observed":  worker.Provisioner + "/" + worker.WorkerType,
		"worker_id": worker.WorkerID,
	}
}

// disabledActiveDrift reports a disabled host that was reachable or
// started jobs after it was disabled.
func disabledActiveDrift(input Input) map[string]string {
	host := input.Host
	if !host.Disabled {
		return nil
	}
	details := map[string]string{}
	if latest := input.Latest; latest != nil && latest.SSH.OK() && !latest.ObservedAt.Before(host.DisabledAt) {
		details["reachable_at"] = latest.ObservedAt.UTC().Format(time.RFC3339)
	}
	worker := input.LastWorker
	if latest := input.Latest; latest != nil && latest.Scheduler.Worker != nil {
		worker = latest.Scheduler.Worker
	}
	if worker != nil {
		if started := lastJobStart(*worker); !started.IsZero() && started.After(host.DisabledAt) {
			details["job_started_at"] = started.UTC().Format(time.RFC3339)
		}
	}
	if len(details) == 0 {
		return nil
	}
	details["disabled_at"] = host.DisabledAt.UTC().Format(time.RFC3339)
	if host.DisabledReason != "" {
		details["disabled_reason"] = host.DisabledReason
	}
	return details
}

func lastJobStart(worker fleet.SchedulerWorker) time.Time {
	started := worker.TaskStarted
	for _, job := range worker.Jobs {
		if job.Started.After(started) {
			started = job.Started
		}
	}
	return started
}

// unappliedDrift reports an override the last config-management run
// did not apply: the state record is missing, the run failed, the run
// applied another hash, or the run predates the override file.
func unappliedDrift(input Input) map[string]string {
	latest := input.Latest
	if latest == nil || !latest.SSH.OK() || !latest.Override.Step.OK() || !latest.Override.Present {
		return nil
	}
	observed := latest.Override.SHA256
	state := latest.State
	details := map[string]string{"observed": observed}
	switch {
	case !state.Available():
		details["reason"] = "no config-management state record"
	case state.Success == nil || !*state.Success:
		details["reason"] = "last run did not succeed"
	case state.Source == fleet.StateParsed && state.OverrideSHA != observed:
		details["reason"] = "last run applied a different override"
		details["applied"] = state.OverrideSHA
	case latest.Override.Meta != nil && latest.Override.Meta.MtimeEpoch > 0 && !state.Timestamp.IsZero() &&
		state.Timestamp.Before(time.Unix(latest.Override.Meta.MtimeEpoch, 0)):
		details["reason"] = "last run predates the override"
		details["last_run"] = state.Timestamp.UTC().Format(time.RFC3339)
	default:
		return nil
	}
	return details
}

// Applied reports whether the snapshot shows the override applied: the
// state record names the observed hash and the run succeeded.
func Applied(snapshot fleet.ObservationSnapshot) bool {
	return snapshot.Override.Present &&
		snapshot.State.Source == fleet.StateParsed &&
		snapshot.State.OverrideSHA == snapshot.Override.SHA256 &&
		snapshot.State.Succeeded()
}

// Fleet is the stored state the fleet-wide classifier reads.
type Fleet struct {
	Hosts   []fleet.Host
	Latest  map[string]fleet.ObservationSnapshot
	Workers map[string]fleet.SchedulerWorker

	// Rollouts are the open (active or succeeded) rollouts, with
	// their stages keyed by rollout id.
	Rollouts []fleet.Rollout
	Stages   map[string][]fleet.Stage
}

// ClassifyFleet classifies every host. Findings are ordered by natural
// hostname order, then by type.
func ClassifyFleet(cfg Config, state Fleet, now time.Time) []fleet.DriftRecord {
	staged := stagedRollouts(state.Rollouts, state.Stages)
	hosts := slices.Clone(state.Hosts)
	slices.SortFunc(hosts, func(a, b fleet.Host) int {
		switch {
		case fleet.NaturalLess(a.Hostname, b.Hostname):
			return -1
		case fleet.NaturalLess(b.Hostname, a.Hostname):
			return 1
		}
		return 0
	})

	var findings []fleet.DriftRecord
	for _, host := range hosts {
		input := Input{Host: host, Rollouts: staged[host.Hostname]}
		if latest, ok := state.Latest[host.Hostname]; ok {
			input.Latest = &latest
		}
		if worker, ok := state.Workers[host.Hostname]; ok {
			input.LastWorker = &worker
		}
		findings = append(findings, Classify(cfg, input, now)...)
	}
	return findings
}

// stagedRollouts maps each host to the open rollouts whose stages
// targeted it. Rolled-back stages still count: rollback leaves the
// override in place until the operator removes it.
func stagedRollouts(rollouts []fleet.Rollout, stages map[string][]fleet.Stage) map[string][]fleet.Rollout {
	staged := make(map[string][]fleet.Rollout)
	ordered := slices.SortedFunc(slices.Values(rollouts), func(a, b fleet.Rollout) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, rollout := range ordered {
		if rollout.Status != fleet.RolloutActive && rollout.Status != fleet.RolloutSucceeded {
			continue
		}
		hosts := make(map[string]bool)
		for _, stage := range stages[rollout.ID] {
			for _, host := range stage.Targets {
				hosts[host] = true
			}
		}
		for _, host := range slices.Sorted(maps.Keys(hosts)) {
			staged[host] = append(staged[host], rollout)
		}
	}
	return staged
}

// Filter returns the findings selected by driftType. [fleet.DriftAny]
// selects every finding.
func Filter(findings []fleet.DriftRecord, driftType fleet.DriftType) []fleet.DriftRecord {
	var selected []fleet.DriftRecord
	for _, finding := range findings {
		if finding.MatchesFilter(driftType) {
			selected = append(selected, finding)
		}
	}
	return selected
}

// ParseType parses a drift type name, including "any".
func ParseType(name string) (fleet.DriftType, bool) {
	driftType := fleet.DriftType(name)
	if driftType == fleet.DriftAny || slices.Contains(fleet.DriftTypes, driftType) {
		return driftType, true
	}
	return "", false
}
