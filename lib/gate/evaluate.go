// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"slices"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

const (
	// DefaultOnlineWindow is how recently a worker must have been
	// active, relative to its scan, to count as online.
	DefaultOnlineWindow = time.Hour

	// DefaultBaselineWindow is how far before a stage is applied the
	// baseline job success rate is measured.
	DefaultBaselineWindow = 24 * time.Hour
)

// Data is the already-fetched state the evaluator reads: the latest
// observation and scheduler record of each host.
type Data struct {
	Observations map[string]fleet.ObservationSnapshot
	Workers      map[string]fleet.SchedulerWorker

	// OnlineWindow is passed to [fleet.SchedulerWorker.Online]. Zero
	// means DefaultOnlineWindow.
	OnlineWindow time.Duration
}

// Metrics are the aggregates gates compare, over one host set and
// window. Pointer fields are nil when there was no data to compute
// them from.
type Metrics struct {
	Hosts int

	// Scheduler-derived counts. HostsInScheduler counts hosts that
	// have a worker record or are expected to.
	HostsInScheduler int
	HostsWithRecords int
	HostsWithJobs    int
	JobsStarted      int
	JobsCompleted    int
	JobsSucceeded    int
	Online           int

	Sshable int

	SSHablePct    *float64
	TCOnlinePct   *float64
	TCSuccessRate *float64
}

// Measure aggregates data over hosts for jobs started within window.
func Measure(hosts []string, window fleet.Window, data Data) Metrics {
	onlineWindow := data.OnlineWindow
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}
	metrics := Metrics{Hosts: len(hosts)}
	for _, host := range hosts {
		snapshot, observed := data.Observations[host]
		if observed && snapshot.SSH.OK() {
			metrics.Sshable++
		}
		worker, hasWorker := data.Workers[host]
		if hasWorker {
			metrics.HostsWithRecords++
			started, completed, succeeded := worker.JobStates(window.Start, window.End)
			metrics.JobsStarted += started
			metrics.JobsCompleted += completed
			metrics.JobsSucceeded += succeeded
			if started > 0 {
				metrics.HostsWithJobs++
			}
			if worker.Online(onlineWindow) {
				metrics.Online++
			}
		}
		if hasWorker || (observed && snapshot.Scheduler.Expected) {
			metrics.HostsInScheduler++
		}
	}
	metrics.SSHablePct = percent(metrics.Sshable, metrics.Hosts)
	metrics.TCOnlinePct = percent(metrics.Online, metrics.HostsInScheduler)
	metrics.TCSuccessRate = percent(metrics.JobsSucceeded, metrics.JobsCompleted)
	return metrics
}

func percent(part, whole int) *float64 {
	if whole == 0 {
		return nil
	}
	return fleet.Float(100 * float64(part) / float64(whole))
}

// Capture records the outcome metrics of hosts at the moment a stage
// is applied. The success rate covers the lookback window before at.
func Capture(hosts []string, data Data, at time.Time, lookback time.Duration) fleet.Baseline {
	if lookback <= 0 {
		lookback = DefaultBaselineWindow
	}
	metrics := Measure(hosts, fleet.Window{Start: at.Add(-lookback), End: at}, data)
	return fleet.Baseline{
		CapturedAt:    at,
		TCSuccessRate: metrics.TCSuccessRate,
		TCOnlinePct:   metrics.TCOnlinePct,
		SSHablePct:    metrics.SSHablePct,
	}
}

// Evaluate runs every configured gate over hosts and returns one
// result per gate, in [fleet.GateConfig.Configured] order. Gates are
// independent; the evaluation passes only if all of them pass. A gate
// without data to measure fails and is marked insufficient. Evaluate
// only reads its inputs.
func Evaluate(cfg fleet.GateConfig, hosts []string, window fleet.Window, baseline fleet.Baseline, data Data, now time.Time) fleet.GateEvaluation {
	hosts = slices.Clone(hosts)
	slices.SortFunc(hosts, func(a, b string) int {
		switch {
		case fleet.NaturalLess(a, b):
			return -1
		case fleet.NaturalLess(b, a):
			return 1
		}
		return 0
	})
	metrics := Measure(hosts, window, data)
	noWorkload := metrics.HostsWithRecords == 0

	evaluation := fleet.GateEvaluation{
		EvaluatedAt: now,
		Window:      window,
		Hosts:       hosts,
		Passed:      true,
	}
	add := func(result fleet.GateResult) {
		evaluation.Results = append(evaluation.Results, result)
		evaluation.Passed = evaluation.Passed && result.Passed
	}

	for _, name := range cfg.Configured() {
		switch name {
		case fleet.GateMinJobsPerHost:
			measured := 0.0
			if metrics.Hosts > 0 {
				measured = float64(metrics.JobsStarted) / float64(metrics.Hosts)
			}
			add(floor(name, measured, *cfg.MinJobsPerHost, noWorkload))
		case fleet.GateMinJobsTotal:
			add(floor(name, float64(metrics.JobsStarted), *cfg.MinJobsTotal, noWorkload))
		case fleet.GateMinHostsWithJobsFraction:
			measured := 0.0
			if metrics.Hosts > 0 {
				measured = float64(metrics.HostsWithJobs) / float64(metrics.Hosts)
			}
			add(floor(name, measured, *cfg.MinHostsWithJobsFraction, noWorkload))
		case fleet.GateTCSuccessRateDrop:
			add(drop(name, baseline.TCSuccessRate, metrics.TCSuccessRate, *cfg.TCSuccessRateDrop))
		case fleet.GateTCOnlineDropPct:
			add(drop(name, baseline.TCOnlinePct, metrics.TCOnlinePct, *cfg.TCOnlineDropPct))
		case fleet.GateSSHableMinPct:
			result := fleet.GateResult{Name: name, Threshold: *cfg.SSHableMinPct, Before: baseline.SSHablePct, After: metrics.SSHablePct}
			if metrics.SSHablePct == nil {
				result.Insufficient = true
			} else {
				result.Measured = *metrics.SSHablePct
				result.Passed = result.Measured >= result.Threshold
			}
			add(result)
		}
	}
	return evaluation
}

func floor(name string, measured, threshold float64, insufficient bool) fleet.GateResult {
	return fleet.GateResult{
		Name:         name,
		Measured:     measured,
		Threshold:    threshold,
		Passed:       !insufficient && measured >= threshold,
		Insufficient: insufficient,
	}
}

// drop compares a before/after pair. Measured is the fall in
// percentage points; a rise is a negative drop.
func drop(name string, before, after *float64, maxDrop float64) fleet.GateResult {
	result := fleet.GateResult{Name: name, Threshold: maxDrop, Before: before, After: after}
	if before == nil || after == nil {
		result.Insufficient = true
		return result
	}
	result.Measured = *before - *after
	result.Passed = result.Measured <= maxDrop
	return result
}

// Severe returns the failed drop-gate results whose drop exceeds
// factor times the allowed maximum. Insufficient results are never
// severe.
func Severe(evaluation fleet.GateEvaluation, factor float64) []fleet.GateResult {
	if factor <= 0 {
		factor = 1
	}
	var severe []fleet.GateResult
	for _, result := range evaluation.Failed() {
		if result.Insufficient {
			continue
		}
		switch result.Name {
		case fleet.GateTCSuccessRateDrop, fleet.GateTCOnlineDropPct:
			if result.Measured > factor*result.Threshold {
				severe = append(severe, result)
			}
		}
	}
	return severe
}
