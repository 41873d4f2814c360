// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"strings"
	"time"
)

// Gate names. The order here is the evaluation and reporting order.
const (
	GateMinJobsPerHost           = "min_jobs_per_host"
	GateMinJobsTotal             = "min_jobs_total"
	GateMinHostsWithJobsFraction = "min_hosts_with_jobs_fraction"
	GateTCSuccessRateDrop        = "tc_success_rate_drop"
	GateTCOnlineDropPct          = "tc_online_drop_pct"
	GateSSHableMinPct            = "sshable_min_pct"
)

// GateConfig configures the health gates that a normal stage advance
// must pass. A nil field means the gate is not configured. Workload
// gates are floors on job counts in the assessment window. The two
// drop gates cap how many percentage points a metric may fall between
// the stage baseline and now. sshable_min_pct is a floor.
type GateConfig struct {
	MinJobsPerHost           *float64 `json:"min_jobs_per_host,omitempty"`
	MinJobsTotal             *float64 `json:"min_jobs_total,omitempty"`
	MinHostsWithJobsFraction *float64 `json:"min_hosts_with_jobs_fraction,omitempty"`
	TCSuccessRateDrop        *float64 `json:"tc_success_rate_drop,omitempty"`
	TCOnlineDropPct          *float64 `json:"tc_online_drop_pct,omitempty"`
	SSHableMinPct            *float64 `json:"sshable_min_pct,omitempty"`
}

// Configured returns the names of configured gates in evaluation order.
func (c GateConfig) Configured() []string {
	var names []string
	for _, entry := range []struct {
		name  string
		value *float64
	}{
		{GateMinJobsPerHost, c.MinJobsPerHost},
		{GateMinJobsTotal, c.MinJobsTotal},
		{GateMinHostsWithJobsFraction, c.MinHostsWithJobsFraction},
		{GateTCSuccessRateDrop, c.TCSuccessRateDrop},
		{GateTCOnlineDropPct, c.TCOnlineDropPct},
		{GateSSHableMinPct, c.SSHableMinPct},
	} {
		if entry.value != nil {
			names = append(names, entry.name)
		}
	}
	return names
}

// Clone returns a deep copy, so snapshots do not alias the rollout's
// live configuration.
func (c GateConfig) Clone() GateConfig {
	clone := func(value *float64) *float64 {
		if value == nil {
			return nil
		}
		copied := *value
		return &copied
	}
	return GateConfig{
		MinJobsPerHost:           clone(c.MinJobsPerHost),
		MinJobsTotal:             clone(c.MinJobsTotal),
		MinHostsWithJobsFraction: clone(c.MinHostsWithJobsFraction),
		TCSuccessRateDrop:        clone(c.TCSuccessRateDrop),
		TCOnlineDropPct:          clone(c.TCOnlineDropPct),
		SSHableMinPct:            clone(c.SSHableMinPct),
	}
}

// Float returns a pointer to v, for building GateConfig literals.
func Float(v float64) *float64 { return &v }

// GateResult is one gate's evaluation.
type GateResult struct {
	Name   string `json:"gate_name"`
	Passed bool   `json:"passed"`

	// Measured is the value compared against Threshold: a count or
	// fraction for workload gates, the drop in percentage points for
	// drop gates, the percentage for sshable_min_pct.
	Measured  float64 `json:"measured_value"`
	Threshold float64 `json:"threshold"`

	// Before and After are the metric pair for outcome gates.
	Before *float64 `json:"before,omitempty"`
	After  *float64 `json:"after,omitempty"`

	// Insufficient marks a result that failed because the inputs
	// carried no usable data (for example no target host had a
	// scheduler record, or the baseline lacked the metric).
	Insufficient bool `json:"insufficient,omitempty"`
}

// String renders the comparison that decided the result, for example
// "sshable_min_pct: 80 < 90".
func (r GateResult) String() string {
	var comparison string
	switch r.Name {
	case GateTCSuccessRateDrop, GateTCOnlineDropPct:
		if r.Passed {
			comparison = "<="
		} else {
			comparison = ">"
		}
	default:
		if r.Passed {
			comparison = ">="
		} else {
			comparison = "<"
		}
	}
	text := fmt.Sprintf("%s: %s %s %s", r.Name, formatNumber(r.Measured), comparison, formatNumber(r.Threshold))
	if r.Insufficient {
		text += " (insufficient data)"
	}
	return text
}

func formatNumber(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GateEvaluation is the complete output of one gate evaluator run.
type GateEvaluation struct {
	EvaluatedAt time.Time    `json:"evaluated_at"`
	Window      Window       `json:"window"`
	Hosts       []string     `json:"hosts"`
	Results     []GateResult `json:"results"`
	Passed      bool         `json:"passed"`
}

// Failed returns the results that did not pass.
func (e GateEvaluation) Failed() []GateResult {
	var failed []GateResult
	for _, result := range e.Results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}

// Baseline holds "before" values of outcome metrics, captured over a
// stage's target hosts when the stage is applied. A nil field means
// the metric had no data at capture time.
type Baseline struct {
	CapturedAt    time.Time `json:"captured_at"`
	TCSuccessRate *float64  `json:"tc_success_rate,omitempty"`
	TCOnlinePct   *float64  `json:"tc_online_pct,omitempty"`
	SSHablePct    *float64  `json:"sshable_pct,omitempty"`
}
