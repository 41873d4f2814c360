// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate evaluates the health gates a normal stage advance must
// pass, and parses gate configurations.
//
// Workload gates (min_jobs_per_host, min_jobs_total,
// min_hosts_with_jobs_fraction) are floors on scheduler job counts
// for the target hosts within the assessment window. Jobs are counted
// by start time. min_jobs_per_host is the mean over target hosts.
//
// Outcome gates compare a before value, captured in the stage
// baseline by [Capture] when the stage is applied, with the value now.
// tc_success_rate_drop and tc_online_drop_pct cap the fall in
// percentage points; sshable_min_pct is a floor on the share of
// target hosts whose latest probe reached SSH.
//
// A gate with nothing to measure fails as insufficient data. Gate
// configurations are JSONC (JSON with comments and trailing commas)
// using the gate names as keys:
//
//	{
//	    // two points of job success may be lost, no more
//	    "tc_success_rate_drop": 2,
//	    "sshable_min_pct": 90,
//	}
package gate
