// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "time"

// DriftType names a class of mismatch between observed and expected
// host state.
type DriftType string

const (
	DriftOverride       DriftType = "override"
	DriftRole           DriftType = "role"
	DriftUnreachable    DriftType = "unreachable"
	DriftTCMissing      DriftType = "tc-missing"
	DriftTCMismatch     DriftType = "tc-mismatch"
	DriftDisabledActive DriftType = "disabled-active"

	// DriftUnapplied is informational: an override is present but the
	// last config-management run did not apply it.
	DriftUnapplied DriftType = "unapplied"

	// DriftAny is a query-time union of every type. Findings never
	// carry it.
	DriftAny DriftType = "any"
)

// DriftTypes lists the finding types in reporting order.
var DriftTypes = []DriftType{
	DriftOverride,
	DriftRole,
	DriftUnreachable,
	DriftTCMissing,
	DriftTCMismatch,
	DriftDisabledActive,
	DriftUnapplied,
}

// DriftRecord is one derived drift finding. Drift is recomputed from
// the latest observation on demand and never persisted.
type DriftRecord struct {
	Host       string            `json:"host"`
	Type       DriftType         `json:"drift_type"`
	DetectedAt time.Time         `json:"detected_at"`
	Details    map[string]string `json:"details,omitempty"`
}

// MatchesFilter reports whether the record is selected by filter.
// DriftAny selects everything.
func (r DriftRecord) MatchesFilter(filter DriftType) bool {
	return filter == DriftAny || filter == r.Type
}
