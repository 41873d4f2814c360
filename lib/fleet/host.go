// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Host is a managed machine tracked by the engine. Hosts are created
// by the first probe of a seed hostname and are never deleted.
type Host struct {
	// Hostname is the normalized (lowercase) host identity.
	Hostname string `json:"hostname"`

	DiscoveredAt time.Time `json:"discovered_at"`
	LastSeen     time.Time `json:"last_seen,omitzero"`

	SSHable  bool `json:"sshable"`
	Sudoable bool `json:"sudoable"`

	// ObservedRole is the contents of the role file at the last
	// successful read. Empty when never read.
	ObservedRole string `json:"observed_role,omitempty"`

	// ExpectedRole is set by population assignment. A host with no
	// expected role is excluded from every rollout target evaluation.
	ExpectedRole string `json:"expected_role,omitempty"`

	// PopulationID is the name of the population the host was
	// explicitly assigned to. Empty means unassigned, which makes the
	// host ineligible as a rollout target.
	PopulationID string `json:"population_id,omitempty"`

	OverridePresent bool   `json:"override_present"`
	OverrideSHA256  string `json:"override_sha256,omitempty"`

	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	DisabledBy     string    `json:"disabled_by,omitempty"`
	DisabledAt     time.Time `json:"disabled_at,omitzero"`

	// Version increments on every write. The store rejects writes
	// whose expected version is stale.
	Version int64 `json:"version"`
}

// Eligible reports whether the host may be selected as a rollout
// target for the named population: it must be assigned to that
// population, carry an expected role, and not be disabled.
func (h Host) Eligible(population string) bool {
	return h.PopulationID != "" &&
		h.PopulationID == population &&
		h.ExpectedRole != "" &&
		!h.Disabled
}

// NormalizeHostname returns the canonical form of a hostname used as
// the host identity: surrounding whitespace trimmed, any user@ prefix
// removed, lowercased.
func NormalizeHostname(name string) string {
	name = strings.TrimSpace(name)
	if at := strings.LastIndexByte(name, '@'); at >= 0 {
		name = name[at+1:]
	}
	return strings.ToLower(name)
}

// ShortHostname strips the domain from an FQDN. External schedulers
// identify workers by short name.
func ShortHostname(name string) string {
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		return name[:dot]
	}
	return name
}

var digitRun = regexp.MustCompile(`\d+|\D+`)

// NaturalLess orders hostnames so that embedded numbers compare
// numerically: host2 sorts before host10.
func NaturalLess(a, b string) bool {
	partsA := digitRun.FindAllString(strings.ToLower(a), -1)
	partsB := digitRun.FindAllString(strings.ToLower(b), -1)
	for i := 0; i < len(partsA) && i < len(partsB); i++ {
		left, right := partsA[i], partsB[i]
		if left == right {
			continue
		}
		leftNumber, leftErr := strconv.ParseUint(left, 10, 64)
		rightNumber, rightErr := strconv.ParseUint(right, 10, 64)
		if leftErr == nil && rightErr == nil {
			if leftNumber != rightNumber {
				return leftNumber < rightNumber
			}
			// Equal values with different zero padding.
			return len(left) < len(right)
		}
		return left < right
	}
	return len(partsA) < len(partsB)
}
