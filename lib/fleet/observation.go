// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "time"

// StepStatus is the outcome of one probe protocol step.
type StepStatus string

const (
	// StepOK means the step ran and produced a usable result.
	StepOK StepStatus = "ok"
	// StepFailed means the step ran but the remote side reported an
	// error (non-zero exit, sudo denied, parse failure).
	StepFailed StepStatus = "failed"
	// StepUnreachable means the step could not run: transport error,
	// timeout, or an earlier step established the host is unreachable.
	StepUnreachable StepStatus = "unreachable"
)

// StepResult records the outcome of one probe protocol step. Timing
// is deliberately absent so that two probes of an unchanged host
// produce equal snapshots apart from ObservedAt.
type StepResult struct {
	Status   StepStatus `json:"status"`
	ExitCode int        `json:"exit_code,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Status == StepOK }

// FileMeta is stat(1) metadata for a file read on a host.
type FileMeta struct {
	Mode       string `json:"mode,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Group      string `json:"group,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MtimeEpoch int64  `json:"mtime_epoch,omitempty"`
}

// RoleRead is the role file probe result.
type RoleRead struct {
	Step    StepResult `json:"step"`
	Present bool       `json:"present"`
	Role    string     `json:"role,omitempty"`
}

// ArtifactRead is the override or vault artifact probe result.
type ArtifactRead struct {
	Step    StepResult `json:"step"`
	Present bool       `json:"present"`
	SHA256  string     `json:"sha256,omitempty"`
	Meta    *FileMeta  `json:"meta,omitempty"`
}

// StateSource discriminates the variants of [StateRecord].
type StateSource string

const (
	// StateParsed: the versioned JSON state file was read and parsed.
	StateParsed StateSource = "parsed"
	// StateLegacy: the JSON state file was absent and fields were
	// recovered from the legacy config-management report heuristic.
	StateLegacy StateSource = "legacy"
	// StateUnavailable: neither source produced data. Consumers treat
	// this as insufficient data, never as healthy.
	StateUnavailable StateSource = "unavailable"
)

// StateRecord is the on-host config-management state after the last
// run. It is a tagged variant: Source says which fields are
// meaningful. Legacy records typically carry only Timestamp and
// Success.
type StateRecord struct {
	Source        StateSource `json:"source"`
	SchemaVersion int         `json:"schema_version,omitempty"`
	Timestamp     time.Time   `json:"ts,omitzero"`
	Success       *bool       `json:"success,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	GitRepo       string      `json:"git_repo,omitempty"`
	GitBranch     string      `json:"git_branch,omitempty"`
	GitSHA        string      `json:"git_sha,omitempty"`
	GitDirty      *bool       `json:"git_dirty,omitempty"`
	OverridePath  string      `json:"override_path,omitempty"`
	OverrideSHA   string      `json:"override_sha,omitempty"`
	VaultPath     string      `json:"vault_path,omitempty"`
	VaultSHA      string      `json:"vault_sha,omitempty"`
	Role          string      `json:"role,omitempty"`
	DurationS     *float64    `json:"duration_s,omitempty"`
}

// Available reports whether the record carries any data.
func (r StateRecord) Available() bool {
	return r.Source == StateParsed || r.Source == StateLegacy
}

// Succeeded reports whether the last run is known to have succeeded.
// Unknown success is false.
func (r StateRecord) Succeeded() bool {
	return r.Available() && r.Success != nil && *r.Success
}

// SchedulerCorrelation links a host to its identity in the external
// job scheduler.
type SchedulerCorrelation struct {
	Step StepResult `json:"step"`

	// Expected is true when the host's role maps to a scheduler
	// worker type, meaning the host should appear in the scheduler.
	Expected            bool   `json:"expected"`
	ExpectedProvisioner string `json:"expected_provisioner,omitempty"`
	ExpectedWorkerType  string `json:"expected_worker_type,omitempty"`

	Found  bool             `json:"found"`
	Worker *SchedulerWorker `json:"worker,omitempty"`
}

// ObservationSnapshot is one probe pass's view of one host. Snapshots
// are immutable once written; the store retains the latest N per host.
type ObservationSnapshot struct {
	Host       string    `json:"host"`
	ObservedAt time.Time `json:"observed_at"`

	DNS       StepResult `json:"dns"`
	Addresses []string   `json:"addresses,omitempty"`
	SSH       StepResult `json:"ssh"`
	Sudo      StepResult `json:"sudo"`
	OSType    string     `json:"os_type,omitempty"`

	Role      RoleRead             `json:"role"`
	Override  ArtifactRead         `json:"override"`
	Vault     ArtifactRead         `json:"vault"`
	StateStep StepResult           `json:"state_step"`
	State     StateRecord          `json:"state"`
	Scheduler SchedulerCorrelation `json:"scheduler"`
}

// OK reports whether the host was fully reachable: SSH and sudo both
// succeeded. The store always retains the most recent OK snapshot as
// the last known good state.
func (s ObservationSnapshot) OK() bool {
	return s.SSH.OK() && s.Sudo.OK()
}

// Unreachable returns a snapshot with every step marked unreachable.
// A host that fails every step still yields one of these.
func Unreachable(host string, observedAt time.Time, reason string) ObservationSnapshot {
	step := StepResult{Status: StepUnreachable, Error: reason}
	return ObservationSnapshot{
		Host:       host,
		ObservedAt: observedAt,
		DNS:        step,
		SSH:        step,
		Sudo:       step,
		Role:       RoleRead{Step: step},
		Override:   ArtifactRead{Step: step},
		Vault:      ArtifactRead{Step: step},
		StateStep:  step,
		State:      StateRecord{Source: StateUnavailable},
		Scheduler:  SchedulerCorrelation{Step: step},
	}
}
