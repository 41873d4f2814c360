// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "time"

// RolloutStatus is the lifecycle state of a Rollout.
type RolloutStatus string

const (
	RolloutDraft     RolloutStatus = "draft"
	RolloutActive    RolloutStatus = "active"
	RolloutSucceeded RolloutStatus = "succeeded"
	RolloutAborted   RolloutStatus = "aborted"
	RolloutFinalized RolloutStatus = "finalized"
)

// Terminal reports whether no further transition is possible.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutAborted || s == RolloutFinalized
}

// Rollout is a plan to apply an override across a population in
// operator-controlled stages.
type Rollout struct {
	ID         string `json:"id"`
	Population string `json:"population"`
	CanarySize int    `json:"canary_size"`

	// DefaultBatchPct sizes a stage when the operator does not name a
	// batch size. It is a suggestion and is never enforced.
	DefaultBatchPct float64 `json:"default_batch_pct"`

	// ChangeDescriptor is the SHA-256 of the override artifact in the
	// blob store.
	ChangeDescriptor string `json:"change_descriptor"`

	GateConfig GateConfig    `json:"gate_config"`
	Status     RolloutStatus `json:"status"`

	// Excluded hosts are removed from the target set. Stage 1 may
	// only proceed over hosts already carrying an override if the
	// operator lists them here.
	Excluded []string `json:"excluded,omitempty"`

	// Targets is the resolved target host set, fixed at start.
	Targets []string `json:"targets,omitempty"`

	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	SucceededAt time.Time `json:"succeeded_at,omitzero"`
	AbortedAt   time.Time `json:"aborted_at,omitzero"`
	FinalizedAt time.Time `json:"finalized_at,omitzero"`

	// FinalizeBaseline holds the outcome metrics captured over the
	// targets just before finalize removed the override.
	FinalizeBaseline *Baseline `json:"finalize_baseline,omitempty"`

	// PostFinalizeFlagged is raised when outcome gates fail severely
	// during the post-finalize observation window.
	PostFinalizeFlagged bool `json:"post_finalize_flagged,omitempty"`

	Version int64 `json:"version"`
}

// StageStatus is the lifecycle state of a Stage.
type StageStatus string

const (
	StageApplied              StageStatus = "applied"
	StageWaitingForAssessment StageStatus = "waiting_for_assessment"
	StagePaused               StageStatus = "paused"
	StageAdvanced             StageStatus = "advanced"
	StageRolledBack           StageStatus = "rolled_back"
)

// Decided reports whether the stage has left assessment.
func (s StageStatus) Decided() bool {
	return s == StageAdvanced || s == StageRolledBack
}

// HostApplyResult records whether writing the override to one target
// host succeeded when its stage was applied.
type HostApplyResult struct {
	Host    string `json:"host"`
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stage is one batch-application step of a rollout. Stages are append
// only: advancing creates the next stage.
type Stage struct {
	RolloutID string      `json:"rollout_id"`
	Sequence  int         `json:"sequence"`
	Targets   []string    `json:"targets"`
	Status    StageStatus `json:"status"`
	AppliedAt time.Time   `json:"applied_at"`
	DecidedAt time.Time   `json:"decided_at,omitzero"`

	Baseline     Baseline          `json:"baseline"`
	ApplyResults []HostApplyResult `json:"apply_results,omitempty"`

	// GateConfigSnapshot is the rollout's gate configuration at the
	// moment of the last decision; GateEvaluationSnapshot is what the
	// evaluator returned for it.
	GateConfigSnapshot     *GateConfig     `json:"gate_config_snapshot,omitempty"`
	GateEvaluationSnapshot *GateEvaluation `json:"gate_evaluation_snapshot,omitempty"`

	Forced      bool   `json:"forced"`
	ForceReason string `json:"force_reason,omitempty"`

	Version int64 `json:"version"`
}
