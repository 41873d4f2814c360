// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"os"
	"time"
)

// ApprovalMode records how the operator approved a mutating action.
type ApprovalMode string

const (
	// ApprovalInteractive: the operator confirmed at a terminal prompt.
	ApprovalInteractive ApprovalMode = "interactive"
	// ApprovalFlag: the operator passed an explicit confirm flag.
	ApprovalFlag ApprovalMode = "flag"
	// ApprovalAPI: a program called the engine directly.
	ApprovalAPI ApprovalMode = "api"
)

// Audit actions.
const (
	ActionPopulationCreate    = "population.create"
	ActionHostAssign          = "host.assign"
	ActionHostUnassign        = "host.unassign"
	ActionHostDisable         = "host.disable"
	ActionHostEnable          = "host.enable"
	ActionHostSetOverride     = "host.set_override"
	ActionHostUnsetOverride   = "host.unset_override"
	ActionHostSetVault        = "host.set_vault"
	ActionRolloutCreate       = "rollout.create"
	ActionRolloutStart        = "rollout.start"
	ActionStageAssess         = "stage.assess"
	ActionStageAdvance        = "stage.advance"
	ActionStagePause          = "stage.pause"
	ActionStageRollback       = "stage.rollback"
	ActionStageApplyReverted  = "stage.apply_reverted"
	ActionRolloutSucceed      = "rollout.succeed"
	ActionRolloutFinalize     = "rollout.finalize"
	ActionFinalizeUncommitted = "rollout.finalize_uncommitted"
	ActionPostFinalizeAlert   = "rollout.post_finalize_alert"
	ActionTransactionRollback = "txn.rollback"
	ActionHaltClear           = "halt.clear"
)

// ArtifactRef references a blob in the content-addressed store.
type ArtifactRef struct {
	Host   string `json:"host,omitempty"`
	SHA256 string `json:"sha256"`
	Alias  string `json:"alias,omitempty"`
}

// AuditRecord is one entry of the append-only audit ledger: the legal
// record of a mutating action. Sequence, PrevHash, and Hash are
// assigned by the ledger on append.
type AuditRecord struct {
	Sequence uint64 `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash,omitempty"`

	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Hosts     []string  `json:"hosts,omitempty"`

	// Parameters are the operator-supplied inputs and identifying
	// values of the action. String-valued so a record re-read from
	// disk hashes identically to the one appended.
	Parameters map[string]string `json:"parameters,omitempty"`

	GateConfigSnapshot     *GateConfig     `json:"gate_config_snapshot,omitempty"`
	GateEvaluationSnapshot *GateEvaluation `json:"gate_evaluation_snapshot,omitempty"`

	Forced       bool         `json:"forced"`
	ForceReason  string       `json:"force_reason,omitempty"`
	ApprovalMode ApprovalMode `json:"approval_mode"`

	// Artifacts references blobs the action stored, such as
	// pre-removal override snapshots taken by finalize.
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`

	// HostResults records per-host outcomes of remote effects.
	HostResults []HostApplyResult `json:"host_results,omitempty"`
}

// InferActor returns the operator identity: FLEETROLL_ACTOR, then
// SUDO_USER, then USER, then "unknown".
func InferActor() string {
	for _, variable := range []string{"FLEETROLL_ACTOR", "SUDO_USER", "USER"} {
		if value := os.Getenv(variable); value != "" {
			return value
		}
	}
	return "unknown"
}
