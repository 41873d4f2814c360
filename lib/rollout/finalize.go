// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/gate"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// FinalizeRequest finalizes a succeeded rollout.
type FinalizeRequest struct {
	RolloutID string

	// Confirm must be set; finalize cannot be undone.
	Confirm bool

	// NoBackup skips the timestamped backup of each removed file.
	NoBackup bool
	Operator Operator
}

// FinalizeResult describes a completed finalize.
type FinalizeResult struct {
	Rollout fleet.Rollout

	// Snapshots reference the pre-removal override content of each
	// target, in target order.
	Snapshots []fleet.ArtifactRef

	// Results are the per-host removal outcomes.
	Results []fleet.HostApplyResult
	Record  fleet.AuditRecord
}

// Failed returns the hosts the override could not be removed from.
func (r FinalizeResult) Failed() []string { return override.Failed(r.Results) }

// Finalize snapshots the override of every target into the blob store,
// removes it from all targets, and marks the rollout Finalized. It is
// permitted only for a Succeeded rollout and only once. No host is
// touched unless every target with an override has a snapshot.
// Hosts where removal fails are listed in the result; the rollout is
// finalized regardless and drift reports the leftover overrides.
func (e *Engine) Finalize(ctx context.Context, request FinalizeRequest) (FinalizeResult, error) {
	const op = "rollout.finalize"
	var result FinalizeResult
	err := e.locked(ctx, rolloutKey(request.RolloutID), func() error {
		rollout, err := e.store.Rollout(ctx, request.RolloutID)
		if err != nil {
			return err
		}
		if rollout.Status != fleet.RolloutSucceeded {
			return fleet.Precondition(op, "rollout %s is %s; finalize requires succeeded", rollout.ID, rollout.Status)
		}
		if !request.Confirm {
			return fleet.Precondition(op, "finalize of rollout %s removes the override from %d hosts and requires confirmation",
				rollout.ID, len(rollout.Targets))
		}

		result.Snapshots, err = e.snapshot(ctx, op, rollout)
		if err != nil {
			return err
		}
		data, err := e.gateData(ctx)
		if err != nil {
			return err
		}
		baseline := gate.Capture(rollout.Targets, data, e.clock.Now().UTC(), e.baselineWindow)

		result.Results = e.applier.RemoveAll(ctx, rollout.Targets, override.Override, request.NoBackup)
		failed := override.Failed(result.Results)
		if len(failed) > 0 {
			e.metrics.HostFailures.WithLabelValues(op).Add(float64(len(failed)))
			e.logger.Warn("override not removed from every target",
				"rollout", rollout.ID,
				"failed", len(failed),
				"hosts", len(rollout.Targets),
			)
		}

		if err := e.renew(ctx, rolloutKey(rollout.ID)); err != nil {
			e.recordUncommittedFinalize(request, rollout, result, err)
			return err
		}
		result.Record, err = e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if err := rolloutInTx(tx, op, rollout); err != nil {
				return fleet.AuditRecord{}, err
			}
			for _, removal := range result.Results {
				if !removal.OK {
					continue
				}
				host, err := tx.Host(removal.Host)
				if fleet.IsNotFound(err) {
					continue
				}
				if err != nil {
					return fleet.AuditRecord{}, err
				}
				host.OverridePresent = false
				host.OverrideSHA256 = ""
				if _, err := tx.PutHost(host, host.Version); err != nil {
					return fleet.AuditRecord{}, err
				}
			}
			updated := rollout
			updated.Status = fleet.RolloutFinalized
			updated.FinalizedAt = e.clock.Now().UTC()
			updated.FinalizeBaseline = &baseline
			result.Rollout, err = tx.UpdateRollout(updated, rollout.Version)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action: fleet.ActionRolloutFinalize,
				Hosts:  rollout.Targets,
				Parameters: map[string]string{
					"rollout":           rollout.ID,
					"change_descriptor": rollout.ChangeDescriptor,
					"snapshots":         strconv.Itoa(len(result.Snapshots)),
					"removed":           strconv.Itoa(len(result.Results) - len(failed)),
					"failed":            strconv.Itoa(len(failed)),
					"no_backup":         strconv.FormatBool(request.NoBackup),
				},
				Artifacts:   result.Snapshots,
				HostResults: result.Results,
			}, nil
		})
		if err != nil {
			e.recordUncommittedFinalize(request, rollout, result, err)
		}
		return err
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	return result, nil
}

// snapshot stores the current override of every target as a snapshot
// blob. A host whose override cannot be read falls back to the content
// last observed on it. Hosts without an override have no snapshot.
func (e *Engine) snapshot(ctx context.Context, op string, rollout fleet.Rollout) ([]fleet.ArtifactRef, error) {
	var snapshots []fleet.ArtifactRef
	var unreadable []string
	for _, read := range e.applier.ReadAll(ctx, rollout.Targets, override.Override) {
		content := read.Content
		switch {
		case read.Err == nil:
		case fleet.IsNotFound(read.Err):
			continue
		default:
			observed, err := e.observedOverride(ctx, read.Host)
			if err != nil {
				e.logger.Warn("override snapshot unavailable", "host", read.Host, "read_error", read.Err, "error", err)
				unreadable = append(unreadable, read.Host)
				continue
			}
			content = observed
		}
		ref, err := e.blobs.Put(blobstore.KindSnapshot, content, read.Host)
		if err != nil {
			return nil, fmt.Errorf("rollout: storing snapshot of %s: %w", read.Host, err)
		}
		snapshots = append(snapshots, artifactRef(read.Host, ref))
	}
	if len(unreadable) > 0 {
		failure := fleet.Transport(op, fmt.Errorf("cannot snapshot the override of %d hosts", len(unreadable)))
		failure.Hosts = unreadable
		return nil, failure
	}
	return snapshots, nil
}

// observedOverride returns the override content the prober last stored
// for host.
func (e *Engine) observedOverride(ctx context.Context, hostname string) ([]byte, error) {
	host, err := e.store.Host(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if !host.OverridePresent || host.OverrideSHA256 == "" {
		return nil, fleet.Precondition("rollout.finalize", "no observed override on %s", hostname)
	}
	content, _, err := e.blobs.Get(blobstore.KindOverride, host.OverrideSHA256)
	return content, err
}

// Observation is the result of a post-finalize gate check.
type Observation struct {
	Rollout    fleet.Rollout
	Evaluation fleet.GateEvaluation

	// Severe lists the outcome gates whose drop exceeds the severity
	// factor times the allowed maximum.
	Severe []fleet.GateResult

	// Notify is set when an operator must be told: at least one
	// outcome gate failed severely.
	Notify bool
}

// ObserveAfterFinalize evaluates the rollout's gates over its former
// targets against the baseline captured at finalize. It is valid
// until the post-finalize window closes. A severe outcome drop flags
// the rollout once and raises Notify; nothing is re-applied.
func (e *Engine) ObserveAfterFinalize(ctx context.Context, rolloutID string, operator Operator) (Observation, error) {
	const op = "rollout.observe"
	var observation Observation
	err := e.locked(ctx, rolloutKey(rolloutID), func() error {
		rollout, err := e.store.Rollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if rollout.Status != fleet.RolloutFinalized {
			return fleet.Precondition(op, "rollout %s is %s, not finalized", rollout.ID, rollout.Status)
		}
		now := e.clock.Now().UTC()
		closes := rollout.FinalizedAt.Add(e.postFinalizeWindow)
		if now.After(closes) {
			return fleet.Precondition(op, "post-finalize observation of rollout %s closed at %s",
				rollout.ID, closes.Format("2006-01-02T15:04:05Z07:00"))
		}

		data, err := e.gateData(ctx)
		if err != nil {
			return err
		}
		var baseline fleet.Baseline
		if rollout.FinalizeBaseline != nil {
			baseline = *rollout.FinalizeBaseline
		}
		window := fleet.Window{Start: rollout.FinalizedAt, End: now}
		observation.Evaluation = gate.Evaluate(rollout.GateConfig, rollout.Targets, window, baseline, data, now)
		observation.Severe = gate.Severe(observation.Evaluation, e.severeDropFactor)
		observation.Notify = len(observation.Severe) > 0
		observation.Rollout = rollout
		if !observation.Notify {
			return nil
		}

		e.logger.Error("outcome gates failed severely after finalize",
			"rollout", rollout.ID,
			"severe", len(observation.Severe),
		)
		if rollout.PostFinalizeFlagged {
			return nil
		}
		_, err = e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if err := rolloutInTx(tx, op, rollout); err != nil {
				return fleet.AuditRecord{}, err
			}
			flagged := rollout
			flagged.PostFinalizeFlagged = true
			observation.Rollout, err = tx.UpdateRollout(flagged, rollout.Version)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			gateConfig := rollout.GateConfig.Clone()
			evaluation := observation.Evaluation
			parameters := map[string]string{"rollout": rollout.ID}
			for _, severe := range observation.Severe {
				parameters[severe.Name] = severe.String()
			}
			return fleet.AuditRecord{
				Action:                 fleet.ActionPostFinalizeAlert,
				Hosts:                  rollout.Targets,
				Parameters:             parameters,
				GateConfigSnapshot:     &gateConfig,
				GateEvaluationSnapshot: &evaluation,
			}, nil
		})
		return err
	})
	return observation, err
}

// recordUncommittedFinalize audits removals whose finalize commit was
// rejected. The rollout stays Succeeded; the record carries the
// per-host outcomes and the snapshots needed to restore the override.
func (e *Engine) recordUncommittedFinalize(request FinalizeRequest, rollout fleet.Rollout, result FinalizeResult, cause error) {
	failed := result.Failed()
	record := e.stamp(fleet.AuditRecord{
		Action: fleet.ActionFinalizeUncommitted,
		Hosts:  rollout.Targets,
		Parameters: map[string]string{
			"rollout": rollout.ID,
			"removed": strconv.Itoa(len(result.Results) - len(failed)),
			"failed":  strconv.Itoa(len(failed)),
			"error":   cause.Error(),
		},
		Artifacts:   result.Snapshots,
		HostResults: result.Results,
	}, request.Operator)
	appended, err := e.ledger.Append(record)
	if err != nil {
		e.logger.Error("appending uncommitted finalize record failed",
			"rollout", rollout.ID,
			"removed", len(result.Results)-len(failed),
			"error", err,
		)
		return
	}
	e.metrics.Mutations.WithLabelValues(appended.Action).Inc()
	e.logger.Warn("finalize commit rejected after override removal",
		"rollout", rollout.ID,
		"seq", appended.Sequence,
		"error", cause,
	)
}
