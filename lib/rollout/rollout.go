// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/gate"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// CreateRolloutRequest describes a new draft rollout. The change is
// either Override content, which is validated and stored, or
// Descriptor, a hash or alias of an override already in the blob
// store.
type CreateRolloutRequest struct {
	Population string
	Override   []byte
	Descriptor string

	CanarySize      int
	DefaultBatchPct float64
	GateConfig      fleet.GateConfig

	// Excluded hosts never become targets.
	Excluded    []string
	Description string
	Operator    Operator
}

// CreateRollout records a draft rollout. Nothing is applied until
// Start.
func (e *Engine) CreateRollout(ctx context.Context, request CreateRolloutRequest) (fleet.Rollout, error) {
	const op = "rollout.create"
	if request.CanarySize < 1 {
		return fleet.Rollout{}, fleet.Precondition(op, "canary size must be at least 1, got %d", request.CanarySize)
	}
	if request.DefaultBatchPct <= 0 || request.DefaultBatchPct > 100 {
		return fleet.Rollout{}, fleet.Precondition(op, "default batch percentage must be in (0, 100], got %v", request.DefaultBatchPct)
	}
	if err := gate.Validate(request.GateConfig); err != nil {
		return fleet.Rollout{}, fleet.Precondition(op, "invalid gate config: %v", err)
	}
	descriptor, err := e.storeDescriptor(op, request)
	if err != nil {
		return fleet.Rollout{}, err
	}

	rollout := fleet.Rollout{
		ID:               e.newID(),
		Population:       request.Population,
		CanarySize:       request.CanarySize,
		DefaultBatchPct:  request.DefaultBatchPct,
		ChangeDescriptor: descriptor.SHA256,
		GateConfig:       request.GateConfig.Clone(),
		Status:           fleet.RolloutDraft,
		Excluded:         normalizeHosts(request.Excluded),
		Description:      request.Description,
		CreatedAt:        e.clock.Now().UTC(),
		CreatedBy:        e.actorOf(request.Operator),
	}
	err = e.locked(ctx, populationKey(request.Population), func() error {
		_, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if _, err := tx.Population(rollout.Population); err != nil {
				return fleet.AuditRecord{}, err
			}
			inserted, err := tx.InsertRollout(rollout)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			rollout = inserted
			gateConfig := rollout.GateConfig.Clone()
			return fleet.AuditRecord{
				Action: fleet.ActionRolloutCreate,
				Parameters: map[string]string{
					"rollout":           rollout.ID,
					"population":        rollout.Population,
					"change_descriptor": rollout.ChangeDescriptor,
					"alias":             descriptor.Alias,
					"canary_size":       strconv.Itoa(rollout.CanarySize),
					"default_batch_pct": formatFloat(rollout.DefaultBatchPct),
					"excluded":          joinHosts(rollout.Excluded),
					"description":       rollout.Description,
				},
				GateConfigSnapshot: &gateConfig,
				Artifacts:          []fleet.ArtifactRef{{SHA256: descriptor.SHA256, Alias: descriptor.Alias}},
			}, nil
		})
		return err
	})
	if err != nil {
		return fleet.Rollout{}, err
	}
	return rollout, nil
}

func (e *Engine) storeDescriptor(op string, request CreateRolloutRequest) (blobstore.Ref, error) {
	switch {
	case len(request.Override) > 0 && request.Descriptor != "":
		return blobstore.Ref{}, fleet.Precondition(op, "give override content or a descriptor, not both")
	case len(request.Override) > 0:
		if err := override.Validate(request.Override); err != nil {
			return blobstore.Ref{}, fleet.Precondition(op, "invalid override: %v", err)
		}
		ref, err := e.blobs.Put(blobstore.KindOverride, request.Override, "")
		if err != nil {
			return blobstore.Ref{}, fmt.Errorf("rollout: storing override: %w", err)
		}
		return ref, nil
	case request.Descriptor != "":
		sha, err := e.blobs.Resolve(blobstore.KindOverride, request.Descriptor)
		if err != nil {
			return blobstore.Ref{}, err
		}
		content, _, err := e.blobs.Get(blobstore.KindOverride, sha)
		if err != nil {
			return blobstore.Ref{}, err
		}
		// Put of present content returns the existing ref.
		return e.blobs.Put(blobstore.KindOverride, content, "")
	default:
		return blobstore.Ref{}, fleet.Precondition(op, "an override or a descriptor is required")
	}
}

// StartRequest starts a draft rollout.
type StartRequest struct {
	RolloutID string

	// Exclude adds hosts to the rollout's exclusions, typically hosts
	// that already carry an override.
	Exclude  []string
	Operator Operator
}

// Start resolves the rollout's targets, applies the change to the
// canary batch, and records stage 1 waiting for assessment. Start is
// rejected when any target already carries an override, when the
// population already has an active rollout, or when no host is
// eligible. The population stays locked for the whole start. When the
// commit is rejected after the canary was written, the override is
// removed again and the reversal is audited.
func (e *Engine) Start(ctx context.Context, request StartRequest) (fleet.Stage, error) {
	var started fleet.Stage
	err := e.locked(ctx, rolloutKey(request.RolloutID), func() error {
		rollout, err := e.store.Rollout(ctx, request.RolloutID)
		if err != nil {
			return err
		}
		return e.hold(ctx, populationKey(rollout.Population), func() error {
			started, err = e.start(ctx, request, rollout)
			return err
		})
	})
	return started, err
}

func (e *Engine) start(ctx context.Context, request StartRequest, rollout fleet.Rollout) (fleet.Stage, error) {
	const op = "rollout.start"
	if rollout.Status != fleet.RolloutDraft {
		return fleet.Stage{}, fleet.Precondition(op, "rollout %s is %s, not draft", rollout.ID, rollout.Status)
	}
	if err := e.requireNoActive(ctx, op, rollout.Population); err != nil {
		return fleet.Stage{}, err
	}

	excluded := normalizeHosts(append(slices.Clone(rollout.Excluded), request.Exclude...))
	targets, err := e.resolveTargets(ctx, op, rollout, excluded)
	if err != nil {
		return fleet.Stage{}, err
	}
	if err := e.requireNoOverrides(ctx, op, targets); err != nil {
		return fleet.Stage{}, err
	}
	content, err := e.descriptor(rollout)
	if err != nil {
		return fleet.Stage{}, err
	}

	canary := targets[:min(rollout.CanarySize, len(targets))]
	stage, err := e.applyStage(ctx, op, rollout, targets, 1, canary, content)
	if err != nil {
		return fleet.Stage{}, err
	}

	var started fleet.Stage
	err = e.renew(ctx, rolloutKey(rollout.ID), populationKey(rollout.Population))
	if err == nil {
		_, err = e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			current, err := tx.Rollout(rollout.ID)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			if current.Status != fleet.RolloutDraft {
				return fleet.AuditRecord{}, fleet.Conflict(op, "rollout %s became %s", rollout.ID, current.Status)
			}
			if active, ok, err := tx.ActiveRollout(current.Population); err != nil {
				return fleet.AuditRecord{}, err
			} else if ok {
				return fleet.AuditRecord{}, fleet.Precondition(op,
					"population %s already has active rollout %s", current.Population, active.ID)
			}
			current.Status = fleet.RolloutActive
			current.Targets = targets
			current.Excluded = excluded
			current.StartedAt = stage.AppliedAt
			if _, err := tx.UpdateRollout(current, current.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			started, err = tx.InsertStage(stage)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			gateConfig := current.GateConfig.Clone()
			return fleet.AuditRecord{
				Action: fleet.ActionRolloutStart,
				Hosts:  stage.Targets,
				Parameters: map[string]string{
					"rollout":           current.ID,
					"population":        current.Population,
					"stage":             "1",
					"targets":           strconv.Itoa(len(targets)),
					"excluded":          joinHosts(excluded),
					"change_descriptor": current.ChangeDescriptor,
				},
				GateConfigSnapshot: &gateConfig,
				HostResults:        stage.ApplyResults,
			}, nil
		})
	}
	if err != nil {
		e.revertStage(ctx, request.Operator, op, stage, err)
		return fleet.Stage{}, err
	}
	return started, nil
}

// requireNoActive rejects a start when the population already has an
// active rollout. The check repeats inside the commit transaction.
func (e *Engine) requireNoActive(ctx context.Context, op, population string) error {
	rollouts, err := e.store.Rollouts(ctx, population)
	if err != nil {
		return err
	}
	for _, other := range rollouts {
		if other.Status == fleet.RolloutActive {
			return fleet.Precondition(op, "population %s already has active rollout %s", population, other.ID)
		}
	}
	return nil
}

// resolveTargets evaluates the population's target query over its
// eligible hosts and removes exclusions. Targets are in natural order.
func (e *Engine) resolveTargets(ctx context.Context, op string, rollout fleet.Rollout, excluded []string) ([]string, error) {
	population, err := e.store.Population(ctx, rollout.Population)
	if err != nil {
		return nil, err
	}
	query, err := fleet.ParseTargetQuery(population.TargetQuery)
	if err != nil {
		return nil, fleet.Precondition(op, "population %s: %v", population.Name, err)
	}
	hosts, err := e.store.HostsInPopulation(ctx, population.Name)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, host := range fleet.SelectTargets(population.Name, query, hosts) {
		if !slices.Contains(excluded, host.Hostname) {
			targets = append(targets, host.Hostname)
		}
	}
	if len(targets) == 0 {
		return nil, fleet.Precondition(op, "population %s has no eligible targets", population.Name)
	}
	slices.SortFunc(targets, compareHosts)
	return targets, nil
}

// requireNoOverrides rejects targets whose latest observation shows an
// override. Hosts whose override read did not succeed fall back to the
// host record.
func (e *Engine) requireNoOverrides(ctx context.Context, op string, targets []string) error {
	observations, err := e.store.LatestObservations(ctx)
	if err != nil {
		return err
	}
	var carrying []string
	for _, target := range targets {
		if snapshot, ok := observations[target]; ok && snapshot.Override.Step.OK() {
			if snapshot.Override.Present {
				carrying = append(carrying, target)
			}
			continue
		}
		host, err := e.store.Host(ctx, target)
		if err != nil {
			return err
		}
		if host.OverridePresent {
			carrying = append(carrying, target)
		}
	}
	if len(carrying) > 0 {
		failure := fleet.Precondition(op, "%d target hosts already carry an override; exclude them to proceed", len(carrying))
		failure.Hosts = carrying
		return failure
	}
	return nil
}

// descriptor returns the override content of rollout from the blob
// store, verified against its hash.
func (e *Engine) descriptor(rollout fleet.Rollout) ([]byte, error) {
	content, _, err := e.blobs.Get(blobstore.KindOverride, rollout.ChangeDescriptor)
	if err != nil {
		return nil, fmt.Errorf("rollout: reading change descriptor of %s: %w", rollout.ID, err)
	}
	return content, nil
}

// applyStage captures the baseline over the rollout's targets, writes
// content to hosts, and returns the stage to insert. The stage is
// inserted waiting for assessment; Applied is never persisted.
func (e *Engine) applyStage(ctx context.Context, op string, rollout fleet.Rollout, targets []string, sequence int, hosts []string, content []byte) (fleet.Stage, error) {
	data, err := e.gateData(ctx)
	if err != nil {
		return fleet.Stage{}, err
	}
	now := e.clock.Now().UTC()
	baseline := gate.Capture(targets, data, now, e.baselineWindow)

	results := e.applier.WriteAll(ctx, hosts, override.Override, content, override.WriteOptions{})
	if failed := override.Failed(results); len(failed) > 0 {
		e.metrics.HostFailures.WithLabelValues(op).Add(float64(len(failed)))
		e.logger.Warn("override not applied on every host",
			"rollout", rollout.ID,
			"stage", sequence,
			"failed", len(failed),
			"hosts", len(hosts),
		)
	}
	return fleet.Stage{
		RolloutID:    rollout.ID,
		Sequence:     sequence,
		Targets:      slices.Clone(hosts),
		Status:       fleet.StageWaitingForAssessment,
		AppliedAt:    now,
		Baseline:     baseline,
		ApplyResults: results,
	}, nil
}

// revertStage removes the override from the hosts of a stage whose
// commit was rejected after the write, and appends a record of the
// reversal with the per-host outcomes of both the write and the
// removal.
func (e *Engine) revertStage(ctx context.Context, operator Operator, op string, stage fleet.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	var written []string
	for _, result := range stage.ApplyResults {
		if result.OK {
			written = append(written, result.Host)
		}
	}
	removals := e.applier.RemoveAll(ctx, written, override.Override, false)
	failed := override.Failed(removals)
	if len(failed) > 0 {
		e.metrics.HostFailures.WithLabelValues(op).Add(float64(len(failed)))
	}
	record := e.stamp(fleet.AuditRecord{
		Action: fleet.ActionStageApplyReverted,
		Hosts:  stage.Targets,
		Parameters: map[string]string{
			"rollout":       stage.RolloutID,
			"stage":         strconv.Itoa(stage.Sequence),
			"operation":     op,
			"error":         cause.Error(),
			"written":       joinHosts(written),
			"reverted":      strconv.Itoa(len(written) - len(failed)),
			"revert_failed": joinHosts(failed),
		},
		HostResults: append(slices.Clone(stage.ApplyResults), removals...),
	}, operator)
	appended, err := e.ledger.Append(record)
	if err != nil {
		e.logger.Error("appending apply reversal failed",
			"rollout", stage.RolloutID,
			"stage", stage.Sequence,
			"written", len(written),
			"revert_failed", len(failed),
			"error", err,
		)
		return
	}
	e.metrics.Mutations.WithLabelValues(appended.Action).Inc()
	e.logger.Warn("stage commit rejected after override write; override removed",
		"rollout", stage.RolloutID,
		"stage", stage.Sequence,
		"seq", appended.Sequence,
		"written", len(written),
		"revert_failed", len(failed),
		"error", cause,
	)
}

// evaluate runs the rollout's gates over its whole target set for the
// window since stage was applied.
func (e *Engine) evaluate(ctx context.Context, rollout fleet.Rollout, stage fleet.Stage) (fleet.GateEvaluation, error) {
	data, err := e.gateData(ctx)
	if err != nil {
		return fleet.GateEvaluation{}, err
	}
	now := e.clock.Now().UTC()
	window := fleet.Window{Start: stage.AppliedAt, End: now}
	return gate.Evaluate(rollout.GateConfig, rollout.Targets, window, stage.Baseline, data, now), nil
}

// Assess evaluates the gates for the current stage and records the
// result. A paused stage stays paused.
func (e *Engine) Assess(ctx context.Context, rolloutID string, operator Operator) (fleet.GateEvaluation, error) {
	const op = "stage.assess"
	var evaluation fleet.GateEvaluation
	err := e.locked(ctx, rolloutKey(rolloutID), func() error {
		rollout, current, err := e.currentStage(ctx, op, rolloutID)
		if err != nil {
			return err
		}
		evaluation, err = e.evaluate(ctx, rollout, current)
		if err != nil {
			return err
		}
		_, err = e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			stage, err := stageInTx(tx, op, current)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			recordEvaluation(&stage, rollout.GateConfig, evaluation)
			if _, err := tx.UpdateStage(stage, stage.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			return stageRecord(fleet.ActionStageAssess, rollout, stage, evaluation), nil
		})
		return err
	})
	return evaluation, err
}

// AdvanceRequest moves a rollout to its next batch.
type AdvanceRequest struct {
	RolloutID string

	// BatchSize is the number of hosts in the next stage. Zero means
	// the rollout's default batch percentage of all targets.
	BatchSize int

	// Force advances regardless of the gate result. ForceReason is
	// required and recorded verbatim.
	Force       bool
	ForceReason string
	Operator    Operator
}

// AdvanceResult describes an advance attempt.
type AdvanceResult struct {
	Evaluation fleet.GateEvaluation

	// Previous is the stage that was advanced, or paused when gates
	// blocked a normal advance.
	Previous fleet.Stage

	// Next is the stage created for the next batch. It is zero when
	// the advance was blocked.
	Next fleet.Stage
}

// Advance evaluates the gates for the current stage. A normal advance
// proceeds only when every gate passes; when gates fail the stage is
// paused and a gate failure naming each failing gate is returned. A
// forced advance proceeds regardless and records the bypassed
// evaluation. On success the current stage is marked Advanced and the
// next batch is applied as a new stage.
func (e *Engine) Advance(ctx context.Context, request AdvanceRequest) (AdvanceResult, error) {
	const op = "stage.advance"
	if request.Force && request.ForceReason == "" {
		return AdvanceResult{}, fleet.Precondition(op, "a forced advance requires a reason")
	}
	if request.BatchSize < 0 {
		return AdvanceResult{}, fleet.Precondition(op, "batch size must not be negative, got %d", request.BatchSize)
	}

	var result AdvanceResult
	err := e.locked(ctx, rolloutKey(request.RolloutID), func() error {
		rollout, current, err := e.currentStage(ctx, op, request.RolloutID)
		if err != nil {
			return err
		}
		stages, err := e.store.Stages(ctx, rollout.ID)
		if err != nil {
			return err
		}
		remaining := remainingTargets(rollout, stages)
		if len(remaining) == 0 {
			return fleet.Precondition(op, "every target of rollout %s is staged; mark it succeeded instead", rollout.ID)
		}
		result.Evaluation, err = e.evaluate(ctx, rollout, current)
		if err != nil {
			return err
		}

		if !request.Force && !result.Evaluation.Passed {
			return e.pause(ctx, request.Operator, rollout, current, &result)
		}

		batch := remaining[:batchSize(rollout, request.BatchSize, len(remaining))]
		content, err := e.descriptor(rollout)
		if err != nil {
			return err
		}
		next, err := e.applyStage(ctx, op, rollout, rollout.Targets, current.Sequence+1, batch, content)
		if err != nil {
			return err
		}

		err = e.renew(ctx, rolloutKey(rollout.ID))
		if err == nil {
			err = e.commitAdvance(ctx, request, rollout, current, next, &result)
		}
		if err != nil {
			e.revertStage(ctx, request.Operator, op, next, err)
			result.Previous, result.Next = fleet.Stage{}, fleet.Stage{}
			return err
		}
		return nil
	})
	return result, err
}

func (e *Engine) commitAdvance(ctx context.Context, request AdvanceRequest, rollout fleet.Rollout, current, next fleet.Stage, result *AdvanceResult) error {
	const op = "stage.advance"
	_, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
		if err := rolloutInTx(tx, op, rollout); err != nil {
			return fleet.AuditRecord{}, err
		}
		stage, err := stageInTx(tx, op, current)
		if err != nil {
			return fleet.AuditRecord{}, err
		}
		stage.Status = fleet.StageAdvanced
		stage.DecidedAt = e.clock.Now().UTC()
		stage.Forced = request.Force
		stage.ForceReason = request.ForceReason
		recordEvaluation(&stage, rollout.GateConfig, result.Evaluation)
		result.Previous, err = tx.UpdateStage(stage, stage.Version)
		if err != nil {
			return fleet.AuditRecord{}, err
		}
		result.Next, err = tx.InsertStage(next)
		if err != nil {
			return fleet.AuditRecord{}, err
		}

		record := stageRecord(fleet.ActionStageAdvance, rollout, stage, result.Evaluation)
		record.Hosts = next.Targets
		record.Parameters["next_stage"] = strconv.Itoa(next.Sequence)
		record.Parameters["batch_size"] = strconv.Itoa(len(next.Targets))
		record.Forced = request.Force
		record.ForceReason = request.ForceReason
		record.HostResults = next.ApplyResults
		return record, nil
	})
	return err
}

// pause records a gate-blocked advance and returns the gate failure.
func (e *Engine) pause(ctx context.Context, operator Operator, rollout fleet.Rollout, current fleet.Stage, result *AdvanceResult) error {
	const op = "stage.advance"
	_, err := e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
		stage, err := stageInTx(tx, op, current)
		if err != nil {
			return fleet.AuditRecord{}, err
		}
		stage.Status = fleet.StagePaused
		recordEvaluation(&stage, rollout.GateConfig, result.Evaluation)
		result.Previous, err = tx.UpdateStage(stage, stage.Version)
		if err != nil {
			return fleet.AuditRecord{}, err
		}
		return stageRecord(fleet.ActionStagePause, rollout, stage, result.Evaluation), nil
	})
	if err != nil {
		return err
	}
	e.metrics.GateFailures.Inc()
	return fleet.GateFailure(op, result.Evaluation.Failed())
}

// RollbackRequest aborts an active rollout at its current stage.
type RollbackRequest struct {
	RolloutID string
	Reason    string
	Operator  Operator
}

// Rollback marks the current stage RolledBack and the rollout Aborted.
// It does not remove the override from any host.
func (e *Engine) Rollback(ctx context.Context, request RollbackRequest) (fleet.Rollout, error) {
	const op = "stage.rollback"
	var aborted fleet.Rollout
	err := e.locked(ctx, rolloutKey(request.RolloutID), func() error {
		rollout, current, err := e.currentStage(ctx, op, request.RolloutID)
		if err != nil {
			return err
		}
		_, err = e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if err := rolloutInTx(tx, op, rollout); err != nil {
				return fleet.AuditRecord{}, err
			}
			stage, err := stageInTx(tx, op, current)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			now := e.clock.Now().UTC()
			stage.Status = fleet.StageRolledBack
			stage.DecidedAt = now
			if _, err := tx.UpdateStage(stage, stage.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			updated := rollout
			updated.Status = fleet.RolloutAborted
			updated.AbortedAt = now
			aborted, err = tx.UpdateRollout(updated, rollout.Version)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action: fleet.ActionStageRollback,
				Hosts:  stage.Targets,
				Parameters: map[string]string{
					"rollout": rollout.ID,
					"stage":   strconv.Itoa(stage.Sequence),
					"reason":  request.Reason,
				},
			}, nil
		})
		return err
	})
	return aborted, err
}

// Succeed marks an active rollout Succeeded once every target has been
// staged. The current stage is marked Advanced.
func (e *Engine) Succeed(ctx context.Context, rolloutID string, operator Operator) (fleet.Rollout, error) {
	const op = "rollout.succeed"
	var succeeded fleet.Rollout
	err := e.locked(ctx, rolloutKey(rolloutID), func() error {
		rollout, current, err := e.currentStage(ctx, op, rolloutID)
		if err != nil {
			return err
		}
		stages, err := e.store.Stages(ctx, rollout.ID)
		if err != nil {
			return err
		}
		if remaining := remainingTargets(rollout, stages); len(remaining) > 0 {
			failure := fleet.Precondition(op, "%d of %d targets of rollout %s are not staged",
				len(remaining), len(rollout.Targets), rollout.ID)
			failure.Hosts = remaining
			return failure
		}
		_, err = e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if err := rolloutInTx(tx, op, rollout); err != nil {
				return fleet.AuditRecord{}, err
			}
			stage, err := stageInTx(tx, op, current)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			now := e.clock.Now().UTC()
			stage.Status = fleet.StageAdvanced
			stage.DecidedAt = now
			if _, err := tx.UpdateStage(stage, stage.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			updated := rollout
			updated.Status = fleet.RolloutSucceeded
			updated.SucceededAt = now
			succeeded, err = tx.UpdateRollout(updated, rollout.Version)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action: fleet.ActionRolloutSucceed,
				Hosts:  rollout.Targets,
				Parameters: map[string]string{
					"rollout": rollout.ID,
					"stages":  strconv.Itoa(len(stages)),
				},
			}, nil
		})
		return err
	})
	return succeeded, err
}

// Status is a rollout with its stages and unstaged targets.
type Status struct {
	Rollout   fleet.Rollout
	Stages    []fleet.Stage
	Remaining []string
}

// Status returns the current state of a rollout.
func (e *Engine) Status(ctx context.Context, rolloutID string) (Status, error) {
	rollout, err := e.store.Rollout(ctx, rolloutID)
	if err != nil {
		return Status{}, err
	}
	stages, err := e.store.Stages(ctx, rolloutID)
	if err != nil {
		return Status{}, err
	}
	return Status{Rollout: rollout, Stages: stages, Remaining: remainingTargets(rollout, stages)}, nil
}

// currentStage returns an active rollout and its undecided last stage.
func (e *Engine) currentStage(ctx context.Context, op, rolloutID string) (fleet.Rollout, fleet.Stage, error) {
	rollout, err := e.store.Rollout(ctx, rolloutID)
	if err != nil {
		return fleet.Rollout{}, fleet.Stage{}, err
	}
	if rollout.Status != fleet.RolloutActive {
		return fleet.Rollout{}, fleet.Stage{}, fleet.Precondition(op, "rollout %s is %s, not active", rollout.ID, rollout.Status)
	}
	stages, err := e.store.Stages(ctx, rolloutID)
	if err != nil {
		return fleet.Rollout{}, fleet.Stage{}, err
	}
	if len(stages) == 0 {
		return fleet.Rollout{}, fleet.Stage{}, fleet.Integrity(op, "active rollout %s has no stages", rollout.ID)
	}
	current := stages[len(stages)-1]
	if current.Status.Decided() {
		return fleet.Rollout{}, fleet.Stage{}, fleet.Precondition(op,
			"stage %d of rollout %s is already %s", current.Sequence, rollout.ID, current.Status)
	}
	return rollout, current, nil
}

// rolloutInTx fails with a conflict when rollout changed since it was
// read.
func rolloutInTx(tx *store.Tx, op string, rollout fleet.Rollout) error {
	current, err := tx.Rollout(rollout.ID)
	if err != nil {
		return err
	}
	if current.Version != rollout.Version {
		return fleet.Conflict(op, "rollout %s changed (version %d, read %d)", rollout.ID, current.Version, rollout.Version)
	}
	return nil
}

// stageInTx re-reads read inside the transaction and fails with a
// conflict when it has been decided or modified since.
func stageInTx(tx *store.Tx, op string, read fleet.Stage) (fleet.Stage, error) {
	stages, err := tx.Stages(read.RolloutID)
	if err != nil {
		return fleet.Stage{}, err
	}
	if read.Sequence < 1 || len(stages) != read.Sequence {
		return fleet.Stage{}, fleet.Conflict(op, "rollout %s moved past stage %d", read.RolloutID, read.Sequence)
	}
	stage := stages[read.Sequence-1]
	if stage.Version != read.Version || stage.Status.Decided() {
		return fleet.Stage{}, fleet.Conflict(op, "stage %s/%d changed while deciding", read.RolloutID, read.Sequence)
	}
	return stage, nil
}

func recordEvaluation(stage *fleet.Stage, cfg fleet.GateConfig, evaluation fleet.GateEvaluation) {
	gateConfig := cfg.Clone()
	stage.GateConfigSnapshot = &gateConfig
	stage.GateEvaluationSnapshot = &evaluation
}

func stageRecord(action string, rollout fleet.Rollout, stage fleet.Stage, evaluation fleet.GateEvaluation) fleet.AuditRecord {
	gateConfig := rollout.GateConfig.Clone()
	return fleet.AuditRecord{
		Action: action,
		Hosts:  stage.Targets,
		Parameters: map[string]string{
			"rollout": rollout.ID,
			"stage":   strconv.Itoa(stage.Sequence),
			"passed":  strconv.FormatBool(evaluation.Passed),
		},
		GateConfigSnapshot:     &gateConfig,
		GateEvaluationSnapshot: &evaluation,
	}
}

// remainingTargets returns the rollout targets no stage has covered,
// in target order. Rolled-back stages count as covered.
func remainingTargets(rollout fleet.Rollout, stages []fleet.Stage) []string {
	staged := make(map[string]bool)
	for _, stage := range stages {
		for _, host := range stage.Targets {
			staged[host] = true
		}
	}
	var remaining []string
	for _, target := range rollout.Targets {
		if !staged[target] {
			remaining = append(remaining, target)
		}
	}
	return remaining
}

// batchSize is requested when positive, otherwise the rollout's
// default percentage of all targets rounded up, capped at remaining.
func batchSize(rollout fleet.Rollout, requested, remaining int) int {
	size := requested
	if size <= 0 {
		size = int(math.Ceil(rollout.DefaultBatchPct / 100 * float64(len(rollout.Targets))))
	}
	return max(1, min(size, remaining))
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func joinHosts(hosts []string) string { return strings.Join(hosts, ",") }
