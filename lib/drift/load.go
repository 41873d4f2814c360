// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Source reads the stored state drift is computed from. *store.Store
// satisfies it.
type Source interface {
	Hosts(ctx context.Context) ([]fleet.Host, error)
	LatestObservations(ctx context.Context) (map[string]fleet.ObservationSnapshot, error)
	LatestSchedulerWorkers(ctx context.Context) (map[string]fleet.SchedulerWorker, error)
	OpenRollouts(ctx context.Context) ([]fleet.Rollout, error)
	Stages(ctx context.Context, rolloutID string) ([]fleet.Stage, error)
}

// Load reads a Fleet from source.
func Load(ctx context.Context, source Source) (Fleet, error) {
	var state Fleet
	var err error
	if state.Hosts, err = source.Hosts(ctx); err != nil {
		return Fleet{}, fmt.Errorf("drift: loading hosts: %w", err)
	}
	if state.Latest, err = source.LatestObservations(ctx); err != nil {
		return Fleet{}, fmt.Errorf("drift: loading observations: %w", err)
	}
	if state.Workers, err = source.LatestSchedulerWorkers(ctx); err != nil {
		return Fleet{}, fmt.Errorf("drift: loading scheduler workers: %w", err)
	}
	if state.Rollouts, err = source.OpenRollouts(ctx); err != nil {
		return Fleet{}, fmt.Errorf("drift: loading rollouts: %w", err)
	}
	state.Stages = make(map[string][]fleet.Stage, len(state.Rollouts))
	for _, rollout := range state.Rollouts {
		stages, err := source.Stages(ctx, rollout.ID)
		if err != nil {
			return Fleet{}, fmt.Errorf("drift: loading stages of %s: %w", rollout.ID, err)
		}
		state.Stages[rollout.ID] = stages
	}
	return state, nil
}

// Report loads the fleet from source and classifies it, keeping the
// findings selected by driftType.
func Report(ctx context.Context, cfg Config, source Source, driftType fleet.DriftType, now time.Time) ([]fleet.DriftRecord, error) {
	state, err := Load(ctx, source)
	if err != nil {
		return nil, err
	}
	return Filter(ClassifyFleet(cfg, state, now), driftType), nil
}
