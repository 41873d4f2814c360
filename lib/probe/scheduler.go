// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// SchedulerSource looks up the job-scheduler worker record for a
// host. workerID is the host's short name and ref the worker type its
// role maps to. A source may return a worker registered under another
// worker type; the drift classifier reports that as a mismatch. found
// is false when the scheduler has no such worker.
type SchedulerSource interface {
	Worker(ctx context.Context, ref fleet.WorkerTypeRef, workerID string) (worker fleet.SchedulerWorker, found bool, err error)
}

// StaticSchedulerSource serves worker records from memory.
type StaticSchedulerSource struct {
	workers map[string][]fleet.SchedulerWorker
}

// NewStaticSchedulerSource indexes workers by worker id.
func NewStaticSchedulerSource(workers []fleet.SchedulerWorker) *StaticSchedulerSource {
	source := &StaticSchedulerSource{workers: make(map[string][]fleet.SchedulerWorker)}
	for _, worker := range workers {
		source.workers[worker.WorkerID] = append(source.workers[worker.WorkerID], worker)
	}
	return source
}

// Worker implements SchedulerSource. A worker registered under ref is
// preferred over one with the same id under another worker type.
func (s *StaticSchedulerSource) Worker(_ context.Context, ref fleet.WorkerTypeRef, workerID string) (fleet.SchedulerWorker, bool, error) {
	candidates := s.workers[workerID]
	for _, worker := range candidates {
		if worker.Provisioner == ref.Provisioner && worker.WorkerType == ref.WorkerType {
			return worker, true, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true, nil
	}
	return fleet.SchedulerWorker{}, false, nil
}

// LoadWorkerFile reads a JSON array of worker records, as exported by
// a scheduler fetch job, into a StaticSchedulerSource.
func LoadWorkerFile(path string) (*StaticSchedulerSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker file: %w", err)
	}
	var workers []fleet.SchedulerWorker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("parsing worker file %s: %w", path, err)
	}
	return NewStaticSchedulerSource(workers), nil
}
