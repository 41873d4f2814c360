// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"strings"
	"time"
)

// SchedulerWorker is a job-scheduler worker record for one host, as
// fetched by an external collaborator and persisted by the store.
type SchedulerWorker struct {
	Host            string         `json:"host"`
	ScannedAt       time.Time      `json:"ts"`
	WorkerID        string         `json:"worker_id"`
	Provisioner     string         `json:"provisioner"`
	WorkerType      string         `json:"worker_type"`
	State           string         `json:"state,omitempty"`
	LastDateActive  time.Time      `json:"last_date_active,omitzero"`
	QuarantineUntil time.Time      `json:"quarantine_until,omitzero"`
	TaskStarted     time.Time      `json:"task_started,omitzero"`
	TaskResolved    time.Time      `json:"task_resolved,omitzero"`
	TaskState       string         `json:"task_state,omitempty"`
	Jobs            []SchedulerJob `json:"jobs,omitempty"`
}

// SchedulerJob is one job run observed on a worker.
type SchedulerJob struct {
	TaskID   string    `json:"task_id,omitempty"`
	Started  time.Time `json:"started"`
	Resolved time.Time `json:"resolved,omitzero"`
	State    string    `json:"state,omitempty"`
}

// Online reports whether the worker was active within window of its
// scan time and is not quarantined at that time.
func (w SchedulerWorker) Online(window time.Duration) bool {
	if w.LastDateActive.IsZero() {
		return false
	}
	if !w.QuarantineUntil.IsZero() && w.QuarantineUntil.After(w.ScannedAt) {
		return false
	}
	return w.ScannedAt.Sub(w.LastDateActive) <= window
}

// JobStates counts jobs started within [start, end) by outcome.
// completed is the number of resolved jobs; succeeded is the subset
// whose state is "completed".
func (w SchedulerWorker) JobStates(start, end time.Time) (started, completed, succeeded int) {
	for _, job := range w.Jobs {
		if job.Started.Before(start) || !job.Started.Before(end) {
			continue
		}
		started++
		if job.Resolved.IsZero() {
			continue
		}
		completed++
		if job.State == "completed" {
			succeeded++
		}
	}
	return started, completed, succeeded
}

// autoWorkerType derives the worker type from the role name by
// replacing underscores with dashes.
const autoWorkerType = "AUTO_under_to_dash"

// WorkerTypeRef names a (provisioner, worker type) pair.
type WorkerTypeRef struct {
	Provisioner string `yaml:"provisioner" json:"provisioner"`
	WorkerType  string `yaml:"worker_type" json:"worker_type"`
}

// RoleMapping maps config-management roles to scheduler worker types.
type RoleMapping map[string]WorkerTypeRef

// Resolve returns the worker type for role. A WorkerType of
// AUTO_under_to_dash is derived from the role name
// (gecko_t_osx_1400_r8 becomes gecko-t-osx-1400-r8).
func (m RoleMapping) Resolve(role string) (WorkerTypeRef, bool) {
	ref, ok := m[role]
	if !ok {
		return WorkerTypeRef{}, false
	}
	if ref.WorkerType == autoWorkerType {
		ref.WorkerType = strings.ReplaceAll(role, "_", "-")
	}
	return ref, true
}
