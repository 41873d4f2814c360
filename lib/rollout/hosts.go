// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// CreatePopulationRequest describes a new population.
type CreatePopulationRequest struct {
	Name         string
	ExpectedRole string

	// TargetQuery narrows rollout targets within the population. It
	// is parsed now so a bad query fails here rather than at start.
	TargetQuery string
	Description string
	Operator    Operator
}

// CreatePopulation creates a population.
func (e *Engine) CreatePopulation(ctx context.Context, request CreatePopulationRequest) (fleet.Population, error) {
	const op = "population.create"
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return fleet.Population{}, fleet.Precondition(op, "population name is required")
	}
	if strings.TrimSpace(request.ExpectedRole) == "" {
		return fleet.Population{}, fleet.Precondition(op, "population %s: expected role is required", name)
	}
	if _, err := fleet.ParseTargetQuery(request.TargetQuery); err != nil {
		return fleet.Population{}, fleet.Precondition(op, "population %s: %v", name, err)
	}
	population := fleet.Population{
		Name:         name,
		ExpectedRole: strings.TrimSpace(request.ExpectedRole),
		TargetQuery:  request.TargetQuery,
		Description:  request.Description,
		CreatedAt:    e.clock.Now().UTC(),
		CreatedBy:    e.actorOf(request.Operator),
	}

	err := e.locked(ctx, populationKey(name), func() error {
		_, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if err := tx.InsertPopulation(population); err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action: fleet.ActionPopulationCreate,
				Parameters: map[string]string{
					"population":    population.Name,
					"expected_role": population.ExpectedRole,
					"target_query":  population.TargetQuery,
					"description":   population.Description,
				},
			}, nil
		})
		return err
	})
	if err != nil {
		return fleet.Population{}, err
	}
	return population, nil
}

// AssignRequest names hosts to place into a population.
type AssignRequest struct {
	Population string
	Hosts      []string
	Operator   Operator
}

// AssignHosts assigns hosts to a population and sets their expected
// role from it. Hosts not yet known to the store are created. A host
// that is a target of another population's active rollout cannot move.
func (e *Engine) AssignHosts(ctx context.Context, request AssignRequest) ([]fleet.Host, error) {
	const op = "host.assign"
	hosts := normalizeHosts(request.Hosts)
	if len(hosts) == 0 {
		return nil, fleet.Precondition(op, "no hosts given")
	}

	var assigned []fleet.Host
	err := e.locked(ctx, populationKey(request.Population), func() error {
		_, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			assigned = assigned[:0]
			population, err := tx.Population(request.Population)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			for _, hostname := range hosts {
				host, err := tx.Host(hostname)
				switch {
				case fleet.IsNotFound(err):
					host = fleet.Host{Hostname: hostname, DiscoveredAt: e.clock.Now().UTC()}
				case err != nil:
					return fleet.AuditRecord{}, err
				}
				if host.PopulationID != "" && host.PopulationID != population.Name {
					if err := requireNotStaged(tx, op, host); err != nil {
						return fleet.AuditRecord{}, err
					}
				}
				host.PopulationID = population.Name
				host.ExpectedRole = population.ExpectedRole
				host, err = tx.PutHost(host, host.Version)
				if err != nil {
					return fleet.AuditRecord{}, err
				}
				assigned = append(assigned, host)
			}
			return fleet.AuditRecord{
				Action: fleet.ActionHostAssign,
				Hosts:  hosts,
				Parameters: map[string]string{
					"population":    population.Name,
					"expected_role": population.ExpectedRole,
				},
			}, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// UnassignRequest names hosts to remove from their population.
type UnassignRequest struct {
	Hosts    []string
	Operator Operator
}

// UnassignHosts clears the population and expected role of hosts,
// which removes them from every future target evaluation. Hosts that
// are targets of an active rollout are rejected.
func (e *Engine) UnassignHosts(ctx context.Context, request UnassignRequest) ([]fleet.Host, error) {
	const op = "host.unassign"
	hosts := normalizeHosts(request.Hosts)
	if len(hosts) == 0 {
		return nil, fleet.Precondition(op, "no hosts given")
	}

	var unassigned []fleet.Host
	err := e.lockedHosts(ctx, hosts, func() error {
		_, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			unassigned = unassigned[:0]
			for _, hostname := range hosts {
				host, err := tx.Host(hostname)
				if err != nil {
					return fleet.AuditRecord{}, err
				}
				if err := requireNotStaged(tx, op, host); err != nil {
					return fleet.AuditRecord{}, err
				}
				host.PopulationID = ""
				host.ExpectedRole = ""
				host, err = tx.PutHost(host, host.Version)
				if err != nil {
					return fleet.AuditRecord{}, err
				}
				unassigned = append(unassigned, host)
			}
			return fleet.AuditRecord{Action: fleet.ActionHostUnassign, Hosts: hosts}, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return unassigned, nil
}

// DisableRequest takes a host out of rollout targeting.
type DisableRequest struct {
	Host     string
	Reason   string
	Operator Operator
}

// DisableHost marks a host disabled. A reason is required.
func (e *Engine) DisableHost(ctx context.Context, request DisableRequest) (fleet.Host, error) {
	const op = "host.disable"
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		return fleet.Host{}, fleet.Precondition(op, "a reason is required to disable %s", request.Host)
	}
	return e.updateHost(ctx, request.Host, request.Operator, func(host *fleet.Host) (fleet.AuditRecord, error) {
		if host.Disabled {
			return fleet.AuditRecord{}, fleet.Precondition(op, "host %s is already disabled", host.Hostname)
		}
		host.Disabled = true
		host.DisabledReason = reason
		host.DisabledBy = e.actorOf(request.Operator)
		host.DisabledAt = e.clock.Now().UTC()
		return fleet.AuditRecord{
			Action:     fleet.ActionHostDisable,
			Parameters: map[string]string{"reason": reason},
		}, nil
	})
}

// EnableHost clears a host's disabled flag.
func (e *Engine) EnableHost(ctx context.Context, hostname string, operator Operator) (fleet.Host, error) {
	return e.updateHost(ctx, hostname, operator, func(host *fleet.Host) (fleet.AuditRecord, error) {
		if !host.Disabled {
			return fleet.AuditRecord{}, fleet.Precondition("host.enable", "host %s is not disabled", host.Hostname)
		}
		previous := host.DisabledReason
		host.Disabled = false
		host.DisabledReason = ""
		host.DisabledBy = ""
		host.DisabledAt = time.Time{}
		return fleet.AuditRecord{
			Action:     fleet.ActionHostEnable,
			Parameters: map[string]string{"previous_reason": previous},
		}, nil
	})
}

// ArtifactRequest places an artifact on a single host outside any
// rollout.
type ArtifactRequest struct {
	Host     string
	Content  []byte
	Options  override.WriteOptions
	Operator Operator
}

// SetHostOverride validates content, stores it in the blob store, and
// writes it as the override on one host. Hosts that are targets of an
// active rollout are rejected.
func (e *Engine) SetHostOverride(ctx context.Context, request ArtifactRequest) (fleet.AuditRecord, error) {
	const op = "host.set_override"
	if err := override.Validate(request.Content); err != nil {
		return fleet.AuditRecord{}, fleet.Precondition(op, "invalid override: %v", err)
	}
	hostname := fleet.NormalizeHostname(request.Host)

	var record fleet.AuditRecord
	err := e.locked(ctx, hostKey(hostname), func() error {
		if err := e.precheckHost(ctx, op, hostname); err != nil {
			return err
		}
		ref, err := e.blobs.Put(blobstore.KindOverride, request.Content, hostname)
		if err != nil {
			return fmt.Errorf("rollout: storing override: %w", err)
		}
		changed, err := e.applier.Write(ctx, hostname, override.Override, request.Content, request.Options)
		if err != nil {
			e.metrics.HostFailures.WithLabelValues(op).Inc()
			return err
		}
		record, err = e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			host, err := tx.Host(hostname)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			host.OverridePresent = true
			host.OverrideSHA256 = ref.SHA256
			if _, err := tx.PutHost(host, host.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action:      fleet.ActionHostSetOverride,
				Hosts:       []string{hostname},
				Parameters:  map[string]string{"sha256": ref.SHA256, "alias": ref.Alias},
				Artifacts:   []fleet.ArtifactRef{artifactRef(hostname, ref)},
				HostResults: []fleet.HostApplyResult{{Host: hostname, OK: true, Changed: changed}},
			}, nil
		})
		return err
	})
	return record, err
}

// UnsetHostOverride snapshots the override on one host into the blob
// store and removes it.
func (e *Engine) UnsetHostOverride(ctx context.Context, hostname string, noBackup bool, operator Operator) (fleet.AuditRecord, error) {
	const op = "host.unset_override"
	hostname = fleet.NormalizeHostname(hostname)

	var record fleet.AuditRecord
	err := e.locked(ctx, hostKey(hostname), func() error {
		if err := e.precheckHost(ctx, op, hostname); err != nil {
			return err
		}
		content, err := e.applier.Read(ctx, hostname, override.Override)
		if fleet.IsNotFound(err) {
			return fleet.Precondition(op, "host %s has no override", hostname)
		}
		if err != nil {
			return err
		}
		snapshot, err := e.blobs.Put(blobstore.KindSnapshot, content, hostname)
		if err != nil {
			return fmt.Errorf("rollout: storing override snapshot: %w", err)
		}
		removed, err := e.applier.Remove(ctx, hostname, override.Override, noBackup)
		if err != nil {
			e.metrics.HostFailures.WithLabelValues(op).Inc()
			return err
		}
		record, err = e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			host, err := tx.Host(hostname)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			host.OverridePresent = false
			host.OverrideSHA256 = ""
			if _, err := tx.PutHost(host, host.Version); err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action: fleet.ActionHostUnsetOverride,
				Hosts:  []string{hostname},
				Parameters: map[string]string{
					"snapshot_sha256": snapshot.SHA256,
					"no_backup":       fmt.Sprint(noBackup),
				},
				Artifacts:   []fleet.ArtifactRef{artifactRef(hostname, snapshot)},
				HostResults: []fleet.HostApplyResult{{Host: hostname, OK: true, Changed: removed}},
			}, nil
		})
		return err
	})
	return record, err
}

// SetHostVault stores content as a vault blob, encrypted when the blob
// store has recipients, and writes it to one host.
func (e *Engine) SetHostVault(ctx context.Context, request ArtifactRequest) (fleet.AuditRecord, error) {
	const op = "host.set_vault"
	if len(request.Content) == 0 {
		return fleet.AuditRecord{}, fleet.Precondition(op, "vault content is empty")
	}
	hostname := fleet.NormalizeHostname(request.Host)

	var record fleet.AuditRecord
	err := e.locked(ctx, hostKey(hostname), func() error {
		if _, err := e.store.Host(ctx, hostname); err != nil {
			return err
		}
		ref, err := e.blobs.Put(blobstore.KindVault, request.Content, hostname)
		if err != nil {
			return fmt.Errorf("rollout: storing vault: %w", err)
		}
		changed, err := e.applier.Write(ctx, hostname, override.Vault, request.Content, request.Options)
		if err != nil {
			e.metrics.HostFailures.WithLabelValues(op).Inc()
			return err
		}
		record, err = e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			if _, err := tx.Host(hostname); err != nil {
				return fleet.AuditRecord{}, err
			}
			return fleet.AuditRecord{
				Action:      fleet.ActionHostSetVault,
				Hosts:       []string{hostname},
				Parameters:  map[string]string{"sha256": ref.SHA256, "alias": ref.Alias},
				Artifacts:   []fleet.ArtifactRef{artifactRef(hostname, ref)},
				HostResults: []fleet.HostApplyResult{{Host: hostname, OK: true, Changed: changed}},
			}, nil
		})
		return err
	})
	return record, err
}

// updateHost applies mutate to one host under its lock and commits the
// record mutate returns.
func (e *Engine) updateHost(ctx context.Context, hostname string, operator Operator, mutate func(host *fleet.Host) (fleet.AuditRecord, error)) (fleet.Host, error) {
	hostname = fleet.NormalizeHostname(hostname)
	var updated fleet.Host
	err := e.locked(ctx, hostKey(hostname), func() error {
		_, err := e.commit(ctx, operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
			host, err := tx.Host(hostname)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			record, err := mutate(&host)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			updated, err = tx.PutHost(host, host.Version)
			if err != nil {
				return fleet.AuditRecord{}, err
			}
			record.Hosts = []string{hostname}
			return record, nil
		})
		return err
	})
	return updated, err
}

// lockedHosts runs fn holding the lock of every host, taken in order.
func (e *Engine) lockedHosts(ctx context.Context, hosts []string, fn func() error) error {
	if len(hosts) == 0 {
		return fn()
	}
	return e.locked(ctx, hostKey(hosts[0]), func() error {
		return e.lockedHosts(ctx, hosts[1:], fn)
	})
}

// precheckHost rejects manual artifact changes on unknown hosts and on
// targets of an active rollout.
func (e *Engine) precheckHost(ctx context.Context, op, hostname string) error {
	host, err := e.store.Host(ctx, hostname)
	if err != nil {
		return err
	}
	rollouts, err := e.store.OpenRollouts(ctx)
	if err != nil {
		return err
	}
	for _, open := range rollouts {
		if open.Status == fleet.RolloutActive && open.Population == host.PopulationID &&
			slices.Contains(open.Targets, host.Hostname) {
			failure := fleet.Precondition(op, "host %s is a target of active rollout %s", host.Hostname, open.ID)
			failure.Hosts = []string{host.Hostname}
			return failure
		}
	}
	return nil
}

// requireNotStaged fails when host is a target of its population's
// active rollout.
func requireNotStaged(tx *store.Tx, op string, host fleet.Host) error {
	if host.PopulationID == "" {
		return nil
	}
	active, ok, err := tx.ActiveRollout(host.PopulationID)
	if err != nil || !ok {
		return err
	}
	if slices.Contains(active.Targets, host.Hostname) {
		failure := fleet.Precondition(op, "host %s is a target of active rollout %s", host.Hostname, active.ID)
		failure.Hosts = []string{host.Hostname}
		return failure
	}
	return nil
}

func artifactRef(host string, ref blobstore.Ref) fleet.ArtifactRef {
	return fleet.ArtifactRef{Host: host, SHA256: ref.SHA256, Alias: ref.Alias}
}

// normalizeHosts canonicalizes, dedupes, and natural-sorts hostnames.
func normalizeHosts(hosts []string) []string {
	var normalized []string
	for _, host := range hosts {
		if host = fleet.NormalizeHostname(host); host != "" {
			normalized = append(normalized, host)
		}
	}
	slices.SortFunc(normalized, compareHosts)
	return slices.Compact(normalized)
}

func compareHosts(a, b string) int {
	switch {
	case fleet.NaturalLess(a, b):
		return -1
	case fleet.NaturalLess(b, a):
		return 1
	default:
		return strings.Compare(a, b)
	}
}
