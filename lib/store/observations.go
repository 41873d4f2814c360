// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// RecordObservation writes one snapshot and folds it into the host
// record, creating the host on its first observation. Older snapshots
// beyond the retention count are pruned in the same transaction,
// except the most recent fully reachable one.
func (s *Store) RecordObservation(ctx context.Context, snapshot fleet.ObservationSnapshot) (fleet.Host, error) {
	snapshot.Host = fleet.NormalizeHostname(snapshot.Host)
	if snapshot.Host == "" {
		return fleet.Host{}, fleet.Precondition("store.record_observation", "snapshot has no host")
	}
	snapshot.ObservedAt = snapshot.ObservedAt.UTC()

	var host fleet.Host
	err := s.Transact(ctx, func(tx *Tx) error {
		current, err := getHost(tx.conn, snapshot.Host)
		var expectedVersion int64
		switch {
		case err == nil:
			expectedVersion = current.Version
		case fleet.IsNotFound(err):
			current = fleet.Host{Hostname: snapshot.Host, DiscoveredAt: snapshot.ObservedAt}
		default:
			return err
		}

		applyObservation(&current, snapshot)
		if err := putHost(tx.conn, &current, expectedVersion); err != nil {
			return err
		}
		host = current

		doc, err := encodeDoc(snapshot)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(tx.conn,
			"INSERT INTO observations (host, observed_at, ok, doc) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{snapshot.Host, snapshot.ObservedAt.UnixNano(), snapshot.OK(), doc}})
		if err != nil {
			return fmt.Errorf("store: inserting observation for %s: %w", snapshot.Host, err)
		}
		return s.pruneObservations(tx.conn, snapshot.Host)
	})
	if err != nil {
		return fleet.Host{}, err
	}
	return host, nil
}

// applyObservation updates the host fields a probe pass owns. Fields
// read by a failed step keep their previous values.
func applyObservation(host *fleet.Host, snapshot fleet.ObservationSnapshot) {
	host.SSHable = snapshot.SSH.OK()
	host.Sudoable = snapshot.Sudo.OK()
	if host.SSHable {
		host.LastSeen = snapshot.ObservedAt
	}
	if snapshot.Role.Step.OK() {
		host.ObservedRole = ""
		if snapshot.Role.Present {
			host.ObservedRole = snapshot.Role.Role
		}
	}
	if snapshot.Override.Step.OK() {
		host.OverridePresent = snapshot.Override.Present
		host.OverrideSHA256 = ""
		if snapshot.Override.Present {
			host.OverrideSHA256 = snapshot.Override.SHA256
		}
	}
}

func (s *Store) pruneObservations(conn *sqlite.Conn, host string) error {
	err := sqlitex.Execute(conn, `
		DELETE FROM observations
		WHERE host = :host
		  AND id NOT IN (
			SELECT id FROM observations WHERE host = :host
			ORDER BY observed_at DESC, id DESC LIMIT :retention)
		  AND id NOT IN (
			SELECT id FROM observations WHERE host = :host AND ok = 1
			ORDER BY observed_at DESC, id DESC LIMIT 1)`,
		&sqlitex.ExecOptions{Named: map[string]any{":host": host, ":retention": s.retention}})
	if err != nil {
		return fmt.Errorf("store: pruning observations for %s: %w", host, err)
	}
	if pruned := conn.Changes(); pruned > 0 {
		s.logger.Debug("observations pruned", "host", host, "count", pruned)
	}
	return nil
}

// LatestObservation returns the newest snapshot of host. The boolean
// is false when the host has never been observed.
func (s *Store) LatestObservation(ctx context.Context, host string) (fleet.ObservationSnapshot, bool, error) {
	snapshots, err := s.observations(ctx,
		"SELECT doc FROM observations WHERE host = ? ORDER BY observed_at DESC, id DESC LIMIT 1",
		fleet.NormalizeHostname(host))
	if err != nil || len(snapshots) == 0 {
		return fleet.ObservationSnapshot{}, false, err
	}
	return snapshots[0], true, nil
}

// LastKnownGood returns the newest fully reachable snapshot of host.
func (s *Store) LastKnownGood(ctx context.Context, host string) (fleet.ObservationSnapshot, bool, error) {
	snapshots, err := s.observations(ctx,
		"SELECT doc FROM observations WHERE host = ? AND ok = 1 ORDER BY observed_at DESC, id DESC LIMIT 1",
		fleet.NormalizeHostname(host))
	if err != nil || len(snapshots) == 0 {
		return fleet.ObservationSnapshot{}, false, err
	}
	return snapshots[0], true, nil
}

// Observations returns the retained snapshots of host, newest first.
func (s *Store) Observations(ctx context.Context, host string) ([]fleet.ObservationSnapshot, error) {
	return s.observations(ctx,
		"SELECT doc FROM observations WHERE host = ? ORDER BY observed_at DESC, id DESC",
		fleet.NormalizeHostname(host))
}

// LatestObservations returns the newest snapshot of every observed
// host, keyed by hostname.
func (s *Store) LatestObservations(ctx context.Context) (map[string]fleet.ObservationSnapshot, error) {
	snapshots, err := s.observations(ctx, `
		SELECT doc FROM observations AS o
		WHERE id = (
			SELECT id FROM observations WHERE host = o.host
			ORDER BY observed_at DESC, id DESC LIMIT 1)`)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]fleet.ObservationSnapshot, len(snapshots))
	for _, snapshot := range snapshots {
		latest[snapshot.Host] = snapshot
	}
	return latest, nil
}

func (s *Store) observations(ctx context.Context, query string, args ...any) ([]fleet.ObservationSnapshot, error) {
	var snapshots []fleet.ObservationSnapshot
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var snapshot fleet.ObservationSnapshot
				if err := decodeDoc(stmt, 0, &snapshot); err != nil {
					return err
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading observations: %w", err)
	}
	return snapshots, nil
}
