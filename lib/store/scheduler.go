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

// RecordSchedulerWorker writes one scheduler worker record for its
// host, keeping the latest Retention records per host.
func (s *Store) RecordSchedulerWorker(ctx context.Context, worker fleet.SchedulerWorker) error {
	worker.Host = fleet.NormalizeHostname(worker.Host)
	if worker.Host == "" {
		return fleet.Precondition("store.record_scheduler_worker", "worker record has no host")
	}
	worker.ScannedAt = worker.ScannedAt.UTC()
	doc, err := encodeDoc(worker)
	if err != nil {
		return err
	}
	return s.Transact(ctx, func(tx *Tx) error {
		err := sqlitex.Execute(tx.conn,
			"INSERT INTO scheduler_workers (host, scanned_at, doc) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{worker.Host, worker.ScannedAt.UnixNano(), doc}})
		if err != nil {
			return fmt.Errorf("store: inserting scheduler worker for %s: %w", worker.Host, err)
		}
		err = sqlitex.Execute(tx.conn, `
			DELETE FROM scheduler_workers
			WHERE host = :host AND id NOT IN (
				SELECT id FROM scheduler_workers WHERE host = :host
				ORDER BY scanned_at DESC, id DESC LIMIT :retention)`,
			&sqlitex.ExecOptions{Named: map[string]any{":host": worker.Host, ":retention": s.retention}})
		if err != nil {
			return fmt.Errorf("store: pruning scheduler workers for %s: %w", worker.Host, err)
		}
		return nil
	})
}

// LatestSchedulerWorker returns the newest worker record for host.
func (s *Store) LatestSchedulerWorker(ctx context.Context, host string) (fleet.SchedulerWorker, bool, error) {
	workers, err := s.schedulerWorkers(ctx,
		"SELECT doc FROM scheduler_workers WHERE host = ? ORDER BY scanned_at DESC, id DESC LIMIT 1",
		fleet.NormalizeHostname(host))
	if err != nil || len(workers) == 0 {
		return fleet.SchedulerWorker{}, false, err
	}
	return workers[0], true, nil
}

// LatestSchedulerWorkers returns the newest worker record of every
// host that has one, keyed by hostname.
func (s *Store) LatestSchedulerWorkers(ctx context.Context) (map[string]fleet.SchedulerWorker, error) {
	workers, err := s.schedulerWorkers(ctx, `
		SELECT doc FROM scheduler_workers AS w
		WHERE id = (
			SELECT id FROM scheduler_workers WHERE host = w.host
			ORDER BY scanned_at DESC, id DESC LIMIT 1)`)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]fleet.SchedulerWorker, len(workers))
	for _, worker := range workers {
		latest[worker.Host] = worker
	}
	return latest, nil
}

func (s *Store) schedulerWorkers(ctx context.Context, query string, args ...any) ([]fleet.SchedulerWorker, error) {
	var workers []fleet.SchedulerWorker
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var worker fleet.SchedulerWorker
				if err := decodeDoc(stmt, 0, &worker); err != nil {
					return err
				}
				workers = append(workers, worker)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading scheduler workers: %w", err)
	}
	return workers, nil
}
