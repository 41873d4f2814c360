// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/sqlitepool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS hosts (
		hostname   TEXT PRIMARY KEY,
		population TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL,
		doc        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_population ON hosts(population);

	CREATE TABLE IF NOT EXISTS populations (
		name TEXT PRIMARY KEY,
		doc  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rollouts (
		id         TEXT PRIMARY KEY,
		population TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		version    INTEGER NOT NULL,
		doc        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rollouts_population ON rollouts(population, status);

	CREATE TABLE IF NOT EXISTS stages (
		rollout_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		status     TEXT NOT NULL,
		version    INTEGER NOT NULL,
		doc        TEXT NOT NULL,
		PRIMARY KEY (rollout_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS observations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		host        TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		ok          INTEGER NOT NULL,
		doc         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_host ON observations(host, observed_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS scheduler_workers (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		host       TEXT NOT NULL,
		scanned_at INTEGER NOT NULL,
		doc        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduler_workers_host ON scheduler_workers(host, scanned_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS locks (
		key        TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS halts (
		key       TEXT PRIMARY KEY,
		reason    TEXT NOT NULL,
		halted_at INTEGER NOT NULL
	);
`

// DefaultRetention is the number of observation snapshots kept per
// host when Config.Retention is zero.
const DefaultRetention = 10

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the number of connections. Zero means 4.
	PoolSize int

	// Retention is the number of observation snapshots and scheduler
	// worker records kept per host. Zero means DefaultRetention.
	Retention int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is an open State Store. It is safe for concurrent use.
type Store struct {
	pool      *sqlitepool.Pool
	retention int
	clock     clock.Clock
	logger    *slog.Logger
}

// Open opens or creates the database at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := cfg.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// Take one connection now so schema errors surface from Open
	// rather than from the first query.
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	pool.Put(conn)

	return &Store{
		pool:      pool,
		retention: retention,
		clock:     storeClock,
		logger:    logger,
	}, nil
}

// Close closes the database, waiting for borrowed connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Retention returns the per-host snapshot retention count.
func (s *Store) Retention() int { return s.retention }

// withConn runs fn on a borrowed connection.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Transact runs fn inside an IMMEDIATE transaction. The transaction
// commits when fn returns nil and rolls back otherwise. The returned
// error is fn's error, or the commit error if committing failed.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, store: s})
}

// CompactReport describes a compaction pass.
type CompactReport struct {
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
}

// Compact checkpoints the WAL and vacuums the database. Retention is
// enforced on write, so compaction never removes snapshots.
func (s *Store) Compact(ctx context.Context) (CompactReport, error) {
	before, err := s.pool.FileSize()
	if err != nil {
		return CompactReport{}, err
	}
	if err := s.pool.Vacuum(ctx); err != nil {
		return CompactReport{}, fmt.Errorf("store: %w", err)
	}
	after, err := s.pool.FileSize()
	if err != nil {
		return CompactReport{}, err
	}
	s.logger.Info("store compacted", "path", s.pool.Path(), "bytes_before", before, "bytes_after", after)
	return CompactReport{BytesBefore: before, BytesAfter: after}, nil
}

func encodeDoc(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("store: encoding document: %w", err)
	}
	return string(data), nil
}

func decodeDoc(stmt *sqlite.Stmt, column int, destination any) error {
	if err := json.Unmarshal([]byte(stmt.ColumnText(column)), destination); err != nil {
		return fmt.Errorf("store: decoding document: %w", err)
	}
	return nil
}
