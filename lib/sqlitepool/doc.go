// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// fleetroll state store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, do their work, and [Pool.Put] it back; a connection is
// never shared between goroutines. Every connection is prepared with:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=FULL: a committed stage transition survives power
//     loss, since the audit ledger already records it.
//   - busy_timeout=5000: writers queue for up to five seconds before
//     SQLITE_BUSY surfaces.
//   - foreign_keys=ON: stages reference rollouts, snapshots reference
//     hosts.
//   - temp_store=MEMORY.
//
// A schema script, if configured, runs on each new connection after
// the pragmas, so it must be idempotent (CREATE ... IF NOT EXISTS).
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(root, "fleetroll.db"),
//	    Schema: schema,
//	    Logger: logger,
//	})
//	conn, err := pool.Take(ctx)
//	defer pool.Put(conn)
package sqlitepool
