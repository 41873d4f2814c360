// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Halt is a persisted stop on mutation of one entity after a storage
// integrity failure.
type Halt struct {
	Key      string    `json:"key"`
	Reason   string    `json:"reason"`
	HaltedAt time.Time `json:"halted_at"`
}

// RecordHalt stops mutation of the entity named key. The first reason
// recorded for a key is kept.
func (s *Store) RecordHalt(ctx context.Context, key, reason string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO halts (key, reason, halted_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, reason, s.clock.Now().UnixNano()}})
		if err != nil {
			return fmt.Errorf("store: recording halt of %s: %w", key, err)
		}
		return nil
	})
}

// Halted returns the halt recorded for key, if any.
func (s *Store) Halted(ctx context.Context, key string) (Halt, bool, error) {
	var halt Halt
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT reason, halted_at FROM halts WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				halt = Halt{Key: key, Reason: stmt.ColumnText(0), HaltedAt: time.Unix(0, stmt.ColumnInt64(1)).UTC()}
				return nil
			},
		})
	})
	if err != nil {
		return Halt{}, false, fmt.Errorf("store: reading halt of %s: %w", key, err)
	}
	return halt, found, nil
}

// Halts returns every recorded halt ordered by key.
func (s *Store) Halts(ctx context.Context) ([]Halt, error) {
	var halts []Halt
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT key, reason, halted_at FROM halts ORDER BY key", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				halts = append(halts, Halt{
					Key:      stmt.ColumnText(0),
					Reason:   stmt.ColumnText(1),
					HaltedAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing halts: %w", err)
	}
	return halts, nil
}

// ClearHalt removes the halt on key inside tx and reports whether one
// existed.
func (tx *Tx) ClearHalt(key string) (bool, error) {
	err := sqlitex.Execute(tx.conn, "DELETE FROM halts WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return false, fmt.Errorf("store: clearing halt of %s: %w", key, err)
	}
	return tx.conn.Changes() > 0, nil
}
