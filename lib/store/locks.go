// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// DefaultLockTTL bounds how long an abandoned lock blocks other
// writers.
const DefaultLockTTL = 10 * time.Minute

// LockKey names the lock serializing mutations of one entity.
func LockKey(kind, id string) string { return kind + ":" + id }

// TryLock takes the lease named key for owner. It fails with a
// conflict when another live lease holds the key; expired leases are
// taken over. The returned release function drops the lease and is
// safe to call more than once.
func (s *Store) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := uuid.NewString()
	now := s.clock.Now()

	err := s.Transact(ctx, func(tx *Tx) error {
		var holder string
		var expiresAt int64
		held := false
		err := sqlitex.Execute(tx.conn, "SELECT owner, expires_at FROM locks WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				held = true
				holder = stmt.ColumnText(0)
				expiresAt = stmt.ColumnInt64(1)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("store: reading lock %s: %w", key, err)
		}
		if held && expiresAt > now.UnixNano() {
			return fleet.Conflict("store.lock", "%s is locked by %s until %s",
				key, holder, time.Unix(0, expiresAt).UTC().Format(time.RFC3339))
		}
		if held {
			s.logger.Warn("taking over expired lock", "key", key, "previous_owner", holder)
		}
		err = sqlitex.Execute(tx.conn,
			"INSERT OR REPLACE INTO locks (key, token, owner, expires_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, token, owner, now.Add(ttl).UnixNano()}})
		if err != nil {
			return fmt.Errorf("store: taking lock %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Release must succeed even when the caller's context is done.
		err := s.withConn(context.WithoutCancel(ctx), func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, "DELETE FROM locks WHERE key = ? AND token = ?",
				&sqlitex.ExecOptions{Args: []any{key, token}})
		})
		if err != nil {
			s.logger.Error("releasing lock failed", "key", key, "error", err)
		}
	}
	return release, nil
}

// RenewLock extends owner's lease on key to ttl from now. It fails
// with a conflict when the lease expired and another owner took it.
func (s *Store) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := s.clock.Now()
	return s.Transact(ctx, func(tx *Tx) error {
		err := sqlitex.Execute(tx.conn,
			"UPDATE locks SET expires_at = ? WHERE key = ? AND owner = ?",
			&sqlitex.ExecOptions{Args: []any{now.Add(ttl).UnixNano(), key, owner}})
		if err != nil {
			return fmt.Errorf("store: renewing lock %s: %w", key, err)
		}
		if tx.conn.Changes() == 0 {
			return fleet.Conflict("store.lock", "lease on %s held by %s was lost", key, owner)
		}
		return nil
	})
}
