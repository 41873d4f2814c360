// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Host returns the host with the given name.
func (s *Store) Host(ctx context.Context, hostname string) (fleet.Host, error) {
	var host fleet.Host
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		host, err = getHost(conn, hostname)
		return err
	})
	return host, err
}

// Hosts returns every host in natural hostname order.
func (s *Store) Hosts(ctx context.Context) ([]fleet.Host, error) {
	var hosts []fleet.Host
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		hosts, err = listHosts(conn, "", false)
		return err
	})
	return hosts, err
}

// HostsInPopulation returns the hosts assigned to population in
// natural hostname order.
func (s *Store) HostsInPopulation(ctx context.Context, population string) ([]fleet.Host, error) {
	var hosts []fleet.Host
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		hosts, err = listHosts(conn, population, true)
		return err
	})
	return hosts, err
}

// Host returns the host with the given name.
func (tx *Tx) Host(hostname string) (fleet.Host, error) {
	return getHost(tx.conn, hostname)
}

// HostsInPopulation returns the hosts assigned to population.
func (tx *Tx) HostsInPopulation(population string) ([]fleet.Host, error) {
	return listHosts(tx.conn, population, true)
}

// PutHost writes host. An expectedVersion of zero inserts a new host;
// otherwise the stored version must equal expectedVersion. The
// returned host carries the new version.
func (tx *Tx) PutHost(host fleet.Host, expectedVersion int64) (fleet.Host, error) {
	host.Hostname = fleet.NormalizeHostname(host.Hostname)
	if host.Hostname == "" {
		return fleet.Host{}, fleet.Precondition("store.put_host", "empty hostname")
	}
	return host, putHost(tx.conn, &host, expectedVersion)
}

func putHost(conn *sqlite.Conn, host *fleet.Host, expectedVersion int64) error {
	host.Version = expectedVersion + 1
	doc, err := encodeDoc(host)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		exists, err := rowExists(conn, "SELECT 1 FROM hosts WHERE hostname = ?", host.Hostname)
		if err != nil {
			return err
		}
		if exists {
			return fleet.Conflict("store.put_host", "host %s already exists", host.Hostname)
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO hosts (hostname, population, version, doc) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{host.Hostname, host.PopulationID, host.Version, doc}})
		if err != nil {
			return fmt.Errorf("store: inserting host %s: %w", host.Hostname, err)
		}
		return nil
	}

	err = sqlitex.Execute(conn,
		"UPDATE hosts SET population = ?, version = ?, doc = ? WHERE hostname = ? AND version = ?",
		&sqlitex.ExecOptions{Args: []any{host.PopulationID, host.Version, doc, host.Hostname, expectedVersion}})
	if err != nil {
		return fmt.Errorf("store: updating host %s: %w", host.Hostname, err)
	}
	if conn.Changes() == 0 {
		return staleVersion(conn, "store.put_host", "host", host.Hostname,
			"SELECT version FROM hosts WHERE hostname = ?", expectedVersion)
	}
	return nil
}

func getHost(conn *sqlite.Conn, hostname string) (fleet.Host, error) {
	hostname = fleet.NormalizeHostname(hostname)
	var host fleet.Host
	found := false
	err := sqlitex.Execute(conn, "SELECT version, doc FROM hosts WHERE hostname = ?", &sqlitex.ExecOptions{
		Args: []any{hostname},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			if err := decodeDoc(stmt, 1, &host); err != nil {
				return err
			}
			host.Version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fleet.Host{}, fmt.Errorf("store: reading host %s: %w", hostname, err)
	}
	if !found {
		return fleet.Host{}, fleet.NotFound("store.host", "host", hostname)
	}
	return host, nil
}

func listHosts(conn *sqlite.Conn, population string, filter bool) ([]fleet.Host, error) {
	query := "SELECT version, doc FROM hosts"
	var args []any
	if filter {
		query += " WHERE population = ?"
		args = append(args, population)
	}
	var hosts []fleet.Host
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var host fleet.Host
			if err := decodeDoc(stmt, 1, &host); err != nil {
				return err
			}
			host.Version = stmt.ColumnInt64(0)
			hosts = append(hosts, host)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing hosts: %w", err)
	}
	slices.SortFunc(hosts, func(a, b fleet.Host) int {
		switch {
		case fleet.NaturalLess(a.Hostname, b.Hostname):
			return -1
		case fleet.NaturalLess(b.Hostname, a.Hostname):
			return 1
		}
		return 0
	})
	return hosts, nil
}

func rowExists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: %w", err)
	}
	return exists, nil
}

// staleVersion builds the error for a versioned update that matched
// no row: not found when the entity is missing, a conflict otherwise.
func staleVersion(conn *sqlite.Conn, op, what, key, versionQuery string, expected int64, keyArgs ...any) error {
	if len(keyArgs) == 0 {
		keyArgs = []any{key}
	}
	var current int64
	found := false
	err := sqlitex.Execute(conn, versionQuery, &sqlitex.ExecOptions{
		Args: keyArgs,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			current = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if !found {
		return fleet.NotFound(op, what, key)
	}
	return fleet.Conflict(op, "%s %s is at version %d, expected %d", what, key, current, expected)
}
