// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the fleetroll State Store: hosts, populations,
// rollouts, stages, observation snapshots, and scheduler worker
// records, persisted in a single SQLite database through
// [sqlitepool].
//
// Entities are stored as JSON documents beside the indexed columns
// queries need. Hosts, rollouts, and stages carry a version that every
// write increments; [Tx] update methods take the version the caller
// read and fail with a [fleet.KindConflict] error when another writer
// got there first.
//
// All multi-entity mutations run inside [Store.Transact], an IMMEDIATE
// transaction, so readers never observe a partially applied change.
// Per-entity serialization across processes uses lease rows taken with
// [Store.TryLock].
//
// Observation snapshots are retained per host: the latest N plus the
// most recent fully reachable snapshot, whichever is older. Pruning
// runs on every write, so retention holds without a maintenance pass.
// [Store.Compact] reclaims the freed pages.
package store
