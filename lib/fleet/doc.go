// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet defines the data model shared by every fleetroll
// component: hosts, populations, observation snapshots, rollouts,
// stages, gate configuration and results, and audit records. It also
// defines the error taxonomy that core operations return.
//
// Types here are plain values. The state store (lib/store) owns their
// persistence; no component holds a long-lived mutable reference to an
// entity owned by another component. Callers read a value, compute,
// and write it back through the store's transactional API.
//
// # Identity
//
// Hosts are identified by hostname, compared case-insensitively. Use
// [NormalizeHostname] before any map lookup or store query. Populations
// are identified by name, rollouts by an opaque id, and stages by
// (rollout id, sequence number) starting at 1.
//
// # Serialization
//
// Fields carry `json` tags: the audit ledger and the SQLite JSON blobs
// both use JSON, and lib/codec reads the same tags when it produces
// canonical CBOR for ledger chain hashing.
//
// This package depends on no other fleetroll packages.
package fleet
