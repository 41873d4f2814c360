// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides fleetroll's canonical CBOR encoding.
//
// fleetroll stores and exchanges data as JSON: audit ledger lines,
// SQLite entity columns, CLI --json output. JSON is not canonical, so
// anything that must be hashed reproducibly goes through this package
// instead. The audit ledger hashes the Core Deterministic Encoding
// (RFC 8949 §4.2) of each record, and the blob store writes its
// metadata sidecars in the same encoding.
//
// The encoder reads `json` struct tags as a fallback, so the domain
// types in lib/fleet need no separate `cbor` tags. Times encode as
// RFC 3339 text with nanoseconds, which makes a record re-read from a
// JSON ledger line hash identically to the value that was appended,
// provided its times are in UTC.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
package codec
