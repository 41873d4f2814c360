// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger implements the append-only audit ledger: the legal
// record of every mutating action fleetroll performs.
//
// The ledger is a JSON Lines file. Each line is one [fleet.AuditRecord]
// and is never rewritten. Records form a hash chain: each carries a
// sequence number, the previous record's hash, and its own hash,
//
//	hash = BLAKE3-keyed("fleetroll.audit.chain", prev_hash || CBOR(record without hash))
//
// where CBOR is lib/codec's Core Deterministic Encoding. Any edit,
// deletion, or reordering of a line breaks the chain at that point and
// [Ledger.Verify] reports a storage integrity error naming the
// sequence number.
//
// # Concurrency
//
// Appends serialize on an exclusive flock of audit.jsonl.lock, so
// every process sharing the ledger writes into one global order. Under
// the lock an append re-reads the head record from the end of the
// file, checks its hash, and only then stamps the new record; the line
// is fsynced before the lock is released. Readers open the files independently and never take
// the writer lock; a reader that races an append sees either the
// complete new line or none of it, because an incomplete trailing line
// is ignored.
//
// # Rotation
//
// [Ledger.Rotate] renames the active file to
// audit.jsonl.YYYYMMDD-HHMMSS once it exceeds a size threshold and
// starts a new one. The head hash and sequence carry over, so the chain
// continues across files and Verify walks rotated files oldest first.
package ledger
