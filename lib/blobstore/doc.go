// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore is the content-addressed store for override and
// vault artifacts and for the pre-removal snapshots finalize takes.
//
// A blob's key is the SHA-256 of its plaintext, lowercase hex. Blobs
// are grouped by [Kind]; each kind lives in its own directory under
// the store root:
//
//	<root>/<kind>/<sha256>        body
//	<root>/<kind>/<sha256>.meta   CBOR metadata sidecar
//
// Bodies are compressed at rest (zstd by default, lz4 or none by
// configuration; incompressible content is stored as-is). Vault blobs
// are additionally age-encrypted to the configured recipients when any
// are set. Reads reverse both steps and re-hash the plaintext; a
// mismatch is a storage integrity error.
//
// The store is append-only. Writes go to a temporary file and are
// renamed into place, so concurrent puts of identical content are
// idempotent and a reader never sees a partial body.
//
// # Aliases
//
// Besides the full hash, a blob can be named by its alias: the kind's
// prefix ("ovr-", "vlt-", "snap-") followed by the shortest unique hex
// prefix of the hash within that kind, starting at 12 characters and
// growing by 4 on collision. Lookups accept full hashes, aliases, and
// bare unique hex prefixes.
package blobstore
