// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides the SHA-256 content hashing that names
// artifacts throughout fleetroll.
//
// Override and vault artifacts are identified by the lowercase hex
// SHA-256 of their bytes: the blob store keys on it, the prober
// records it from what it reads on each host, the on-host state file
// reports the hash config management applied, and a rollout's change
// descriptor is one. All of those must agree byte for byte, so every
// component hashes through this package.
//
//   - [Sum] -- hex digest of a byte slice
//   - [HashFile] -- hex digest of a local file, streamed
//   - [ParseDigest] -- validates a hex digest and returns its bytes
//   - [IsDigest] -- reports whether a string is a well-formed digest
package binhash
