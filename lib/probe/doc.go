// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe implements the inventory prober.
//
// A probe pass runs a fixed protocol against each candidate host with
// bounded concurrency: DNS resolution, SSH reachability, a
// non-interactive sudo check, the role file, the override and vault
// artifacts, the on-host config-management state file, and
// correlation with the external job scheduler. Each step is a
// separate remote command with its own timeout, so a failed step
// records its failure and later steps still run. Steps that need the
// remote shell are marked unreachable when SSH fails, and steps that
// need root are marked failed when sudo is denied.
//
// Every host yields exactly one [fleet.ObservationSnapshot] per pass,
// recorded through a [Recorder]. Snapshots carry no timing beyond
// ObservedAt, so probing an unchanged host twice produces snapshots
// that are equal apart from that timestamp.
//
// Remote scripts print KEY=VALUE lines parsed by [ParseKV]. The
// artifacts script prints the override content after the
// [ContentSentinel] line; the content is hashed locally and stored in
// the blob store. The state script prints the state file base64
// encoded, or legacy report fields when the file is absent; see
// [ParseState].
package probe
