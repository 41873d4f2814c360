// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for fleetroll.
//
// Configuration comes from a single file named by the FLEETROLL_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). With neither, [Default] applies: state under
// ~/.fleetroll, 16 probe workers, retention of 10 snapshots per host.
// There is no file discovery and no per-field environment override.
//
// After loading, path fields expand ${HOME}, ${FLEETROLL_ROOT}, and
// ${VAR:-default} patterns. Durations use Go syntax ("60s", "1h").
//
// Key exports:
//
//   - [Config] -- paths, probe, store, drift, rollout, ledger, blobs,
//     and scheduler sections
//   - [Default] -- the built-in configuration
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
package config
