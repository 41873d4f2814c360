// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// fleetroll binary.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time via -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/fleetroll/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" in development builds and
// tests, where [Current] falls back to the toolchain VCS stamps.
package version
