// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package override writes, removes, and reads the single override
// artifact (and its sibling, the vault file) on hosts through a
// [remote.Runner].
//
// Writes are atomic on the host: content goes to a temporary file in
// the destination directory, is given its mode and ownership, and is
// renamed into place only when it differs from the current file. The
// replaced file is kept as a timestamped backup unless backups are
// disabled, and only the 30 newest backups survive. The artifact path
// depends on the host OS and is chosen on the host itself.
//
// [Applier] fans writes and removals out across many hosts with
// bounded concurrency and reports one [fleet.HostApplyResult] per
// host; a failure on one host never stops the others.
package override
