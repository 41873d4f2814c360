// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is the remote execution primitive: run a shell
// script on a host with a hard timeout and return its exit code and
// output.
//
// A non-zero exit is a [Result], not an error. Errors are reserved for
// failures to run at all (the ssh binary is missing, the caller's
// context ended). A command that exceeds its timeout is killed and
// reported with [ExitTimeout], the convention timeout(1) uses, so
// callers treat it like any other failed step.
//
// [SSH] runs scripts through the OpenSSH client in batch mode. [Fake]
// serves tests with scripted per-host responses.
package remote
