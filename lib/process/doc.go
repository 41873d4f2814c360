// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the fleetroll
// binary: the mapping from core error kinds to process exit codes,
// and fatal error reporting for failures that happen before the
// structured logger exists.
//
// Exit codes:
//
//	0  success
//	1  unclassified error
//	2  precondition violation (including not found)
//	3  gate failure
//	4  concurrent mutation conflict
//	5  storage integrity error
//	6  transport failure
package process
