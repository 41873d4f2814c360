// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the fleetroll
// binary: a [Command] tree dispatched by [Command.Execute] with pflag
// flag sets, typo suggestions for unknown commands and flags, a
// terminal-aware logger, and [Output] for tables and JSON.
package cli
