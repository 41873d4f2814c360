// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rollout is the mutation engine: every change to populations,
// hosts, rollouts, and stages goes through an [Engine], and every
// change produces exactly one audit record.
//
// A rollout moves Draft → Active → Succeeded → Finalized, or to
// Aborted from Active. Start applies the override to the canary and
// opens stage 1. Advance evaluates the gates over the rollout's
// targets; a normal advance that fails pauses the stage, a forced one
// proceeds and records the bypassed evaluation. Rollback aborts the
// rollout and leaves hosts untouched. Finalize snapshots and removes
// the override from every target, once.
//
// Each mutation takes a store lease on the entity it changes, runs its
// remote effects, renews the lease, then commits the store change and
// the audit append in one transaction. A failed commit after the
// append is recorded with a txn.rollback record. When a stage commit
// is rejected after its override was written, the write is undone and
// a stage.apply_reverted record lists both per-host outcomes.
//
// An integrity failure halts further mutation of the entity. Halts are
// stored, so every engine sharing the database refuses the entity
// until an operator clears the halt with [Engine.ClearHalt].
package rollout
