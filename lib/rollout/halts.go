// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// Halts lists the entities whose mutation is stopped after an
// integrity failure.
func (e *Engine) Halts(ctx context.Context) ([]store.Halt, error) {
	return e.store.Halts(ctx)
}

// ClearHaltRequest lifts the halt on one entity once the operator has
// repaired the failure that raised it.
type ClearHaltRequest struct {
	// Key is the halted lock key, as listed by Halts.
	Key      string
	Reason   string
	Operator Operator
}

// ClearHalt removes the halt on request.Key and audits the decision.
func (e *Engine) ClearHalt(ctx context.Context, request ClearHaltRequest) (fleet.AuditRecord, error) {
	const op = "halt.clear"
	if request.Reason == "" {
		return fleet.AuditRecord{}, fleet.Precondition(op, "clearing a halt requires a reason")
	}
	record, err := e.commit(ctx, request.Operator, func(tx *store.Tx) (fleet.AuditRecord, error) {
		cleared, err := tx.ClearHalt(request.Key)
		if err != nil {
			return fleet.AuditRecord{}, err
		}
		if !cleared {
			return fleet.AuditRecord{}, fleet.NotFound(op, "halt", request.Key)
		}
		return fleet.AuditRecord{
			Action: fleet.ActionHaltClear,
			Parameters: map[string]string{
				"key":    request.Key,
				"reason": request.Reason,
			},
		}, nil
	})
	if err != nil {
		return fleet.AuditRecord{}, err
	}
	e.forgetHalt(request.Key)
	return record, nil
}
