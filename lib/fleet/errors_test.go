// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs(t *testing.T) {
	gateError := GateFailure("stage.advance", []GateResult{
		{Name: GateSSHableMinPct, Measured: 80, Threshold: 90},
	})
	wrapped := fmt.Errorf("advancing: %w", gateError)

	if !errors.Is(wrapped, ErrGateFailure) {
		t.Error("errors.Is(gate failure, ErrGateFailure) = false")
	}
	if errors.Is(wrapped, ErrConflict) {
		t.Error("errors.Is(gate failure, ErrConflict) = true")
	}
	if KindOf(wrapped) != KindGate {
		t.Errorf("KindOf = %q, want %q", KindOf(wrapped), KindGate)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(untyped) is non-empty")
	}
}

func TestErrorMessage(t *testing.T) {
	err := GateFailure("stage.advance", []GateResult{
		{Name: GateSSHableMinPct, Measured: 80, Threshold: 90},
	})
	expected := "stage.advance: gates failed; sshable_min_pct: 80 < 90"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("store.host", "host", "h1")
	if !IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
	if !errors.Is(err, ErrPrecondition) {
		t.Error("not-found is not a precondition violation")
	}
}

func TestGateResultString(t *testing.T) {
	tests := []struct {
		result   GateResult
		expected string
	}{
		{GateResult{Name: GateSSHableMinPct, Measured: 80, Threshold: 90}, "sshable_min_pct: 80 < 90"},
		{GateResult{Name: GateSSHableMinPct, Passed: true, Measured: 95.5, Threshold: 90}, "sshable_min_pct: 95.5 >= 90"},
		{GateResult{Name: GateTCOnlineDropPct, Measured: 12.25, Threshold: 10}, "tc_online_drop_pct: 12.25 > 10"},
		{GateResult{Name: GateMinJobsTotal, Threshold: 5, Insufficient: true}, "min_jobs_total: 0 < 5 (insufficient data)"},
	}
	for _, test := range tests {
		if got := test.result.String(); got != test.expected {
			t.Errorf("String() = %q, want %q", got, test.expected)
		}
	}
}
