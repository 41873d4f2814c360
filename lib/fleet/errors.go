// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure of a fleet operation. Callers branch
// on the kind; the CLI maps each kind to an exit code.
type ErrorKind string

const (
	// KindTransport: a remote step could not complete. The prober
	// absorbs these into the snapshot; the override applier returns
	// them per host.
	KindTransport ErrorKind = "transport_failure"

	// KindPrecondition: the operation was invalid in the current
	// state. Nothing was changed.
	KindPrecondition ErrorKind = "precondition_violation"

	// KindGate: a normal advance was blocked by failing health gates.
	// The error names each failing gate with its measured value and
	// threshold.
	KindGate ErrorKind = "gate_failure"

	// KindConflict: another writer modified the same entity and
	// bounded retry did not resolve it.
	KindConflict ErrorKind = "concurrent_mutation_conflict"

	// KindIntegrity: a blob hash mismatch or audit chain break. The
	// affected data cannot be trusted.
	KindIntegrity ErrorKind = "storage_integrity_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrTransport    = &Error{Kind: KindTransport}
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrGateFailure  = &Error{Kind: KindGate}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrIntegrity    = &Error{Kind: KindIntegrity}
)

// ErrNotFound is wrapped by precondition errors for missing hosts,
// populations, rollouts, and blobs.
var ErrNotFound = errors.New("not found")

// Error is the typed error returned by fleet operations.
type Error struct {
	Kind ErrorKind

	// Op names the operation that failed, for example "rollout.advance".
	Op string

	// Message is a human-readable description.
	Message string

	// Gates lists the failing gate results of a gate failure.
	Gates []GateResult

	// Hosts lists the hosts that caused the failure, when specific.
	Hosts []string

	// Err is the underlying cause, if any.
	Err error
}

func (err *Error) Error() string {
	var builder strings.Builder
	if err.Op != "" {
		builder.WriteString(err.Op)
		builder.WriteString(": ")
	}
	switch {
	case err.Message != "":
		builder.WriteString(err.Message)
	default:
		builder.WriteString(strings.ReplaceAll(string(err.Kind), "_", " "))
	}
	for _, gate := range err.Gates {
		fmt.Fprintf(&builder, "; %s", gate)
	}
	if len(err.Hosts) > 0 {
		fmt.Fprintf(&builder, " (hosts: %s)", strings.Join(err.Hosts, ", "))
	}
	if err.Err != nil {
		fmt.Fprintf(&builder, ": %v", err.Err)
	}
	return builder.String()
}

func (err *Error) Unwrap() error { return err.Err }

// Is matches any *Error of the same kind, so errors.Is(err,
// ErrGateFailure) holds for every gate failure.
func (err *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == err.Kind && (other.Op == "" || other.Op == err.Op)
}

// KindOf returns the kind of the first *Error in err's chain, or ""
// for untyped errors.
func KindOf(err error) ErrorKind {
	var fleetError *Error
	if errors.As(err, &fleetError) {
		return fleetError.Kind
	}
	return ""
}

// Precondition returns a precondition violation for op.
func Precondition(op, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a precondition violation wrapping ErrNotFound.
func NotFound(op, what, name string) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Message: fmt.Sprintf("%s %q", what, name), Err: ErrNotFound}
}

// Conflict returns a concurrent mutation conflict for op.
func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Transport returns a transport failure for op wrapping err.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "transport failure", Err: err}
}

// Integrity returns a storage integrity error for op.
func Integrity(op, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Message: fmt.Sprintf(format, args...)}
}

// GateFailure returns a gate failure listing the failing results.
func GateFailure(op string, failed []GateResult) *Error {
	return &Error{Kind: KindGate, Op: op, Message: "gates failed", Gates: failed}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a concurrent mutation conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
