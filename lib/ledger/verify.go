// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// VerifyReport summarizes a successful chain verification.
type VerifyReport struct {
	Files   int
	Records int
	Head    string
}

// Verify walks every ledger file oldest first and checks sequence
// continuity, prev-hash linkage, and each record's hash. The first
// violation is returned as a storage integrity error naming the file
// and sequence number.
func (l *Ledger) Verify() (VerifyReport, error) {
	files, err := l.Files()
	if err != nil {
		return VerifyReport{}, err
	}

	var report VerifyReport
	var previous fleet.AuditRecord
	for _, path := range files {
		report.Files++
		err := eachRecord(path, path == l.path, func(lineNumber int, record fleet.AuditRecord) error {
			if record.Sequence != previous.Sequence+1 {
				return integrityError(path, lineNumber, record.Sequence,
					"sequence %d follows %d", record.Sequence, previous.Sequence)
			}
			if record.PrevHash != previous.Hash {
				return integrityError(path, lineNumber, record.Sequence,
					"prev_hash does not match the hash of record %d", previous.Sequence)
			}
			computed, err := ChainHash(record)
			if err != nil {
				return err
			}
			if computed != record.Hash {
				return integrityError(path, lineNumber, record.Sequence,
					"hash mismatch (recorded %s, computed %s)", record.Hash, computed)
			}
			previous = record
			report.Records++
			return nil
		})
		if err != nil {
			return report, err
		}
	}
	report.Head = previous.Hash

	// Appends may land after the walk, so the writer can be ahead of
	// what was read but never behind it.
	if sequence, _ := l.Head(); sequence < previous.Sequence {
		return report, fleet.Integrity("ledger.verify",
			"on-disk head is record %d but the writer holds record %d", previous.Sequence, sequence)
	}
	return report, nil
}

func integrityError(path string, lineNumber int, sequence uint64, format string, args ...any) error {
	return fleet.Integrity("ledger.verify", "%s line %d (seq %d): %s",
		path, lineNumber, sequence, fmt.Sprintf(format, args...))
}
