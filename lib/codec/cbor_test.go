// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type sampleRecord struct {
	Action     string            `json:"action"`
	Hosts      []string          `json:"hosts,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Threshold  *float64          `json:"threshold,omitempty"`
	At         time.Time         `json:"at"`
}

func TestMarshalDeterministic(t *testing.T) {
	threshold := 90.0
	record := sampleRecord{
		Action:     "stage.advance",
		Hosts:      []string{"h1", "h2"},
		Parameters: map[string]string{"z": "1", "a": "2", "m": "3"},
		Threshold:  &threshold,
		At:         time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(record)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not deterministic: %x != %x", first, again)
		}
	}
}

// A value that round-trips through JSON must encode to the same CBOR
// bytes, which is what makes ledger chain verification work.
func TestMarshalStableAcrossJSONRoundtrip(t *testing.T) {
	threshold := 12.5
	original := sampleRecord{
		Action:     "rollout.finalize",
		Parameters: map[string]string{"rollout": "r-1"},
		Threshold:  &threshold,
		At:         time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC),
	}

	jsonData, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var reread sampleRecord
	if err := json.Unmarshal(jsonData, &reread); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}

	before, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal original: %v", err)
	}
	after, err := Marshal(reread)
	if err != nil {
		t.Fatalf("Marshal reread: %v", err)
	}
	if !bytes.Equal(before, after) {
		diagBefore, _ := Diagnose(before)
		diagAfter, _ := Diagnose(after)
		t.Errorf("encoding changed across JSON roundtrip:\n  before: %s\n  after:  %s", diagBefore, diagAfter)
	}
}

func TestJSONTagsAndOmitempty(t *testing.T) {
	data, err := Marshal(sampleRecord{Action: "host.assign"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"action"`) {
		t.Errorf("diagnostic %s lacks json-tagged key", diagnostic)
	}
	for _, omitted := range []string{`"hosts"`, `"parameters"`, `"threshold"`} {
		if strings.Contains(diagnostic, omitted) {
			t.Errorf("diagnostic %s contains omitted key %s", diagnostic, omitted)
		}
	}
}

func TestUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Action: "host.disable",
		Hosts:  []string{"h1"},
		At:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Action != original.Action || !decoded.At.Equal(original.At) || len(decoded.Hosts) != 1 {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var decoded sampleRecord
	if err := Unmarshal([]byte{0xff, 0x00}, &decoded); err == nil {
		t.Error("Unmarshal of garbage succeeded")
	}
}
