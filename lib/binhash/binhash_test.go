// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// SHA-256 of "hello\n", as printed by sha256sum on a host.
const helloDigest = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"

func TestSum(t *testing.T) {
	if got := Sum([]byte("hello\n")); got != helloDigest {
		t.Errorf("Sum = %s, want %s", got, helloDigest)
	}
}

func TestHashFileMatchesSum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin_settings")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != helloDigest {
		t.Errorf("HashFile = %s, want %s", got, helloDigest)
	}
}

func TestHashFileNonexistent(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("HashFile of a missing file succeeded")
	}
}

func TestParseDigest(t *testing.T) {
	digest, err := ParseDigest(helloDigest)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if digest[0] != 0x58 {
		t.Errorf("first byte = %#x, want 0x58", digest[0])
	}
	for _, invalid := range []string{"", "zz", helloDigest[:62]} {
		if _, err := ParseDigest(invalid); err == nil {
			t.Errorf("ParseDigest(%q) succeeded", invalid)
		}
	}
}

func TestIsDigest(t *testing.T) {
	if !IsDigest(helloDigest) {
		t.Error("IsDigest(valid) = false")
	}
	if IsDigest(strings.ToUpper(helloDigest)) {
		t.Error("IsDigest(uppercase) = true")
	}
	if IsDigest(helloDigest[:12]) {
		t.Error("IsDigest(prefix) = true")
	}
}
