// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// DigestLength is the length of a hex-encoded SHA-256 digest.
const DigestLength = 2 * sha256.Size

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// HashFile returns the lowercase hex SHA-256 of the file at path,
// streaming it through the hash.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ParseDigest parses a hex SHA-256 digest. Uppercase is accepted.
func ParseDigest(hexString string) ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != sha256.Size {
		return digest, fmt.Errorf("hash digest is %d bytes, want %d", len(decoded), sha256.Size)
	}
	copy(digest[:], decoded)
	return digest, nil
}

// IsDigest reports whether s is a 64-character lowercase hex digest.
func IsDigest(s string) bool {
	if len(s) != DigestLength || strings.ToLower(s) != s {
		return false
	}
	_, err := ParseDigest(s)
	return err == nil
}
