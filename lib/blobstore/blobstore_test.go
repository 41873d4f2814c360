// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/fleetroll/lib/binhash"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	}
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func overrideContent() []byte {
	return []byte(strings.Repeat("PUPPET_REPO='https://example.com/ronin'\nPUPPET_BRANCH='canary'\n", 20))
}

func TestPutGetRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(string(compression), func(t *testing.T) {
			store := openTestStore(t, Config{Compression: compression})
			content := overrideContent()

			ref, err := store.Put(KindOverride, content, "host1.example.com")
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if ref.SHA256 != binhash.Sum(content) {
				t.Errorf("SHA256 = %s, want %s", ref.SHA256, binhash.Sum(content))
			}
			if ref.Alias != "ovr-"+ref.SHA256[:12] {
				t.Errorf("Alias = %s, want ovr-%s", ref.Alias, ref.SHA256[:12])
			}

			got, metadata, err := store.Get(KindOverride, ref.Alias)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Error("Get returned different content")
			}
			if metadata.Compression != compression {
				t.Errorf("Compression = %s, want %s", metadata.Compression, compression)
			}
			if metadata.Host != "host1.example.com" {
				t.Errorf("Host = %q", metadata.Host)
			}
		})
	}
}

func TestPutIdempotent(t *testing.T) {
	store := openTestStore(t, Config{})
	content := overrideContent()

	first, err := store.Put(KindOverride, content, "host1")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	body := filepath.Join(store.root, string(KindOverride), first.SHA256)
	before, err := os.Stat(body)
	if err != nil {
		t.Fatal(err)
	}

	second, err := store.Put(KindOverride, content, "host2")
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first != second {
		t.Errorf("refs differ: %+v vs %+v", first, second)
	}
	after, err := os.Stat(body)
	if err != nil {
		t.Fatal(err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("second Put rewrote the body")
	}
	metadata, err := store.Metadata(KindOverride, first.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if metadata.Host != "host1" {
		t.Errorf("metadata host = %q, want the first writer", metadata.Host)
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	store := openTestStore(t, Config{})
	ref, err := store.Put(KindOverride, []byte("x"), "")
	if err != nil {
		t.Fatal(err)
	}
	metadata, err := store.Metadata(KindOverride, ref.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if metadata.Compression != CompressionNone {
		t.Errorf("Compression = %s, want none", metadata.Compression)
	}
}

func TestVaultEncryption(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	recipients, err := ParseRecipients([]string{identity.Recipient().String()})
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	writer := openTestStore(t, Config{Root: root, VaultRecipients: recipients})
	secret := []byte("vault_password: hunter2\n")

	ref, err := writer.Put(KindVault, secret, "host1")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref.Alias, "vlt-") {
		t.Errorf("Alias = %s", ref.Alias)
	}
	stored, err := os.ReadFile(filepath.Join(root, "vault", ref.SHA256))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(stored, []byte("hunter2")) {
		t.Error("vault body stored in plaintext")
	}

	_, _, err = writer.Get(KindVault, ref.SHA256)
	if fleet.KindOf(err) != fleet.KindPrecondition {
		t.Errorf("Get without identity: %v, want precondition", err)
	}

	reader := openTestStore(t, Config{Root: root, VaultIdentities: []age.Identity{identity}})
	got, metadata, err := reader.Get(KindVault, ref.Alias)
	if err != nil {
		t.Fatalf("Get with identity: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Get = %q", got)
	}
	if !metadata.Encrypted {
		t.Error("metadata not marked encrypted")
	}
}

func TestTamperedBodyIsIntegrityError(t *testing.T) {
	store := openTestStore(t, Config{Compression: CompressionNone})
	ref, err := store.Put(KindSnapshot, []byte("original snapshot content"), "")
	if err != nil {
		t.Fatal(err)
	}
	body := filepath.Join(store.root, string(KindSnapshot), ref.SHA256)
	if err := os.WriteFile(body, []byte("tampered snapshot content"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, _, err = store.Get(KindSnapshot, ref.SHA256)
	if !errors.Is(err, fleet.ErrIntegrity) {
		t.Fatalf("Get: %v, want integrity error", err)
	}

	corrupt, err := store.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0].SHA256 != ref.SHA256 {
		t.Errorf("Verify = %+v, want the tampered blob", corrupt)
	}
}

// plantHash creates a body and sidecar under an arbitrary hash name so
// tests can construct prefix collisions.
func plantHash(t *testing.T, store *Store, kind Kind, sha string) {
	t.Helper()
	path := filepath.Join(store.root, string(kind), sha)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := writeAtomic(path+".meta", []byte{0xa0}); err != nil {
		t.Fatal(err)
	}
}

func TestAliasGrowsOnCollision(t *testing.T) {
	store := openTestStore(t, Config{})
	first := "abcdef012345" + strings.Repeat("0", 52)
	second := "abcdef012345" + "9999" + strings.Repeat("1", 48)
	plantHash(t, store, KindOverride, first)

	alias, err := store.Alias(KindOverride, first)
	if err != nil {
		t.Fatal(err)
	}
	if alias != "ovr-abcdef012345" {
		t.Errorf("alias before collision = %s", alias)
	}

	plantHash(t, store, KindOverride, second)
	alias, err = store.Alias(KindOverride, first)
	if err != nil {
		t.Fatal(err)
	}
	if alias != "ovr-abcdef0123450000" {
		t.Errorf("alias after collision = %s, want 16 hex characters", alias)
	}

	// Kinds do not share a namespace.
	alias, err = store.Alias(KindVault, first)
	if err != nil {
		t.Fatal(err)
	}
	if alias != "vlt-abcdef012345" {
		t.Errorf("vault alias = %s", alias)
	}
}

func TestResolve(t *testing.T) {
	store := openTestStore(t, Config{})
	first := "abcdef012345" + strings.Repeat("0", 52)
	second := "abcdef012345" + strings.Repeat("1", 52)
	plantHash(t, store, KindOverride, first)
	plantHash(t, store, KindOverride, second)

	sha, err := store.Resolve(KindOverride, "ovr-abcdef0123450")
	if err != nil {
		t.Fatalf("Resolve alias: %v", err)
	}
	if sha != first {
		t.Errorf("Resolve = %s", sha)
	}
	if sha, err := store.Resolve(KindOverride, second); err != nil || sha != second {
		t.Errorf("Resolve full hash = %s, %v", sha, err)
	}

	_, err = store.Resolve(KindOverride, "abcdef")
	if fleet.KindOf(err) != fleet.KindPrecondition || fleet.IsNotFound(err) {
		t.Errorf("ambiguous Resolve: %v", err)
	}
	if !strings.Contains(err.Error(), first) || !strings.Contains(err.Error(), second) {
		t.Errorf("ambiguous error does not list candidates: %v", err)
	}

	_, err = store.Resolve(KindOverride, "ovr-ffff")
	if !fleet.IsNotFound(err) {
		t.Errorf("unknown Resolve: %v, want not found", err)
	}
}

func TestList(t *testing.T) {
	store := openTestStore(t, Config{})
	for _, content := range []string{"one", "two", "three"} {
		if _, err := store.Put(KindSnapshot, []byte(content), ""); err != nil {
			t.Fatal(err)
		}
	}
	refs, err := store.List(KindSnapshot)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 {
		t.Fatalf("List returned %d refs", len(refs))
	}
	for i := 1; i < len(refs); i++ {
		if refs[i-1].SHA256 >= refs[i].SHA256 {
			t.Error("List not sorted by hash")
		}
	}
	for _, ref := range refs {
		if !strings.HasPrefix(ref.Alias, "snap-") {
			t.Errorf("alias %s", ref.Alias)
		}
	}
}
