// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/fleetroll/lib/binhash"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/codec"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Kind groups blobs by what they hold.
type Kind string

const (
	KindOverride Kind = "override"
	KindVault    Kind = "vault"
	KindSnapshot Kind = "snapshot"
)

// Kinds lists every blob kind.
var Kinds = []Kind{KindOverride, KindVault, KindSnapshot}

// AliasPrefix returns the alias prefix for the kind.
func (k Kind) AliasPrefix() string {
	switch k {
	case KindOverride:
		return "ovr-"
	case KindVault:
		return "vlt-"
	case KindSnapshot:
		return "snap-"
	}
	return ""
}

func (k Kind) valid() bool { return slices.Contains(Kinds, k) }

// Alias prefix lengths: start at 12 hex characters and grow by 4
// until unique among the kind's hashes.
const (
	aliasStart = 12
	aliasStep  = 4
)

// Metadata is the CBOR sidecar stored beside each body.
type Metadata struct {
	Kind        Kind        `json:"kind"`
	SHA256      string      `json:"sha256"`
	Size        int64       `json:"size"`
	StoredAt    time.Time   `json:"stored_at"`
	Compression Compression `json:"compression"`
	Encrypted   bool        `json:"encrypted"`

	// Host is the host the content was first observed on or written
	// to, when known.
	Host string `json:"host,omitempty"`
}

// Ref identifies a stored blob.
type Ref struct {
	Kind   Kind   `json:"kind"`
	SHA256 string `json:"sha256"`
	Alias  string `json:"alias"`
	Size   int64  `json:"size"`
}

// Config holds the parameters for opening a store.
type Config struct {
	// Root is the store directory. Created if absent.
	Root string

	// Compression is the at-rest compression. Empty means zstd.
	Compression Compression

	// VaultRecipients, when set, encrypt vault blobs with age.
	VaultRecipients []age.Recipient

	// VaultIdentities decrypt vault blobs on read.
	VaultIdentities []age.Identity

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is an open blob store. It is safe for concurrent use.
type Store struct {
	root        string
	compression Compression
	recipients  []age.Recipient
	identities  []age.Identity
	clock       clock.Clock
	logger      *slog.Logger
}

// Open opens or creates the store at cfg.Root.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobstore: Root is required")
	}
	compression, err := ParseCompression(string(cfg.Compression))
	if err != nil {
		return nil, err
	}
	for _, kind := range Kinds {
		if err := os.MkdirAll(filepath.Join(cfg.Root, string(kind)), 0o700); err != nil {
			return nil, fmt.Errorf("blobstore: creating %s directory: %w", kind, err)
		}
	}
	storeClock := cfg.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		root:        cfg.Root,
		compression: compression,
		recipients:  cfg.VaultRecipients,
		identities:  cfg.VaultIdentities,
		clock:       storeClock,
		logger:      logger,
	}, nil
}

func (s *Store) bodyPath(kind Kind, sha string) string {
	return filepath.Join(s.root, string(kind), sha)
}

// Put stores content under its SHA-256. Storing content that is
// already present returns the existing ref without rewriting.
func (s *Store) Put(kind Kind, content []byte, host string) (Ref, error) {
	if !kind.valid() {
		return Ref{}, fmt.Errorf("blobstore: unknown kind %q", kind)
	}
	sha := binhash.Sum(content)
	body := s.bodyPath(kind, sha)

	if _, err := os.Stat(body); err == nil {
		return s.ref(kind, sha, int64(len(content)))
	}

	stored, compression, err := compress(content, s.compression)
	if err != nil {
		return Ref{}, err
	}
	encrypted := false
	if kind == KindVault && len(s.recipients) > 0 {
		stored, err = seal(stored, s.recipients)
		if err != nil {
			return Ref{}, fmt.Errorf("blobstore: sealing vault blob: %w", err)
		}
		encrypted = true
	}

	metadata, err := codec.Marshal(Metadata{
		Kind:        kind,
		SHA256:      sha,
		Size:        int64(len(content)),
		StoredAt:    s.clock.Now().UTC(),
		Compression: compression,
		Encrypted:   encrypted,
		Host:        host,
	})
	if err != nil {
		return Ref{}, fmt.Errorf("blobstore: encoding metadata: %w", err)
	}
	// The sidecar lands first so a visible body always has metadata.
	if err := writeAtomic(body+".meta", metadata); err != nil {
		return Ref{}, err
	}
	if err := writeAtomic(body, stored); err != nil {
		return Ref{}, err
	}

	s.logger.Debug("blob stored",
		"kind", kind,
		"sha256", sha,
		"size", len(content),
		"compression", compression,
		"encrypted", encrypted,
	)
	return s.ref(kind, sha, int64(len(content)))
}

func writeAtomic(path string, data []byte) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("blobstore: writing %s: %w", path, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("blobstore: syncing %s: %w", path, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("blobstore: renaming into %s: %w", path, err)
	}
	return nil
}

func (s *Store) ref(kind Kind, sha string, size int64) (Ref, error) {
	alias, err := s.Alias(kind, sha)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Kind: kind, SHA256: sha, Alias: alias, Size: size}, nil
}

// Has reports whether a blob with the hash exists in kind.
func (s *Store) Has(kind Kind, sha string) bool {
	_, err := os.Stat(s.bodyPath(kind, sha))
	return err == nil
}

// Get returns the plaintext of the blob named by ref (hash, alias, or
// unique prefix), verifying its hash.
func (s *Store) Get(kind Kind, ref string) ([]byte, Metadata, error) {
	sha, err := s.Resolve(kind, ref)
	if err != nil {
		return nil, Metadata{}, err
	}
	metadata, err := s.Metadata(kind, sha)
	if err != nil {
		return nil, Metadata{}, err
	}
	stored, err := os.ReadFile(s.bodyPath(kind, sha))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("blobstore: reading %s: %w", sha, err)
	}

	if metadata.Encrypted {
		if len(s.identities) == 0 {
			return nil, Metadata{}, fleet.Precondition("blobstore.get",
				"%s blob %s is encrypted and no vault identity is configured", kind, sha)
		}
		stored, err = unseal(stored, s.identities)
		if err != nil {
			return nil, Metadata{}, fmt.Errorf("blobstore: %s: %w", sha, err)
		}
	}
	content, err := decompress(stored, metadata.Compression, metadata.Size)
	if err != nil {
		return nil, Metadata{}, &fleet.Error{
			Kind: fleet.KindIntegrity, Op: "blobstore.get",
			Message: fmt.Sprintf("%s blob %s body is corrupt", kind, sha), Err: err,
		}
	}
	if actual := binhash.Sum(content); actual != sha {
		s.logger.Error("blob hash mismatch", "kind", kind, "sha256", sha, "actual", actual)
		return nil, Metadata{}, fleet.Integrity("blobstore.get",
			"%s blob %s hashes to %s", kind, sha, actual)
	}
	return content, metadata, nil
}

// Metadata returns the sidecar of the blob with the full hash sha.
func (s *Store) Metadata(kind Kind, sha string) (Metadata, error) {
	data, err := os.ReadFile(s.bodyPath(kind, sha) + ".meta")
	if os.IsNotExist(err) {
		return Metadata{}, fleet.NotFound("blobstore.metadata", string(kind)+" blob", sha)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("blobstore: %w", err)
	}
	var metadata Metadata
	if err := codec.Unmarshal(data, &metadata); err != nil {
		return Metadata{}, &fleet.Error{
			Kind: fleet.KindIntegrity, Op: "blobstore.metadata",
			Message: fmt.Sprintf("%s blob %s metadata is corrupt", kind, sha), Err: err,
		}
	}
	return metadata, nil
}

// hashes lists the full hashes stored in kind, sorted.
func (s *Store) hashes(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		return nil, fmt.Errorf("blobstore: listing %s: %w", kind, err)
	}
	var hashes []string
	for _, entry := range entries {
		if binhash.IsDigest(entry.Name()) {
			hashes = append(hashes, entry.Name())
		}
	}
	return hashes, nil
}

// Alias returns the shortest unique alias for sha within kind.
func (s *Store) Alias(kind Kind, sha string) (string, error) {
	hashes, err := s.hashes(kind)
	if err != nil {
		return "", err
	}
	return kind.AliasPrefix() + shortestPrefix(sha, hashes), nil
}

func shortestPrefix(sha string, hashes []string) string {
	for length := aliasStart; length < len(sha); length += aliasStep {
		prefix := sha[:length]
		unique := true
		for _, other := range hashes {
			if other != sha && strings.HasPrefix(other, prefix) {
				unique = false
				break
			}
		}
		if unique {
			return prefix
		}
	}
	return sha
}

// Resolve maps a full hash, alias, or unique hex prefix to a full
// hash. An unknown ref is not found; an ambiguous prefix is a
// precondition violation listing the candidates.
func (s *Store) Resolve(kind Kind, ref string) (string, error) {
	prefix := strings.ToLower(strings.TrimPrefix(ref, kind.AliasPrefix()))
	if binhash.IsDigest(prefix) {
		if !s.Has(kind, prefix) {
			return "", fleet.NotFound("blobstore.resolve", string(kind)+" blob", ref)
		}
		return prefix, nil
	}
	if prefix == "" {
		return "", fleet.Precondition("blobstore.resolve", "empty blob reference")
	}
	hashes, err := s.hashes(kind)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, sha := range hashes {
		if strings.HasPrefix(sha, prefix) {
			matches = append(matches, sha)
		}
	}
	switch len(matches) {
	case 0:
		return "", fleet.NotFound("blobstore.resolve", string(kind)+" blob", ref)
	case 1:
		return matches[0], nil
	}
	return "", fleet.Precondition("blobstore.resolve",
		"%q matches %d %s blobs: %s", ref, len(matches), kind, strings.Join(matches, ", "))
}

// List returns every blob of kind with its alias, in hash order.
func (s *Store) List(kind Kind) ([]Ref, error) {
	hashes, err := s.hashes(kind)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(hashes))
	for _, sha := range hashes {
		metadata, err := s.Metadata(kind, sha)
		if err != nil {
			return nil, err
		}
		refs = append(refs, Ref{
			Kind:   kind,
			SHA256: sha,
			Alias:  kind.AliasPrefix() + shortestPrefix(sha, hashes),
			Size:   metadata.Size,
		})
	}
	return refs, nil
}

// Verify re-reads every blob of every kind and returns the refs whose
// content no longer matches its hash. Encrypted blobs are skipped when
// no identity is configured.
func (s *Store) Verify() ([]Ref, error) {
	var corrupt []Ref
	for _, kind := range Kinds {
		refs, err := s.List(kind)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			_, _, err := s.Get(kind, ref.SHA256)
			switch fleet.KindOf(err) {
			case "":
				if err != nil {
					return nil, err
				}
			case fleet.KindIntegrity:
				corrupt = append(corrupt, ref)
			case fleet.KindPrecondition:
				// Encrypted without an identity.
			default:
				return nil, err
			}
		}
	}
	return corrupt, nil
}
