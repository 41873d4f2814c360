// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/codec"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// chainKey is the BLAKE3 key for the audit chain domain: the ASCII
// domain name zero-padded to 32 bytes.
var chainKey = [32]byte{
	'f', 'l', 'e', 'e', 't', 'r', 'o', 'l', 'l', '.', 'a', 'u', 'd', 'i', 't', '.',
	'c', 'h', 'a', 'i', 'n',
}

// rotationLayout is the time suffix appended to rotated files.
const rotationLayout = "20060102-150405"

var rotatedSuffix = regexp.MustCompile(`\.\d{8}-\d{6}(-\d+)?$`)

// Config holds the parameters for opening a ledger.
type Config struct {
	// Path is the active ledger file. Created if absent.
	Path string

	// Clock stamps records with a zero Timestamp and names rotated
	// files. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives append and rotation messages. Nil discards.
	Logger *slog.Logger
}

// Ledger is an open audit ledger.
type Ledger struct {
	path   string
	clock  clock.Clock
	logger *slog.Logger

	// mu serializes writers in this process; an exclusive flock on
	// lockFile serializes writers across processes.
	mu       sync.Mutex
	lockFile *os.File
	file     *os.File
	size     int64
	sequence uint64
	head     string
}

// Open opens or creates the ledger at cfg.Path and recovers the chain
// head from the newest non-empty file. A torn or unparsable final line,
// or a head record whose hash does not match its content, is a storage
// integrity error.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: Path is required")
	}
	ledgerClock := cfg.Clock
	if ledgerClock == nil {
		ledgerClock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	lockFile, err := os.OpenFile(cfg.Path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening lock file: %w", err)
	}
	ledger := &Ledger{path: cfg.Path, clock: ledgerClock, logger: logger, lockFile: lockFile}
	err = ledger.exclusive(func() error {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("ledger: opening %s: %w", cfg.Path, err)
		}
		ledger.file = file
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		ledger.size = info.Size()
		return ledger.recoverHead()
	})
	if err != nil {
		if ledger.file != nil {
			ledger.file.Close()
		}
		lockFile.Close()
		return nil, err
	}
	return ledger, nil
}

// exclusive runs fn holding the cross-process writer lock.
func (l *Ledger) exclusive(fn func() error) error {
	if err := flock(l.lockFile, unix.LOCK_EX); err != nil {
		return fmt.Errorf("ledger: locking %s: %w", l.path, err)
	}
	defer func() {
		if err := flock(l.lockFile, unix.LOCK_UN); err != nil {
			l.logger.Error("unlocking audit ledger failed", "path", l.path, "error", err)
		}
	}()
	return fn()
}

func flock(file *os.File, how int) error {
	for {
		err := unix.Flock(int(file.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

// recoverHead reads the chain head from the newest non-empty file and
// checks that its hash matches its content.
func (l *Ledger) recoverHead() error {
	files, err := l.Files()
	if err != nil {
		return err
	}
	l.sequence, l.head = 0, ""
	for i := len(files) - 1; i >= 0; i-- {
		last, found, err := lastRecord(files[i])
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		hash, err := ChainHash(last)
		if err != nil {
			return err
		}
		if hash != last.Hash {
			return fleet.Integrity("ledger.open", "%s: head record seq %d does not match its hash", files[i], last.Sequence)
		}
		l.sequence = last.Sequence
		l.head = last.Hash
		return nil
	}
	return nil
}

// refresh re-reads the chain head so appends and rotations made by
// other processes are seen. The caller holds the writer lock.
func (l *Ledger) refresh() error {
	open, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if current, err := os.Stat(l.path); err != nil || !os.SameFile(current, open) {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("ledger: reopening %s: %w", l.path, err)
		}
		l.file.Close()
		l.file = file
		if open, err = file.Stat(); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	}
	l.size = open.Size()
	return l.recoverHead()
}

// Append assigns the record its sequence number and chain hashes,
// writes it as one line, and fsyncs. The returned record is exactly
// what was written. Timestamps are stored in UTC.
func (l *Ledger) Append(record fleet.AuditRecord) (fleet.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fleet.AuditRecord{}, fmt.Errorf("ledger: closed")
	}
	var appended fleet.AuditRecord
	err := l.exclusive(func() error {
		if err := l.refresh(); err != nil {
			return err
		}
		var err error
		appended, err = l.appendLocked(record)
		return err
	})
	if err != nil {
		return fleet.AuditRecord{}, err
	}
	l.logger.Debug("audit record appended",
		"seq", appended.Sequence,
		"action", appended.Action,
		"actor", appended.Actor,
		"hosts", len(appended.Hosts),
	)
	return appended, nil
}

func (l *Ledger) appendLocked(record fleet.AuditRecord) (fleet.AuditRecord, error) {
	if record.Timestamp.IsZero() {
		record.Timestamp = l.clock.Now()
	}
	record.Timestamp = record.Timestamp.UTC()
	record.Sequence = l.sequence + 1
	record.PrevHash = l.head
	hash, err := ChainHash(record)
	if err != nil {
		return fleet.AuditRecord{}, err
	}
	record.Hash = hash

	line, err := json.Marshal(record)
	if err != nil {
		return fleet.AuditRecord{}, fmt.Errorf("ledger: encoding record: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fleet.AuditRecord{}, fmt.Errorf("ledger: writing %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fleet.AuditRecord{}, fmt.Errorf("ledger: syncing %s: %w", l.path, err)
	}

	l.size += int64(len(line))
	l.sequence = record.Sequence
	l.head = record.Hash
	return record, nil
}

// Head returns the sequence number and hash of the last record.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.head
}

// ChainHash computes a record's chain hash from its PrevHash and its
// content with Hash cleared.
func ChainHash(record fleet.AuditRecord) (string, error) {
	record.Hash = ""
	encoded, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("ledger: canonical encoding: %w", err)
	}
	hasher, err := blake3.NewKeyed(chainKey[:])
	if err != nil {
		return "", fmt.Errorf("ledger: %w", err)
	}
	hasher.Write([]byte(record.PrevHash))
	hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Files returns the ledger's files oldest first: rotated files, then
// the active file if it exists.
func (l *Ledger) Files() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return nil, fmt.Errorf("ledger: listing rotated files: %w", err)
	}
	var files []string
	for _, match := range matches {
		if rotatedSuffix.MatchString(match) {
			files = append(files, match)
		}
	}
	slices.Sort(files)
	if _, err := os.Stat(l.path); err == nil {
		files = append(files, l.path)
	}
	return files, nil
}

// Rotate renames the active file aside once it reaches threshold
// bytes and starts a new one. It returns the rotated path, or "" when
// the file was below threshold or empty.
func (l *Ledger) Rotate(threshold int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return "", fmt.Errorf("ledger: closed")
	}
	var rotated string
	err := l.exclusive(func() error {
		if err := l.refresh(); err != nil {
			return err
		}
		var err error
		rotated, err = l.rotateLocked(threshold)
		return err
	})
	return rotated, err
}

func (l *Ledger) rotateLocked(threshold int64) (string, error) {
	if l.size == 0 || l.size < threshold {
		return "", nil
	}

	base := l.path + "." + l.clock.Now().UTC().Format(rotationLayout)
	target := base
	for attempt := 2; ; attempt++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = fmt.Sprintf("%s-%d", base, attempt)
	}

	if err := l.file.Close(); err != nil {
		return "", fmt.Errorf("ledger: closing for rotation: %w", err)
	}
	l.file = nil
	if err := os.Rename(l.path, target); err != nil {
		return "", fmt.Errorf("ledger: rotating %s: %w", l.path, err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("ledger: reopening %s: %w", l.path, err)
	}
	rotatedSize := l.size
	l.file = file
	l.size = 0

	l.logger.Info("audit ledger rotated",
		"rotated_to", target,
		"size_bytes", rotatedSize,
		"head_seq", l.sequence,
	)
	return target, nil
}

// Size returns the active file's size in bytes, including appends
// made by other processes.
func (l *Ledger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, err := os.Stat(l.path); err == nil {
		return info.Size()
	}
	return l.size
}

// Close closes the active file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Close(), l.lockFile.Close())
	l.file = nil
	return err
}

// eachRecord calls fn with every complete line of path, in order. An
// incomplete trailing line is skipped only when allowTorn is set.
func eachRecord(path string, allowTorn bool, fn func(lineNumber int, record fleet.AuditRecord) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: reading %s: %w", path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if !allowTorn {
			return fleet.Integrity("ledger.read", "%s ends with an incomplete line", path)
		}
		data = data[:bytes.LastIndexByte(data, '\n')+1]
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record fleet.AuditRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return &fleet.Error{
				Kind:    fleet.KindIntegrity,
				Op:      "ledger.read",
				Message: fmt.Sprintf("%s line %d is not a valid record", path, lineNumber),
				Err:     err,
			}
		}
		if err := fn(lineNumber, record); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lastRecord returns the final record of path. It reads backwards from
// the end, so the cost does not grow with the file.
func lastRecord(path string) (fleet.AuditRecord, bool, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return fleet.AuditRecord{}, false, nil
	}
	if err != nil {
		return fleet.AuditRecord{}, false, fmt.Errorf("ledger: reading %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fleet.AuditRecord{}, false, fmt.Errorf("ledger: %w", err)
	}

	const chunk = 64 * 1024
	var tail []byte
	for offset := info.Size(); offset > 0; {
		read := min(int64(chunk), offset)
		offset -= read
		buffer := make([]byte, read)
		if _, err := file.ReadAt(buffer, offset); err != nil {
			return fleet.AuditRecord{}, false, fmt.Errorf("ledger: reading %s: %w", path, err)
		}
		tail = append(buffer, tail...)
		if tail[len(tail)-1] != '\n' {
			return fleet.AuditRecord{}, false, fleet.Integrity("ledger.read", "%s ends with an incomplete line", path)
		}
		trimmed := bytes.TrimRight(tail, " \t\r\n")
		start := bytes.LastIndexByte(trimmed, '\n')
		if start < 0 && offset > 0 {
			continue
		}
		line := trimmed[start+1:]
		if len(line) == 0 {
			if offset > 0 {
				continue
			}
			break
		}
		var record fleet.AuditRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fleet.AuditRecord{}, false, &fleet.Error{
				Kind:    fleet.KindIntegrity,
				Op:      "ledger.read",
				Message: fmt.Sprintf("%s final line is not a valid record", path),
				Err:     err,
			}
		}
		return record, true, nil
	}
	return fleet.AuditRecord{}, false, nil
}

// Filter selects records for [Ledger.Records]. Zero fields match
// everything.
type Filter struct {
	Host   string
	Action string
	Since  time.Time
	Limit  int
}

func (f Filter) matches(record fleet.AuditRecord) bool {
	if f.Action != "" && record.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && record.Timestamp.Before(f.Since) {
		return false
	}
	if f.Host != "" && !slices.Contains(record.Hosts, fleet.NormalizeHostname(f.Host)) {
		return false
	}
	return true
}

// Records returns matching records oldest first. With a Limit, only
// the newest Limit matches are returned. Records does not take the
// writer lock.
func (l *Ledger) Records(filter Filter) ([]fleet.AuditRecord, error) {
	files, err := l.Files()
	if err != nil {
		return nil, err
	}
	var records []fleet.AuditRecord
	for _, path := range files {
		err := eachRecord(path, path == l.path, func(_ int, record fleet.AuditRecord) error {
			if filter.matches(record) {
				records = append(records, record)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[len(records)-filter.Limit:]
	}
	return records, nil
}
