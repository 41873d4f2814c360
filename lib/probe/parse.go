// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// ParseKV parses KEY=VALUE lines. Lines without a valid upper-case key
// are ignored; a repeated key keeps its last value.
func ParseKV(output string) map[string]string {
	values := make(map[string]string)
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, "=")
		if !found || !validKey(key) {
			continue
		}
		values[key] = value
	}
	return values
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// SplitContent separates the key=value header of the artifacts script
// from the override content after the sentinel line. found is false
// when no sentinel was printed.
func SplitContent(output []byte) (header string, content []byte, found bool) {
	marker := []byte(ContentSentinel + "\n")
	if bytes.HasPrefix(output, marker) {
		return "", output[len(marker):], true
	}
	before, after, ok := bytes.Cut(output, append([]byte("\n"), marker...))
	if !ok {
		return string(output), nil, false
	}
	return string(before) + "\n", after, true
}

// ParseFileMeta reads the PREFIX_MODE, _OWNER, _GROUP, _SIZE and
// _MTIME keys. It returns nil when none are present.
func ParseFileMeta(values map[string]string, prefix string) *fleet.FileMeta {
	meta := fleet.FileMeta{
		Mode:  values[prefix+"_MODE"],
		Owner: values[prefix+"_OWNER"],
		Group: values[prefix+"_GROUP"],
	}
	meta.Size, _ = strconv.ParseInt(values[prefix+"_SIZE"], 10, 64)
	meta.MtimeEpoch, _ = strconv.ParseInt(values[prefix+"_MTIME"], 10, 64)
	if meta == (fleet.FileMeta{}) {
		return nil
	}
	return &meta
}

// stateFile is the on-host state document written by the
// config-management wrapper after each run.
type stateFile struct {
	SchemaVersion int      `json:"schema_version"`
	Timestamp     string   `json:"ts"`
	Success       *bool    `json:"success"`
	ExitCode      *int     `json:"exit_code"`
	GitRepo       string   `json:"git_repo"`
	GitBranch     string   `json:"git_branch"`
	GitSHA        string   `json:"git_sha"`
	GitDirty      *bool    `json:"git_dirty"`
	OverridePath  string   `json:"override_path"`
	OverrideSHA   *string  `json:"override_sha"`
	VaultPath     string   `json:"vault_path"`
	VaultSHA      *string  `json:"vault_sha"`
	Role          string   `json:"role"`
	DurationS     *float64 `json:"duration_s"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses the ISO-8601 forms the state file uses. A
// timestamp without a zone is UTC.
func ParseTimestamp(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", text)
}

// ParseState builds the state record from the state script's output.
// PP_STATE_JSON wins over the legacy keys. An error means a state file
// was present but unreadable; the record is then unavailable.
func ParseState(values map[string]string) (fleet.StateRecord, error) {
	if encoded, ok := values["PP_STATE_JSON"]; ok {
		return parseStateJSON(encoded)
	}
	return parseLegacyState(values), nil
}

func parseStateJSON(encoded string) (fleet.StateRecord, error) {
	unavailable := fleet.StateRecord{Source: fleet.StateUnavailable}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return unavailable, fmt.Errorf("decoding state file: %w", err)
	}
	var document stateFile
	if err := json.Unmarshal(raw, &document); err != nil {
		return unavailable, fmt.Errorf("parsing state file: %w", err)
	}
	record := fleet.StateRecord{
		Source:        fleet.StateParsed,
		SchemaVersion: document.SchemaVersion,
		Success:       document.Success,
		ExitCode:      document.ExitCode,
		GitRepo:       document.GitRepo,
		GitBranch:     document.GitBranch,
		GitSHA:        document.GitSHA,
		GitDirty:      document.GitDirty,
		OverridePath:  document.OverridePath,
		VaultPath:     document.VaultPath,
		Role:          document.Role,
		DurationS:     document.DurationS,
	}
	if document.OverrideSHA != nil {
		record.OverrideSHA = strings.ToLower(*document.OverrideSHA)
	}
	if document.VaultSHA != nil {
		record.VaultSHA = strings.ToLower(*document.VaultSHA)
	}
	if document.Timestamp != "" {
		record.Timestamp, err = ParseTimestamp(document.Timestamp)
		if err != nil {
			return unavailable, fmt.Errorf("parsing state file: %w", err)
		}
	}
	return record, nil
}

func parseLegacyState(values map[string]string) fleet.StateRecord {
	record := fleet.StateRecord{Source: fleet.StateLegacy}
	if epoch, err := strconv.ParseInt(values["PP_LAST_RUN_EPOCH"], 10, 64); err == nil {
		record.Timestamp = time.Unix(epoch, 0).UTC()
	}
	switch values["PP_SUCCESS"] {
	case "1":
		success := true
		record.Success = &success
	case "0":
		success := false
		record.Success = &success
	}
	if record.Timestamp.IsZero() && record.Success == nil {
		return fleet.StateRecord{Source: fleet.StateUnavailable}
	}
	return record
}
