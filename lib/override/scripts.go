// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package override

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bureau-foundation/fleetroll/lib/remote"
)

// Target is a managed artifact file whose location depends on the
// host OS.
type Target struct {
	Name       string
	LinuxPath  string
	DarwinPath string

	// DefaultMode is the file mode written when the caller gives none.
	DefaultMode string
}

var (
	// Override is the configuration-management override file.
	Override = Target{
		Name:        "override",
		LinuxPath:   "/etc/puppet/ronin_settings",
		DarwinPath:  "/opt/puppet_environments/ronin_settings",
		DefaultMode: "0644",
	}

	// Vault is the secrets file read by configuration management.
	Vault = Target{
		Name:        "vault",
		LinuxPath:   "/root/vault.yaml",
		DarwinPath:  "/var/root/vault.yaml",
		DefaultMode: "0640",
	}
)

// BackupSuffixFormat is the time layout of backup file suffixes.
const BackupSuffixFormat = "20060102T150405Z"

// keepBackups is the number of backups left after cleanup.
const keepBackups = 30

// pathSelection sets $target to the OS-specific path.
func (t Target) pathSelection() string {
	return fmt.Sprintf(`if [ "$(uname -s)" = "Darwin" ]; then
  target=%s
else
  target=%s
fi`, remote.ShellQuote(t.DarwinPath), remote.ShellQuote(t.LinuxPath))
}

var unsafeSuffix = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeSuffix makes a backup suffix safe to embed unquoted.
func safeSuffix(suffix string) string {
	if suffix == "" {
		return "backup"
	}
	return unsafeSuffix.ReplaceAllString(suffix, "_")
}

func backupCleanup() string {
	return fmt.Sprintf(`sudo -n sh -c 'ls -t "$1".bak.* 2>/dev/null | tail -n +%d | xargs -r rm -f' sh "$target" || true`,
		keepBackups+1)
}

// WriteOptions control how an artifact is written.
type WriteOptions struct {
	// Mode is the octal file mode. Empty means the target's default.
	Mode string

	// Owner and Group default to root.
	Owner string
	Group string

	// NoBackup skips backing up the replaced file.
	NoBackup bool

	// BackupSuffix names the backup file, normally the UTC time in
	// BackupSuffixFormat.
	BackupSuffix string
}

func (o WriteOptions) withDefaults(target Target) WriteOptions {
	if o.Mode == "" {
		o.Mode = target.DefaultMode
	}
	if o.Owner == "" {
		o.Owner = "root"
	}
	if o.Group == "" {
		o.Group = "root"
	}
	return o
}

// WriteScript returns the script that installs its standard input as
// the target file. It prints CONTENT_CHANGED=0 or CONTENT_CHANGED=1.
func WriteScript(target Target, options WriteOptions) string {
	options = options.withDefaults(target)
	mode := remote.ShellQuote(options.Mode)
	ownership := remote.ShellQuote(options.Owner + ":" + options.Group)
	var script strings.Builder
	script.WriteString("set -eu\n")
	script.WriteString(`tmp=""` + "\n")
	script.WriteString(`trap 'if [ -n "$tmp" ]; then sudo -n rm -f "$tmp" 2>/dev/null || true; fi' EXIT` + "\n")
	script.WriteString(target.pathSelection() + "\n")
	script.WriteString(`dir=$(dirname "$target")` + "\n")
	script.WriteString(`sudo -n mkdir -p "$dir"` + "\n")
	fmt.Fprintf(&script, `tmp=$(sudo -n mktemp "$dir/.%s.tmp.XXXXXX")`+"\n", target.Name)
	script.WriteString(`sudo -n tee "$tmp" >/dev/null` + "\n")
	fmt.Fprintf(&script, `sudo -n chmod %s "$tmp"`+"\n", mode)
	fmt.Fprintf(&script, `sudo -n chown %s "$tmp"`+"\n", ownership)
	script.WriteString(`changed=1
if sudo -n test -e "$target" 2>/dev/null && sudo -n cmp -s "$tmp" "$target"; then
  changed=0
fi
`)
	fmt.Fprintf(&script, `if [ "$changed" = 0 ]; then
  sudo -n chmod %s "$target"
  sudo -n chown %s "$target"
  echo CONTENT_CHANGED=0
  exit 0
fi
`, mode, ownership)
	if !options.NoBackup {
		fmt.Fprintf(&script, `if sudo -n test -e "$target" 2>/dev/null; then
  sudo -n cp -a "$target" "$target.bak.%s"
fi
`, safeSuffix(options.BackupSuffix))
	}
	script.WriteString(`sudo -n mv -f "$tmp" "$target"` + "\n")
	script.WriteString(`tmp=""` + "\n")
	script.WriteString("echo CONTENT_CHANGED=1\n")
	if !options.NoBackup {
		script.WriteString(backupCleanup() + "\n")
	}
	return script.String()
}

// RemoveScript returns the script that deletes the target file. It
// prints REMOVED=0 or REMOVED=1.
func RemoveScript(target Target, noBackup bool, backupSuffix string) string {
	var script strings.Builder
	script.WriteString("set -eu\n")
	script.WriteString(target.pathSelection() + "\n")
	script.WriteString(`if ! sudo -n test -e "$target" 2>/dev/null; then
  echo REMOVED=0
  exit 0
fi
`)
	if !noBackup {
		fmt.Fprintf(&script, `sudo -n cp -a "$target" "$target.bak.%s"`+"\n", safeSuffix(backupSuffix))
	}
	script.WriteString(`sudo -n rm -f "$target"` + "\n")
	script.WriteString("echo REMOVED=1\n")
	if !noBackup {
		script.WriteString(backupCleanup() + "\n")
	}
	return script.String()
}

// ExitAbsent is the exit code of ReadScript when the file does not
// exist.
const ExitAbsent = 3

// ReadScript returns the script that prints the target file.
func ReadScript(target Target) string {
	return fmt.Sprintf(`set -eu
%s
if ! sudo -n test -e "$target" 2>/dev/null; then
  exit %d
fi
sudo -n cat "$target"
`, target.pathSelection(), ExitAbsent)
}
