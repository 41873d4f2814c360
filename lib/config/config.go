// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// EnvConfig names the environment variable that points at the
// configuration file.
const EnvConfig = "FLEETROLL_CONFIG"

// Config is the complete fleetroll configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Probe     ProbeConfig     `yaml:"probe"`
	Store     StoreConfig     `yaml:"store"`
	Drift     DriftConfig     `yaml:"drift"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Blobs     BlobsConfig     `yaml:"blobs"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Actor overrides operator identity inference for audit records.
	Actor string `yaml:"actor"`
}

// PathsConfig configures where fleetroll keeps its state.
type PathsConfig struct {
	// Root is the base directory. Default: ~/.fleetroll
	Root string `yaml:"root"`

	// Database is the SQLite state store. Default: ${FLEETROLL_ROOT}/fleetroll.db
	Database string `yaml:"database"`

	// AuditLog is the active audit ledger file. Rotated files sit
	// beside it. Default: ${FLEETROLL_ROOT}/audit.jsonl
	AuditLog string `yaml:"audit_log"`

	// Blobs is the content-addressed blob directory.
	// Default: ${FLEETROLL_ROOT}/blobs
	Blobs string `yaml:"blobs"`
}

// ProbeConfig configures the inventory prober and the SSH transport.
type ProbeConfig struct {
	// Workers bounds the number of hosts probed concurrently.
	Workers int `yaml:"workers"`

	// Timeout is the hard per-host, per-step timeout.
	Timeout time.Duration `yaml:"timeout"`

	// ConnectTimeout is passed to ssh as ConnectTimeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SSHOptions are extra ssh(1) arguments, each split on
	// whitespace, for example "-J bastion" or "-p 2222".
	SSHOptions []string `yaml:"ssh_options"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	// Retention is how many observation snapshots and scheduler
	// worker records are kept per host.
	Retention int `yaml:"retention"`

	PoolSize int `yaml:"pool_size"`
}

// DriftConfig configures drift staleness thresholds.
type DriftConfig struct {
	// UnreachableAfter is how long a host may fail SSH before it is
	// reported unreachable.
	UnreachableAfter time.Duration `yaml:"unreachable_after"`

	// SchedulerMissingAfter is how long an expected scheduler worker
	// may be absent before tc-missing is reported.
	SchedulerMissingAfter time.Duration `yaml:"scheduler_missing_after"`
}

// RolloutConfig configures the rollout engine.
type RolloutConfig struct {
	// MaxConflictRetries bounds retries of a transition that lost a
	// concurrent-mutation race.
	MaxConflictRetries int `yaml:"max_conflict_retries"`

	// PostFinalizeWindow is how long after finalize the outcome gates
	// may still be observed.
	PostFinalizeWindow time.Duration `yaml:"post_finalize_window"`

	// SevereDropFactor multiplies a drop gate's maximum to give the
	// threshold at which a post-finalize drop flags the rollout.
	SevereDropFactor float64 `yaml:"severe_drop_factor"`
}

// LedgerConfig configures the audit ledger.
type LedgerConfig struct {
	// RotateThresholdMB is the active file size at which maintenance
	// rotates the ledger.
	RotateThresholdMB int64 `yaml:"rotate_threshold_mb"`
}

// BlobsConfig configures the blob store.
type BlobsConfig struct {
	// Compression is the at-rest compression for blob bodies: zstd,
	// lz4, or none. Default: zstd
	Compression string `yaml:"compression"`

	// VaultRecipients are age X25519 recipients ("age1...") that
	// vault blobs are encrypted to. Empty stores vault blobs in the
	// clear, like every other kind.
	VaultRecipients []string `yaml:"vault_recipients"`

	// VaultIdentityFile holds the age identities used to read vault
	// blobs back.
	VaultIdentityFile string `yaml:"vault_identity_file"`
}

// SchedulerConfig configures job-scheduler correlation.
type SchedulerConfig struct {
	// OnlineWindow is how recently a worker must have been active to
	// count as online.
	OnlineWindow time.Duration `yaml:"online_window"`

	// RoleMapping maps roles to scheduler worker types.
	RoleMapping fleet.RoleMapping `yaml:"role_mapping"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	root := filepath.Join(homeDirectory, ".fleetroll")

	return &Config{
		Paths: PathsConfig{
			Root:     root,
			Database: "${FLEETROLL_ROOT}/fleetroll.db",
			AuditLog: "${FLEETROLL_ROOT}/audit.jsonl",
			Blobs:    "${FLEETROLL_ROOT}/blobs",
		},
		Probe: ProbeConfig{
			Workers:        16,
			Timeout:        60 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Retention: 10,
			PoolSize:  4,
		},
		Drift: DriftConfig{
			UnreachableAfter:      time.Hour,
			SchedulerMissingAfter: time.Hour,
		},
		Rollout: RolloutConfig{
			MaxConflictRetries: 3,
			PostFinalizeWindow: time.Hour,
			SevereDropFactor:   2.0,
		},
		Ledger: LedgerConfig{
			RotateThresholdMB: 100,
		},
		Scheduler: SchedulerConfig{
			OnlineWindow: time.Hour,
		},
	}
}

// Load loads the file named by FLEETROLL_CONFIG, or returns Default
// with paths expanded when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// Root expands first so dependent paths can use ${FLEETROLL_ROOT}.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["FLEETROLL_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.AuditLog = expandVars(c.Paths.AuditLog, vars)
	c.Paths.Blobs = expandVars(c.Paths.Blobs, vars)
	c.Blobs.VaultIdentityFile = expandVars(c.Blobs.VaultIdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate checks the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	for name, value := range map[string]string{
		"paths.database":  c.Paths.Database,
		"paths.audit_log": c.Paths.AuditLog,
		"paths.blobs":     c.Paths.Blobs,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Probe.Workers < 1 {
		errs = append(errs, fmt.Errorf("probe.workers must be at least 1, got %d", c.Probe.Workers))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("probe.timeout must be positive, got %s", c.Probe.Timeout))
	}
	if c.Probe.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe.connect_timeout must be positive, got %s", c.Probe.ConnectTimeout))
	}
	if c.Store.Retention < 1 {
		errs = append(errs, fmt.Errorf("store.retention must be at least 1, got %d", c.Store.Retention))
	}
	if c.Drift.UnreachableAfter < 0 || c.Drift.SchedulerMissingAfter < 0 {
		errs = append(errs, errors.New("drift thresholds must not be negative"))
	}
	if c.Rollout.MaxConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("rollout.max_conflict_retries must not be negative, got %d", c.Rollout.MaxConflictRetries))
	}
	if c.Rollout.SevereDropFactor < 1 {
		errs = append(errs, fmt.Errorf("rollout.severe_drop_factor must be at least 1, got %g", c.Rollout.SevereDropFactor))
	}
	if c.Ledger.RotateThresholdMB < 1 {
		errs = append(errs, fmt.Errorf("ledger.rotate_threshold_mb must be at least 1, got %d", c.Ledger.RotateThresholdMB))
	}
	switch c.Blobs.Compression {
	case "", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("blobs.compression must be zstd, lz4, or none, got %q", c.Blobs.Compression))
	}
	for _, recipient := range c.Blobs.VaultRecipients {
		if !strings.HasPrefix(recipient, "age1") {
			errs = append(errs, fmt.Errorf("blobs.vault_recipients: %q is not an age X25519 recipient", recipient))
		}
	}
	for role, ref := range c.Scheduler.RoleMapping {
		if ref.Provisioner == "" || ref.WorkerType == "" {
			errs = append(errs, fmt.Errorf("scheduler.role_mapping.%s needs provisioner and worker_type", role))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state directories.
func (c *Config) EnsurePaths() error {
	for _, directory := range []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.AuditLog),
		c.Paths.Blobs,
	} {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}

// ResolveActor returns the configured actor, falling back to
// [fleet.InferActor].
func (c *Config) ResolveActor() string {
	if c.Actor != "" {
		return c.Actor
	}
	return fleet.InferActor()
}
