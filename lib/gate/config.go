// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Parse strips JSONC comments and trailing commas from data and
// decodes a gate configuration. Unknown gate names are rejected so a
// typo cannot silently disable a gate.
func Parse(data []byte) (fleet.GateConfig, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	var cfg fleet.GateConfig
	if err := decoder.Decode(&cfg); err != nil {
		return fleet.GateConfig{}, fmt.Errorf("parsing gate config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return fleet.GateConfig{}, err
	}
	return cfg, nil
}

// ReadFile reads and parses a JSONC gate configuration file.
func ReadFile(path string) (fleet.GateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fleet.GateConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return fleet.GateConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every out-of-range threshold.
func Validate(cfg fleet.GateConfig) error {
	var errs []error
	check := func(name string, value *float64, max float64) {
		if value == nil {
			return
		}
		if *value < 0 || (max > 0 && *value > max) {
			if max > 0 {
				errs = append(errs, fmt.Errorf("%s: %v outside [0, %v]", name, *value, max))
			} else {
				errs = append(errs, fmt.Errorf("%s: %v is negative", name, *value))
			}
		}
	}
	check(fleet.GateMinJobsPerHost, cfg.MinJobsPerHost, 0)
	check(fleet.GateMinJobsTotal, cfg.MinJobsTotal, 0)
	check(fleet.GateMinHostsWithJobsFraction, cfg.MinHostsWithJobsFraction, 1)
	check(fleet.GateTCSuccessRateDrop, cfg.TCSuccessRateDrop, 100)
	check(fleet.GateTCOnlineDropPct, cfg.TCOnlineDropPct, 100)
	check(fleet.GateSSHableMinPct, cfg.SSHableMinPct, 100)
	return errors.Join(errs...)
}
