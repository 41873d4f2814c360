// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/config"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/ledger"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/remote"
	"github.com/bureau-foundation/fleetroll/lib/rollout"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// globals are the flags every leaf command accepts.
type globals struct {
	configPath  string
	verbose     bool
	json        bool
	metricsFile string
}

// flags returns a flag set for a leaf command with the global flags
// already bound.
func (g *globals) flags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&g.configPath, "config", "", "configuration file (default $FLEETROLL_CONFIG)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&g.json, "json", false, "print results as JSON")
	flagSet.StringVar(&g.metricsFile, "metrics-file", "", "write this run's metrics to `PATH` in Prometheus text format")
	return flagSet
}

// env is the opened state a command works against.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	store    *store.Store
	ledger   *ledger.Ledger
	blobs    *blobstore.Store
	runner   remote.Runner
	applier  *override.Applier
	engine   *rollout.Engine
	out      *cli.Output
	json     bool
}

// open loads the configuration and opens the store, ledger, and blob
// store. The caller must call close.
func (g *globals) open(ctx context.Context) (*env, error) {
	var cfg *config.Config
	var err error
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	e := &env{
		cfg:      cfg,
		logger:   cli.NewLogger(g.verbose),
		clock:    clock.Real(),
		registry: prometheus.NewRegistry(),
		out:      cli.Stdout(),
		json:     g.json,
	}

	e.store, err = store.Open(ctx, store.Config{
		Path:      cfg.Paths.Database,
		PoolSize:  cfg.Store.PoolSize,
		Retention: cfg.Store.Retention,
		Clock:     e.clock,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.ledger, err = ledger.Open(ledger.Config{Path: cfg.Paths.AuditLog, Clock: e.clock, Logger: e.logger})
	if err != nil {
		e.close()
		return nil, err
	}
	e.blobs, err = openBlobs(cfg, e.clock, e.logger)
	if err != nil {
		e.close()
		return nil, err
	}

	e.runner = remote.NewSSH(remote.SSHConfig{
		ConnectTimeout: cfg.Probe.ConnectTimeout,
		Options:        cfg.Probe.SSHOptions,
		Logger:         e.logger,
	})
	e.applier = override.NewApplier(override.Config{
		Runner:  e.runner,
		Timeout: cfg.Probe.Timeout,
		Workers: cfg.Probe.Workers,
		Clock:   e.clock,
		Logger:  e.logger,
	})
	e.engine, err = rollout.New(rollout.Config{
		Store:              e.store,
		Ledger:             e.ledger,
		Blobs:              e.blobs,
		Applier:            e.applier,
		Actor:              cfg.ResolveActor(),
		MaxConflictRetries: cfg.Rollout.MaxConflictRetries,
		OnlineWindow:       cfg.Scheduler.OnlineWindow,
		PostFinalizeWindow: cfg.Rollout.PostFinalizeWindow,
		SevereDropFactor:   cfg.Rollout.SevereDropFactor,
		Registerer:         e.registry,
		Clock:              e.clock,
		Logger:             e.logger,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func openBlobs(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*blobstore.Store, error) {
	compression, err := blobstore.ParseCompression(cfg.Blobs.Compression)
	if err != nil {
		return nil, err
	}
	blobConfig := blobstore.Config{
		Root:        cfg.Paths.Blobs,
		Compression: compression,
		Clock:       clk,
		Logger:      logger,
	}
	if len(cfg.Blobs.VaultRecipients) > 0 {
		if blobConfig.VaultRecipients, err = blobstore.ParseRecipients(cfg.Blobs.VaultRecipients); err != nil {
			return nil, err
		}
	}
	if cfg.Blobs.VaultIdentityFile != "" {
		if blobConfig.VaultIdentities, err = blobstore.LoadIdentities(cfg.Blobs.VaultIdentityFile); err != nil {
			return nil, err
		}
	}
	return blobstore.Open(blobConfig)
}

func (e *env) close() {
	var errs []error
	if e.ledger != nil {
		errs = append(errs, e.ledger.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("closing state", "error", err)
	}
}

// operator is the identity recorded on audit records of this run.
func (e *env) operator(approval fleet.ApprovalMode) rollout.Operator {
	return rollout.Operator{Actor: e.cfg.ResolveActor(), Approval: approval}
}

// emit prints value as JSON when --json is set and reports whether it
// did.
func (e *env) emit(value any) (bool, error) {
	if !e.json {
		return false, nil
	}
	return true, e.out.JSON(value)
}

// run opens the environment around fn. With --metrics-file the
// registry is written out after fn returns, whether or not it failed.
func (g *globals) run(ctx context.Context, fn func(e *env) error) error {
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	err = fn(e)
	if g.metricsFile == "" {
		return err
	}
	if writeErr := prometheus.WriteToTextfile(g.metricsFile, e.registry); writeErr != nil {
		e.logger.Error("writing metrics file failed", "path", g.metricsFile, "error", writeErr)
		if err == nil {
			return fmt.Errorf("writing metrics to %s: %w", g.metricsFile, writeErr)
		}
	}
	return err
}
