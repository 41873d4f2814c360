// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/clock"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/gate"
	"github.com/bureau-foundation/fleetroll/lib/override"
	"github.com/bureau-foundation/fleetroll/lib/store"
)

// Defaults for zero Config fields.
const (
	DefaultMaxConflictRetries = 3
	DefaultRetryBackoff       = 100 * time.Millisecond
	DefaultPostFinalizeWindow = time.Hour
	DefaultSevereDropFactor   = 2.0
)

// Ledger is the audit ledger the engine appends to. *ledger.Ledger
// satisfies it.
type Ledger interface {
	Append(record fleet.AuditRecord) (fleet.AuditRecord, error)
}

// Blobs is the content-addressed store holding rollout artifacts and
// finalize snapshots. *blobstore.Store satisfies it.
type Blobs interface {
	Put(kind blobstore.Kind, content []byte, host string) (blobstore.Ref, error)
	Get(kind blobstore.Kind, ref string) ([]byte, blobstore.Metadata, error)
	Resolve(kind blobstore.Kind, ref string) (string, error)
}

// Config holds the parameters for an Engine.
type Config struct {
	Store   *store.Store
	Ledger  Ledger
	Blobs   Blobs
	Applier *override.Applier

	// Actor is recorded on audit records whose operator names no
	// actor. Empty means fleet.InferActor().
	Actor string

	// MaxConflictRetries bounds how many times a mutation that lost a
	// race is retried before the conflict is returned.
	MaxConflictRetries int
	RetryBackoff       time.Duration

	// OnlineWindow and BaselineWindow parameterize gate evaluation.
	// Zero means the gate package defaults.
	OnlineWindow   time.Duration
	BaselineWindow time.Duration

	PostFinalizeWindow time.Duration
	SevereDropFactor   float64

	// LockTTL is the lease taken while a mutation runs. Zero means
	// store.DefaultLockTTL.
	LockTTL time.Duration

	// NewID generates rollout ids. Nil means uuid.NewString.
	NewID func() string

	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Engine performs every audited mutation of fleet state: population
// and host administration and the rollout state machine. It is safe
// for concurrent use; mutations of one entity are serialized through
// store locks, so several engines may share a database.
type Engine struct {
	store   *store.Store
	ledger  Ledger
	blobs   Blobs
	applier *override.Applier

	actor              string
	owner              string
	maxConflictRetries int
	retryBackoff       time.Duration
	onlineWindow       time.Duration
	baselineWindow     time.Duration
	postFinalizeWindow time.Duration
	severeDropFactor   float64
	lockTTL            time.Duration
	newID              func() string

	metrics *Metrics
	clock   clock.Clock
	logger  *slog.Logger

	mu sync.Mutex
	// halted holds halts this engine raised but could not record in
	// the store.
	halted map[string]error
}

// New returns an Engine. Store, Ledger, Blobs, and Applier are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Blobs == nil || cfg.Applier == nil {
		return nil, errors.New("rollout: Store, Ledger, Blobs, and Applier are required")
	}
	engine := &Engine{
		store:              cfg.Store,
		ledger:             cfg.Ledger,
		blobs:              cfg.Blobs,
		applier:            cfg.Applier,
		actor:              cfg.Actor,
		maxConflictRetries: cfg.MaxConflictRetries,
		retryBackoff:       cfg.RetryBackoff,
		onlineWindow:       cfg.OnlineWindow,
		baselineWindow:     cfg.BaselineWindow,
		postFinalizeWindow: cfg.PostFinalizeWindow,
		severeDropFactor:   cfg.SevereDropFactor,
		lockTTL:            cfg.LockTTL,
		newID:              cfg.NewID,
		metrics:            NewMetrics(cfg.Registerer),
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		halted:             make(map[string]error),
	}
	if engine.actor == "" {
		engine.actor = fleet.InferActor()
	}
	if engine.maxConflictRetries <= 0 {
		engine.maxConflictRetries = DefaultMaxConflictRetries
	}
	if engine.retryBackoff <= 0 {
		engine.retryBackoff = DefaultRetryBackoff
	}
	if engine.postFinalizeWindow <= 0 {
		engine.postFinalizeWindow = DefaultPostFinalizeWindow
	}
	if engine.severeDropFactor <= 0 {
		engine.severeDropFactor = DefaultSevereDropFactor
	}
	if engine.lockTTL <= 0 {
		engine.lockTTL = store.DefaultLockTTL
	}
	if engine.newID == nil {
		engine.newID = uuid.NewString
	}
	if engine.clock == nil {
		engine.clock = clock.Real()
	}
	if engine.logger == nil {
		engine.logger = slog.New(slog.DiscardHandler)
	}
	engine.owner = fmt.Sprintf("%s/%s", engine.actor, uuid.NewString()[:8])
	return engine, nil
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Operator identifies who requested a mutation and how it was
// approved.
type Operator struct {
	// Actor is the operator identity. Empty means the engine's actor.
	Actor string

	// Approval is how the operator confirmed the action. Empty means
	// fleet.ApprovalAPI.
	Approval fleet.ApprovalMode
}

// locked runs fn while holding the store lock named key. Lock
// conflicts are retried with backoff up to the configured bound. An
// integrity failure from fn halts the entity: the halt is recorded in
// the store and every later mutation of key, by this engine or any
// other sharing the database, is refused until it is cleared.
func (e *Engine) locked(ctx context.Context, key string, fn func() error) error {
	if err := e.haltedErr(ctx, key); err != nil {
		return err
	}
	err := e.hold(ctx, key, fn)
	if fleet.KindOf(err) == fleet.KindIntegrity {
		e.halt(ctx, key, err)
	}
	return err
}

// hold runs fn while holding the store lock named key, without the
// halt bookkeeping of locked. Use it for locks nested inside locked.
func (e *Engine) hold(ctx context.Context, key string, fn func() error) error {
	var release func()
	err := e.retry(ctx, "lock", func() error {
		var err error
		release, err = e.store.TryLock(ctx, key, e.owner, e.lockTTL)
		return err
	})
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// renew extends the leases on keys after a long remote phase, so the
// commit that follows still runs under them. A lease another owner
// took over is a conflict.
func (e *Engine) renew(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := e.store.RenewLock(ctx, key, e.owner, e.lockTTL); err != nil {
			return err
		}
	}
	return nil
}

// commit runs prepare inside a store transaction and appends the
// audit record it returns as the transaction's final write. Either
// both the store changes and the record are durable or neither is
// visible: when the commit fails after the record was appended, a
// compensating txn.rollback record is appended. Version conflicts
// re-run prepare with backoff.
func (e *Engine) commit(ctx context.Context, operator Operator, prepare func(tx *store.Tx) (fleet.AuditRecord, error)) (fleet.AuditRecord, error) {
	var record fleet.AuditRecord
	err := e.retry(ctx, "commit", func() error {
		appended := false
		err := e.store.Transact(ctx, func(tx *store.Tx) error {
			prepared, err := prepare(tx)
			if err != nil {
				return err
			}
			record = e.stamp(prepared, operator)
			record, err = e.ledger.Append(record)
			if err != nil {
				return fmt.Errorf("rollout: appending audit record: %w", err)
			}
			appended = true
			return nil
		})
		if err != nil && appended {
			e.compensate(record, err)
		}
		return err
	})
	if err != nil {
		return fleet.AuditRecord{}, err
	}
	e.metrics.Mutations.WithLabelValues(record.Action).Inc()
	e.logger.Info("mutation committed",
		"action", record.Action,
		"actor", record.Actor,
		"seq", record.Sequence,
		"hosts", len(record.Hosts),
		"forced", record.Forced,
	)
	return record, nil
}

// compensate records that the transaction described by record did not
// commit.
func (e *Engine) compensate(record fleet.AuditRecord, cause error) {
	rollback := fleet.AuditRecord{
		Actor:        record.Actor,
		Action:       fleet.ActionTransactionRollback,
		Timestamp:    e.clock.Now(),
		Hosts:        record.Hosts,
		ApprovalMode: record.ApprovalMode,
		Parameters: map[string]string{
			"rolled_back_seq":    fmt.Sprint(record.Sequence),
			"rolled_back_action": record.Action,
			"error":              cause.Error(),
		},
	}
	if _, err := e.ledger.Append(rollback); err != nil {
		e.logger.Error("appending compensating audit record failed",
			"rolled_back_seq", record.Sequence,
			"error", err,
		)
		return
	}
	e.logger.Warn("store commit failed after audit append",
		"rolled_back_seq", record.Sequence,
		"action", record.Action,
		"error", cause,
	)
}

func (e *Engine) stamp(record fleet.AuditRecord, operator Operator) fleet.AuditRecord {
	record.Actor = operator.Actor
	if record.Actor == "" {
		record.Actor = e.actor
	}
	record.ApprovalMode = operator.Approval
	if record.ApprovalMode == "" {
		record.ApprovalMode = fleet.ApprovalAPI
	}
	record.Timestamp = e.clock.Now()
	return record
}

func (e *Engine) actorOf(operator Operator) string {
	if operator.Actor != "" {
		return operator.Actor
	}
	return e.actor
}

// retry runs fn until it succeeds, fails with something other than a
// conflict, or exhausts the retry bound.
func (e *Engine) retry(ctx context.Context, stage string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !fleet.IsConflict(err) {
			return err
		}
		e.metrics.Conflicts.WithLabelValues(stage).Inc()
		if attempt >= e.maxConflictRetries {
			return err
		}
		e.logger.Debug("retrying after conflict", "stage", stage, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

func (e *Engine) halt(ctx context.Context, key string, err error) {
	e.logger.Error("integrity failure halted mutation", "entity", key, "error", err)
	recordErr := e.store.RecordHalt(context.WithoutCancel(ctx), key, err.Error())
	if recordErr == nil {
		return
	}
	e.logger.Error("recording halt failed; holding it in memory", "entity", key, "error", recordErr)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.halted[key]; !ok {
		e.halted[key] = err
	}
}

func (e *Engine) haltedErr(ctx context.Context, key string) error {
	e.mu.Lock()
	cause, ok := e.halted[key]
	e.mu.Unlock()
	if !ok {
		recorded, found, err := e.store.Halted(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		cause = errors.New(recorded.Reason)
	}
	return &fleet.Error{
		Kind:    fleet.KindIntegrity,
		Op:      "rollout.lock",
		Message: fmt.Sprintf("mutation of %s halted after integrity failure", key),
		Err:     cause,
	}
}

func (e *Engine) forgetHalt(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.halted, key)
}

// gateData loads the observations and scheduler records the gate
// evaluator measures.
func (e *Engine) gateData(ctx context.Context) (gate.Data, error) {
	observations, err := e.store.LatestObservations(ctx)
	if err != nil {
		return gate.Data{}, err
	}
	workers, err := e.store.LatestSchedulerWorkers(ctx)
	if err != nil {
		return gate.Data{}, err
	}
	return gate.Data{Observations: observations, Workers: workers, OnlineWindow: e.onlineWindow}, nil
}

func rolloutKey(id string) string { return store.LockKey("rollout", id) }

func hostKey(host string) string { return store.LockKey("host", fleet.NormalizeHostname(host)) }

func populationKey(name string) string { return store.LockKey("population", name) }
