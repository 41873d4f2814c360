// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetroll/lib/fleet"
)

// Population returns the named population.
func (s *Store) Population(ctx context.Context, name string) (fleet.Population, error) {
	var population fleet.Population
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		population, err = getPopulation(conn, name)
		return err
	})
	return population, err
}

// Populations returns every population ordered by name.
func (s *Store) Populations(ctx context.Context) ([]fleet.Population, error) {
	var populations []fleet.Population
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT doc FROM populations ORDER BY name", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var population fleet.Population
				if err := decodeDoc(stmt, 0, &population); err != nil {
					return err
				}
				populations = append(populations, population)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing populations: %w", err)
	}
	return populations, nil
}

// Population returns the named population.
func (tx *Tx) Population(name string) (fleet.Population, error) {
	return getPopulation(tx.conn, name)
}

// InsertPopulation creates a population. Names are unique.
func (tx *Tx) InsertPopulation(population fleet.Population) error {
	if population.Name == "" {
		return fleet.Precondition("store.insert_population", "population name is required")
	}
	exists, err := rowExists(tx.conn, "SELECT 1 FROM populations WHERE name = ?", population.Name)
	if err != nil {
		return err
	}
	if exists {
		return fleet.Precondition("store.insert_population", "population %q already exists", population.Name)
	}
	doc, err := encodeDoc(population)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn, "INSERT INTO populations (name, doc) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{population.Name, doc}})
	if err != nil {
		return fmt.Errorf("store: inserting population %s: %w", population.Name, err)
	}
	return nil
}

func getPopulation(conn *sqlite.Conn, name string) (fleet.Population, error) {
	var population fleet.Population
	found := false
	err := sqlitex.Execute(conn, "SELECT doc FROM populations WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return decodeDoc(stmt, 0, &population)
		},
	})
	if err != nil {
		return fleet.Population{}, fmt.Errorf("store: reading population %s: %w", name, err)
	}
	if !found {
		return fleet.Population{}, fleet.NotFound("store.population", "population", name)
	}
	return population, nil
}

// Rollout returns the rollout with the given id.
func (s *Store) Rollout(ctx context.Context, id string) (fleet.Rollout, error) {
	var rollout fleet.Rollout
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rollout, err = getRollout(conn, id)
		return err
	})
	return rollout, err
}

// Rollouts returns the rollouts of population, newest first. An empty
// population lists every rollout.
func (s *Store) Rollouts(ctx context.Context, population string) ([]fleet.Rollout, error) {
	query := "SELECT version, doc FROM rollouts"
	var args []any
	if population != "" {
		query += " WHERE population = ?"
		args = append(args, population)
	}
	query += " ORDER BY created_at DESC, id"
	var rollouts []fleet.Rollout
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rollouts, err = queryRollouts(conn, query, args...)
		return err
	})
	return rollouts, err
}

// OpenRollouts returns every rollout whose override may legitimately
// be present on its targets: active and succeeded rollouts.
func (s *Store) OpenRollouts(ctx context.Context) ([]fleet.Rollout, error) {
	var rollouts []fleet.Rollout
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rollouts, err = queryRollouts(conn,
			"SELECT version, doc FROM rollouts WHERE status IN (?, ?) ORDER BY created_at, id",
			string(fleet.RolloutActive), string(fleet.RolloutSucceeded))
		return err
	})
	return rollouts, err
}

// Rollout returns the rollout with the given id.
func (tx *Tx) Rollout(id string) (fleet.Rollout, error) {
	return getRollout(tx.conn, id)
}

// ActiveRollout returns the Active rollout of population, if any.
func (tx *Tx) ActiveRollout(population string) (fleet.Rollout, bool, error) {
	rollouts, err := queryRollouts(tx.conn,
		"SELECT version, doc FROM rollouts WHERE population = ? AND status = ?",
		population, string(fleet.RolloutActive))
	if err != nil || len(rollouts) == 0 {
		return fleet.Rollout{}, false, err
	}
	return rollouts[0], true, nil
}

// InsertRollout creates a rollout at version 1.
func (tx *Tx) InsertRollout(rollout fleet.Rollout) (fleet.Rollout, error) {
	exists, err := rowExists(tx.conn, "SELECT 1 FROM rollouts WHERE id = ?", rollout.ID)
	if err != nil {
		return fleet.Rollout{}, err
	}
	if exists {
		return fleet.Rollout{}, fleet.Precondition("store.insert_rollout", "rollout %q already exists", rollout.ID)
	}
	rollout.Version = 1
	doc, err := encodeDoc(rollout)
	if err != nil {
		return fleet.Rollout{}, err
	}
	err = sqlitex.Execute(tx.conn,
		"INSERT INTO rollouts (id, population, status, created_at, version, doc) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			rollout.ID, rollout.Population, string(rollout.Status),
			rollout.CreatedAt.UnixNano(), rollout.Version, doc,
		}})
	if err != nil {
		return fleet.Rollout{}, fmt.Errorf("store: inserting rollout %s: %w", rollout.ID, err)
	}
	return rollout, nil
}

// UpdateRollout writes rollout if the stored version equals
// expectedVersion, returning it with the new version.
func (tx *Tx) UpdateRollout(rollout fleet.Rollout, expectedVersion int64) (fleet.Rollout, error) {
	rollout.Version = expectedVersion + 1
	doc, err := encodeDoc(rollout)
	if err != nil {
		return fleet.Rollout{}, err
	}
	err = sqlitex.Execute(tx.conn,
		"UPDATE rollouts SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?",
		&sqlitex.ExecOptions{Args: []any{string(rollout.Status), rollout.Version, doc, rollout.ID, expectedVersion}})
	if err != nil {
		return fleet.Rollout{}, fmt.Errorf("store: updating rollout %s: %w", rollout.ID, err)
	}
	if tx.conn.Changes() == 0 {
		return fleet.Rollout{}, staleVersion(tx.conn, "store.update_rollout", "rollout", rollout.ID,
			"SELECT version FROM rollouts WHERE id = ?", expectedVersion)
	}
	return rollout, nil
}

func getRollout(conn *sqlite.Conn, id string) (fleet.Rollout, error) {
	rollouts, err := queryRollouts(conn, "SELECT version, doc FROM rollouts WHERE id = ?", id)
	if err != nil {
		return fleet.Rollout{}, err
	}
	if len(rollouts) == 0 {
		return fleet.Rollout{}, fleet.NotFound("store.rollout", "rollout", id)
	}
	return rollouts[0], nil
}

func queryRollouts(conn *sqlite.Conn, query string, args ...any) ([]fleet.Rollout, error) {
	var rollouts []fleet.Rollout
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var rollout fleet.Rollout
			if err := decodeDoc(stmt, 1, &rollout); err != nil {
				return err
			}
			rollout.Version = stmt.ColumnInt64(0)
			rollouts = append(rollouts, rollout)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading rollouts: %w", err)
	}
	return rollouts, nil
}

// Stages returns the stages of a rollout in sequence order.
func (s *Store) Stages(ctx context.Context, rolloutID string) ([]fleet.Stage, error) {
	var stages []fleet.Stage
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		stages, err = listStages(conn, rolloutID)
		return err
	})
	return stages, err
}

// Stages returns the stages of a rollout in sequence order.
func (tx *Tx) Stages(rolloutID string) ([]fleet.Stage, error) {
	return listStages(tx.conn, rolloutID)
}

// InsertStage appends a stage at version 1. The sequence must be one
// past the rollout's last stage.
func (tx *Tx) InsertStage(stage fleet.Stage) (fleet.Stage, error) {
	stages, err := listStages(tx.conn, stage.RolloutID)
	if err != nil {
		return fleet.Stage{}, err
	}
	if want := len(stages) + 1; stage.Sequence != want {
		return fleet.Stage{}, fleet.Conflict("store.insert_stage",
			"rollout %s stage %d: next sequence is %d", stage.RolloutID, stage.Sequence, want)
	}
	stage.Version = 1
	doc, err := encodeDoc(stage)
	if err != nil {
		return fleet.Stage{}, err
	}
	err = sqlitex.Execute(tx.conn,
		"INSERT INTO stages (rollout_id, sequence, status, version, doc) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{stage.RolloutID, stage.Sequence, string(stage.Status), stage.Version, doc}})
	if err != nil {
		return fleet.Stage{}, fmt.Errorf("store: inserting stage %s/%d: %w", stage.RolloutID, stage.Sequence, err)
	}
	return stage, nil
}

// UpdateStage writes stage if the stored version equals
// expectedVersion, returning it with the new version.
func (tx *Tx) UpdateStage(stage fleet.Stage, expectedVersion int64) (fleet.Stage, error) {
	stage.Version = expectedVersion + 1
	doc, err := encodeDoc(stage)
	if err != nil {
		return fleet.Stage{}, err
	}
	err = sqlitex.Execute(tx.conn,
		"UPDATE stages SET status = ?, version = ?, doc = ? WHERE rollout_id = ? AND sequence = ? AND version = ?",
		&sqlitex.ExecOptions{Args: []any{
			string(stage.Status), stage.Version, doc, stage.RolloutID, stage.Sequence, expectedVersion,
		}})
	if err != nil {
		return fleet.Stage{}, fmt.Errorf("store: updating stage %s/%d: %w", stage.RolloutID, stage.Sequence, err)
	}
	if tx.conn.Changes() == 0 {
		key := fmt.Sprintf("%s/%d", stage.RolloutID, stage.Sequence)
		return fleet.Stage{}, staleVersion(tx.conn, "store.update_stage", "stage", key,
			"SELECT version FROM stages WHERE rollout_id = ? AND sequence = ?", expectedVersion,
			stage.RolloutID, stage.Sequence)
	}
	return stage, nil
}

func listStages(conn *sqlite.Conn, rolloutID string) ([]fleet.Stage, error) {
	var stages []fleet.Stage
	err := sqlitex.Execute(conn,
		"SELECT version, doc FROM stages WHERE rollout_id = ? ORDER BY sequence",
		&sqlitex.ExecOptions{
			Args: []any{rolloutID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var stage fleet.Stage
				if err := decodeDoc(stmt, 1, &stage); err != nil {
					return err
				}
				stage.Version = stmt.ColumnInt64(0)
				stages = append(stages, stage)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading stages of %s: %w", rolloutID, err)
	}
	return slices.Clip(stages), nil
}
