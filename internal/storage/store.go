// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package storage persists service definitions and group aliases in
// SQLite and reconciles group identity across reloads via the alias-remap
// algorithm in alias.go.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	"github.com/tomtom215/spindle/internal/servicedef"
)

// ErrServiceNotFound is returned when a lookup by key matches no row.
var ErrServiceNotFound = errors.New("storage: service not found")

// ErrDependencyNotFound is returned by AddService when a declared
// dependency does not reference an already-persisted service.
var ErrDependencyNotFound = errors.New("storage: dependency service not found")

// Store wraps a SQLite database holding the full set of persisted service
// definitions, their dependency edges, and group aliasing state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and brings
// its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	// SQLite enforces foreign keys (and so the schema's ON DELETE clauses)
	// only when the connection turns them on.
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AddService persists cfg and returns its assigned row id. Dependencies
// must already be persisted; an unresolved dependency rolls back the
// whole insert and returns ErrDependencyNotFound.
func (s *Store) AddService(ctx context.Context, cfg servicedef.ServiceConfig) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO service (name, version) VALUES (?, ?)`,
		cfg.Name, cfg.Version)
	if err != nil {
		return 0, fmt.Errorf("insert service: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO service_config (service_id, program, description, workspace) VALUES (?, ?, ?, ?)`,
		id, cfg.Program, nullableString(cfg.Description), nullableString(cfg.Workspace)); err != nil {
		return 0, fmt.Errorf("insert service_config: %w", err)
	}

	for idx, arg := range cfg.Args {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_arg (service_id, arg_idx, value) VALUES (?, ?, ?)`,
			id, idx, arg); err != nil {
			return 0, fmt.Errorf("insert service_arg: %w", err)
		}
	}

	for _, dep := range cfg.Dependencies {
		var depID int64
		row := tx.QueryRowContext(ctx, `SELECT id FROM service WHERE name = ? AND version = ?`, dep.Name, dep.Version)
		if err := row.Scan(&depID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("%w: %s", ErrDependencyNotFound, dep.String())
			}
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_dependency (service_id, dependency_id) VALUES (?, ?)`,
			id, depID); err != nil {
			return 0, fmt.Errorf("insert service_dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveService deletes the service identified by key. Cascades to its
// config, args, dependency edges, and group membership row.
func (s *Store) RemoveService(ctx context.Context, key servicedef.ServiceKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service WHERE name = ? AND version = ?`, key.Name, key.Version)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// LoadAll reconstructs every persisted ServiceConfig, in ascending
// (name, version) row order. Args are ordered by arg_idx; dependencies are
// resolved back into ServiceKeys.
func (s *Store) LoadAll(ctx context.Context) ([]servicedef.ServiceConfig, error) {
	type row struct {
		id          int64
		name        string
		version     string
		program     string
		workspace   sql.NullString
		description sql.NullString
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.version, c.program, c.workspace, c.description
		FROM service s
		JOIN service_config c ON c.service_id = s.id
		ORDER BY s.name, s.version`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var base []row
	idToIndex := make(map[int64]int)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.name, &r.version, &r.program, &r.workspace, &r.description); err != nil {
			return nil, err
		}
		idToIndex[r.id] = len(base)
		base = append(base, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	configs := make([]servicedef.ServiceConfig, len(base))
	for i, r := range base {
		configs[i] = servicedef.ServiceConfig{
			Name:        r.name,
			Version:     r.version,
			Program:     r.program,
			Workspace:   r.workspace.String,
			Description: r.description.String,
		}
	}

	for i, r := range base {
		argRows, err := s.db.QueryContext(ctx,
			`SELECT value FROM service_arg WHERE service_id = ? ORDER BY arg_idx`, r.id)
		if err != nil {
			return nil, fmt.Errorf("query service_arg: %w", err)
		}
		var args []string
		for argRows.Next() {
			var v string
			if err := argRows.Scan(&v); err != nil {
				argRows.Close()
				return nil, err
			}
			args = append(args, v)
		}
		argRows.Close()
		configs[i].Args = args
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT sd.service_id, dep.name, dep.version
		FROM service_dependency sd
		JOIN service dep ON dep.id = sd.dependency_id`)
	if err != nil {
		return nil, fmt.Errorf("query service_dependency: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var serviceID int64
		var depName, depVersion string
		if err := depRows.Scan(&serviceID, &depName, &depVersion); err != nil {
			return nil, err
		}
		idx, ok := idToIndex[serviceID]
		if !ok {
			continue
		}
		configs[idx].Dependencies = append(configs[idx].Dependencies, servicedef.ServiceKey{Name: depName, Version: depVersion})
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}

	for i := range configs {
		sort.Slice(configs[i].Dependencies, func(a, b int) bool {
			return configs[i].Dependencies[a].String() < configs[i].Dependencies[b].String()
		})
	}

	return configs, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
