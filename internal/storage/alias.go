// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/tomtom215/spindle/internal/depgraph"
	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/servicedef"
)

// oldAlias is one row of the previous group_id -> alias assignment, paired
// with the sorted member keys that made up that group at the time.
type oldAlias struct {
	groupID int64
	alias   string
	members []servicedef.ServiceKey
}

// InsertGroupAlias binds alias to groupID, replacing any existing binding
// for that group_id (alias is globally unique, so a collision with a
// different group's alias is reported as an error).
func (s *Store) InsertGroupAlias(ctx context.Context, groupID int64, alias string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_group_alias (group_id, alias) VALUES (?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET alias = excluded.alias`,
		groupID, alias)
	if err != nil {
		return fmt.Errorf("insert service_group_alias: %w", err)
	}
	return nil
}

// QueryGroupAlias returns groupID's alias, or ok=false if it has none.
func (s *Store) QueryGroupAlias(ctx context.Context, groupID int64) (string, bool, error) {
	var alias string
	row := s.db.QueryRowContext(ctx, `SELECT alias FROM service_group_alias WHERE group_id = ?`, groupID)
	if err := row.Scan(&alias); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return alias, true, nil
}

// RemoveGroupAlias removes groupID's alias binding, if any. A missing
// binding is a no-op success.
func (s *Store) RemoveGroupAlias(ctx context.Context, groupID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM service_group_alias WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete service_group_alias: %w", err)
	}
	return nil
}

// RemapAliases reconciles a freshly rebuilt set of groups against the
// previously persisted group_id/alias assignments.
//
// A new group inherits an old alias when the old group's sorted member
// list and the new group's sorted member list are compatible: one is an
// order-preserving subsequence of the other, so a group that only gained
// or only lost members (without reordering the survivors) keeps its
// identity across a reload. Old aliases are tried in ascending group_id
// order and matched against new groups in discovery order; the first
// compatible pair wins and both sides are removed from further
// consideration (first-prev-wins). New groups that match no old alias are
// left unaliased, per spec: only the remapped pairs are reinserted.
//
// The whole reassignment — service_group_alias and service_group_membership
// — is rewritten inside a single transaction.
func (s *Store) RemapAliases(ctx context.Context, groups []*depgraph.ServiceGroup) error {
	olds, err := s.loadOldAliases(ctx)
	if err != nil {
		return err
	}

	newMembers := make([][]servicedef.ServiceKey, len(groups))
	for i, g := range groups {
		newMembers[i] = g.Keys()
	}

	assignedAlias := make([]string, len(groups))
	assignedGroupID := make([]int64, len(groups))
	matched := make([]bool, len(groups))
	usedOld := make([]bool, len(olds))

	for oi, old := range olds {
		for ni := range groups {
			if matched[ni] {
				continue
			}
			if !compatibleMembers(old.members, newMembers[ni]) {
				continue
			}
			assignedAlias[ni] = old.alias
			assignedGroupID[ni] = old.groupID
			matched[ni] = true
			usedOld[oi] = true
			break
		}
	}

	nextGroupID := int64(1)
	for _, old := range olds {
		if old.groupID >= nextGroupID {
			nextGroupID = old.groupID + 1
		}
	}
	for ni := range groups {
		if matched[ni] {
			continue
		}
		assignedGroupID[ni] = nextGroupID
		nextGroupID++
		// No compatible previous alias: per spec §4.G the remap only
		// reinserts matched pairs, so this group is left unaliased. A
		// caller wanting one must bind it explicitly via InsertGroupAlias.
		logging.Info().Int64("group_id", assignedGroupID[ni]).Msg("service group has no compatible previous alias, leaving unaliased")
	}

	return s.rewriteGroups(ctx, groups, assignedGroupID, assignedAlias)
}

func (s *Store) loadOldAliases(ctx context.Context) ([]oldAlias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, alias FROM service_group_alias ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("query service_group_alias: %w", err)
	}
	defer rows.Close()

	var olds []oldAlias
	for rows.Next() {
		var o oldAlias
		if err := rows.Scan(&o.groupID, &o.alias); err != nil {
			return nil, err
		}
		olds = append(olds, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range olds {
		memberRows, err := s.db.QueryContext(ctx, `
			SELECT sv.name, sv.version
			FROM service_group_membership m
			JOIN service sv ON sv.id = m.service_id
			WHERE m.group_id = ?`, olds[i].groupID)
		if err != nil {
			return nil, fmt.Errorf("query service_group_membership: %w", err)
		}
		var members []servicedef.ServiceKey
		for memberRows.Next() {
			var k servicedef.ServiceKey
			if err := memberRows.Scan(&k.Name, &k.Version); err != nil {
				memberRows.Close()
				return nil, err
			}
			members = append(members, k)
		}
		memberRows.Close()
		sort.Slice(members, func(a, b int) bool { return members[a].String() < members[b].String() })
		olds[i].members = members
	}
	return olds, nil
}

func (s *Store) rewriteGroups(ctx context.Context, groups []*depgraph.ServiceGroup, groupIDs []int64, aliases []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM service_group_membership`); err != nil {
		return fmt.Errorf("clear service_group_membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_group_alias`); err != nil {
		return fmt.Errorf("clear service_group_alias: %w", err)
	}

	for i, group := range groups {
		if aliases[i] != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO service_group_alias (group_id, alias) VALUES (?, ?)`,
				groupIDs[i], aliases[i]); err != nil {
				return fmt.Errorf("insert service_group_alias: %w", err)
			}
		}
		for _, key := range group.Keys() {
			var serviceID int64
			row := tx.QueryRowContext(ctx, `SELECT id FROM service WHERE name = ? AND version = ?`, key.Name, key.Version)
			if err := row.Scan(&serviceID); err != nil {
				return fmt.Errorf("resolve service id for %s: %w", key.String(), err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO service_group_membership (group_id, service_id) VALUES (?, ?)`,
				groupIDs[i], serviceID); err != nil {
				return fmt.Errorf("insert service_group_membership: %w", err)
			}
		}
	}

	return tx.Commit()
}

// compatibleMembers reports whether a and b are order-preserving
// subsequences of one another in either direction.
func compatibleMembers(a, b []servicedef.ServiceKey) bool {
	return isSubsequence(a, b) || isSubsequence(b, a)
}

// isSubsequence reports whether every element of a appears in b, in the
// same relative order (not necessarily contiguously).
func isSubsequence(a, b []servicedef.ServiceKey) bool {
	if len(a) == 0 {
		return true
	}
	j := 0
	for i := 0; i < len(a) && j < len(b); {
		if a[i].String() == b[j].String() {
			i++
			j++
			if i == len(a) {
				return true
			}
		} else {
			j++
		}
	}
	return false
}
