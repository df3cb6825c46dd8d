// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/spindle/internal/depgraph"
	"github.com/tomtom215/spindle/internal/servicedef"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AddServiceAndLoadAllRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.AddService(ctx, servicedef.ServiceConfig{
		Name: "a", Version: "1", Program: "/bin/a", Description: "first service",
	})
	require.NoError(t, err)

	_, err = store.AddService(ctx, servicedef.ServiceConfig{
		Name: "b", Version: "1", Program: "/bin/b", Args: []string{"--flag", "value"},
		Dependencies: []servicedef.ServiceKey{{Name: "a", Version: "1"}},
		Workspace:    "/tmp/work",
	})
	require.NoError(t, err)

	configs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "first service", configs[0].Description)
	assert.Equal(t, []string{"--flag", "value"}, configs[1].Args)
	assert.Equal(t, "/tmp/work", configs[1].Workspace)
	require.Len(t, configs[1].Dependencies, 1)
	assert.Equal(t, servicedef.ServiceKey{Name: "a", Version: "1"}, configs[1].Dependencies[0])
}

func TestStore_AddServiceRejectsUnresolvedDependency(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.AddService(ctx, servicedef.ServiceConfig{
		Name: "b", Version: "1", Program: "/bin/b",
		Dependencies: []servicedef.ServiceKey{{Name: "missing", Version: "1"}},
	})
	assert.ErrorIs(t, err, ErrDependencyNotFound)

	configs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, configs, "rejected insert must not leave a partial row behind")
}

func TestStore_RemoveServiceNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.RemoveService(ctx, servicedef.ServiceKey{Name: "nope", Version: "1"})
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func buildAndLoadGroups(t *testing.T, ctx context.Context, store *Store) []*depgraph.ServiceGroup {
	t.Helper()
	configs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	groups, dlq := depgraph.Build(configs)
	require.Empty(t, dlq)
	return groups
}

func TestStore_RemapAliasesPreservesIdentityAcrossGrowth(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.AddService(ctx, servicedef.ServiceConfig{Name: "a", Version: "1", Program: "/bin/a"})
	require.NoError(t, err)

	groups := buildAndLoadGroups(t, ctx, store)
	require.NoError(t, store.RemapAliases(ctx, groups))

	// RemapAliases never invents a name for a group with no compatible
	// prior alias, so the group starts unaliased until a caller explicitly
	// names it.
	var firstAlias string
	err = store.db.QueryRowContext(ctx, `SELECT alias FROM service_group_alias`).Scan(&firstAlias)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, store.InsertGroupAlias(ctx, 1, "frontends"))
	err = store.db.QueryRowContext(ctx, `SELECT alias FROM service_group_alias`).Scan(&firstAlias)
	require.NoError(t, err)

	_, err = store.AddService(ctx, servicedef.ServiceConfig{
		Name: "b", Version: "1", Program: "/bin/b",
		Dependencies: []servicedef.ServiceKey{{Name: "a", Version: "1"}},
	})
	require.NoError(t, err)

	groups = buildAndLoadGroups(t, ctx, store)
	require.Len(t, groups, 1)
	require.NoError(t, store.RemapAliases(ctx, groups))

	var secondAlias string
	err = store.db.QueryRowContext(ctx, `SELECT alias FROM service_group_alias`).Scan(&secondAlias)
	require.NoError(t, err)

	assert.Equal(t, firstAlias, secondAlias, "group that only gained a member should keep its alias")
}

func TestIsSubsequence(t *testing.T) {
	a := servicedef.ServiceKey{Name: "a", Version: "1"}
	b := servicedef.ServiceKey{Name: "b", Version: "1"}
	c := servicedef.ServiceKey{Name: "c", Version: "1"}

	assert.True(t, isSubsequence([]servicedef.ServiceKey{a, c}, []servicedef.ServiceKey{a, b, c}))
	assert.False(t, isSubsequence([]servicedef.ServiceKey{c, a}, []servicedef.ServiceKey{a, b, c}))
	assert.True(t, isSubsequence(nil, []servicedef.ServiceKey{a, b}))
}
