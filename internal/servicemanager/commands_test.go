// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package servicemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/spindle/internal/servicedef"
	"github.com/tomtom215/spindle/internal/storage"
)

func openTestCommands(t *testing.T) (*storage.Store, *Commands) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cmds, err := NewCommands(ctx, store, 0, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(cmds.Close)
	return store, cmds
}

func TestCommands_AddServiceReloadLaunchGroupServiceState(t *testing.T) {
	ctx := context.Background()
	_, cmds := openTestCommands(t)

	_, err := cmds.AddService(ctx, servicedef.ServiceConfig{Name: "a", Version: "1", Program: "/bin/true"})
	require.NoError(t, err)

	// Adding a service does not take effect until the manager is reloaded.
	assert.Equal(t, 0, cmds.GroupCount())

	require.NoError(t, cmds.Reload(ctx))
	require.Equal(t, 1, cmds.GroupCount())

	keys, err := cmds.GroupServiceKeys(0)
	require.NoError(t, err)
	require.Equal(t, []servicedef.ServiceKey{{Name: "a", Version: "1"}}, keys)

	require.NoError(t, cmds.LaunchGroup(ctx, 0))

	state, err := cmds.ServiceState(servicedef.ServiceKey{Name: "a", Version: "1"})
	require.NoError(t, err)
	assert.Contains(t, []string{"Running", "Failed: Service task exited with status: exit status 0"}, state, "a short-lived process may already have exited, which is recorded as a crash, by the time we check")
}

func TestCommands_ServiceStateFormatsFailedWithReason(t *testing.T) {
	ctx := context.Background()
	_, cmds := openTestCommands(t)

	_, err := cmds.AddService(ctx, servicedef.ServiceConfig{Name: "bad", Version: "1", Program: "/no/such/binary-spindle-test"})
	require.NoError(t, err)
	require.NoError(t, cmds.Reload(ctx))

	key := servicedef.ServiceKey{Name: "bad", Version: "1"}
	require.NoError(t, cmds.LaunchGroup(ctx, 0))

	require.Eventually(t, func() bool {
		state, err := cmds.ServiceState(key)
		return err == nil && state != "Pending" && state != "Starting"
	}, 2*time.Second, 10*time.Millisecond)

	state, err := cmds.ServiceState(key)
	require.NoError(t, err)
	assert.Contains(t, state, "Failed: ")
}

func TestCommands_GroupAliasRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, cmds := openTestCommands(t)

	_, ok, err := cmds.QueryGroupAlias(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cmds.InsertGroupAlias(ctx, 1, "core"))
	alias, ok, err := cmds.QueryGroupAlias(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "core", alias)

	require.NoError(t, cmds.RemoveGroupAlias(ctx, 1))
	_, ok, err = cmds.QueryGroupAlias(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommands_UpdateServiceGroupMembershipLeavesFreshGroupUnaliased(t *testing.T) {
	ctx := context.Background()
	_, cmds := openTestCommands(t)

	_, err := cmds.AddService(ctx, servicedef.ServiceConfig{Name: "a", Version: "1", Program: "/bin/true"})
	require.NoError(t, err)
	require.NoError(t, cmds.Reload(ctx))
	require.NoError(t, cmds.UpdateServiceGroupMembership(ctx))

	// No previous alias exists to remap, so the new group gets none: only
	// matched pairs are reinserted, per spec.
	_, ok, err := cmds.QueryGroupAlias(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// The live manager still holds the group even though it has no alias.
	keys, err := cmds.GroupServiceKeys(0)
	require.NoError(t, err)
	assert.Equal(t, []servicedef.ServiceKey{{Name: "a", Version: "1"}}, keys)
}

func TestCommands_RemoveServiceThenReloadDropsGroup(t *testing.T) {
	ctx := context.Background()
	_, cmds := openTestCommands(t)

	key := servicedef.ServiceKey{Name: "a", Version: "1"}
	_, err := cmds.AddService(ctx, servicedef.ServiceConfig{Name: "a", Version: "1", Program: "/bin/true"})
	require.NoError(t, err)
	require.NoError(t, cmds.Reload(ctx))
	require.Equal(t, 1, cmds.GroupCount())

	require.NoError(t, cmds.RemoveService(ctx, key))
	require.NoError(t, cmds.Reload(ctx))
	assert.Equal(t, 0, cmds.GroupCount())
}
