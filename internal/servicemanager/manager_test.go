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
	"github.com/tomtom215/spindle/internal/statestore"
)

func key(name string) servicedef.ServiceKey {
	return servicedef.ServiceKey{Name: name, Version: "1"}
}

func sleepCfg(name string, deps ...string) servicedef.ServiceConfig {
	var keys []servicedef.ServiceKey
	for _, d := range deps {
		keys = append(keys, key(d))
	}
	return servicedef.ServiceConfig{Name: name, Version: "1", Program: "/bin/sleep", Args: []string{"30"}, Dependencies: keys}
}

func TestManager_LaunchChainInDependencyOrder(t *testing.T) {
	m := New([]servicedef.ServiceConfig{
		sleepCfg("a"),
		sleepCfg("b", "a"),
	}, 16)
	defer m.Close()

	require.Equal(t, 1, m.GroupNum())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.LaunchGroup(ctx, 0, 2*time.Second))

	stateA, err := m.ServiceState(key("a"))
	require.NoError(t, err)
	assert.Equal(t, statestore.Running, stateA.Kind)

	stateB, err := m.ServiceState(key("b"))
	require.NoError(t, err)
	assert.Equal(t, statestore.Running, stateB.Kind)
}

func TestManager_StopCascadesToDependentsFirst(t *testing.T) {
	m := New([]servicedef.ServiceConfig{
		sleepCfg("a"),
		sleepCfg("b", "a"),
	}, 16)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.LaunchGroup(ctx, 0, 2*time.Second))

	require.NoError(t, m.StopService(key("a")))

	require.Eventually(t, func() bool {
		stateA, _ := m.ServiceState(key("a"))
		stateB, _ := m.ServiceState(key("b"))
		return stateA.Kind == statestore.Stopped && stateB.Kind == statestore.Stopped
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_CrashLeavesUnlaunchedDependentPending(t *testing.T) {
	m := New([]servicedef.ServiceConfig{
		{Name: "a", Version: "1", Program: "/bin/true"},
		sleepCfg("b", "a"),
	}, 16)
	defer m.Close()

	// Launch "a" directly; it exits almost immediately, which this system
	// treats as a crash (a supervised service is expected to keep running).
	require.NoError(t, m.LaunchService(key("a")))

	require.Eventually(t, func() bool {
		state, err := m.ServiceState(key("a"))
		return err == nil && state.Kind == statestore.Failed
	}, 2*time.Second, 20*time.Millisecond)

	// "b" was never launched (its dependency never reached Running), so it
	// stays Pending — the cascade only stops services that are Running.
	state, err := m.ServiceState(key("b"))
	require.NoError(t, err)
	assert.Equal(t, statestore.Pending, state.Kind)
}

func TestManager_UnknownGroupIndex(t *testing.T) {
	m := New(nil, 16)
	defer m.Close()

	_, err := m.GroupServiceKeys(5)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestManager_LaunchGroupFailsWholeCallOnMidTransitionService(t *testing.T) {
	m := New([]servicedef.ServiceConfig{sleepCfg("a")}, 16)
	defer m.Close()

	// Force "a" into a mid-transition state so LaunchService rejects it.
	require.True(t, m.store.CompareAndTransition(key("a"), func(statestore.State, bool) bool {
		return true
	}, statestore.State{Kind: statestore.Starting}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.LaunchGroup(ctx, 0, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrMidTransition, "a LaunchService error must fail the whole group launch, not just be logged")
}
