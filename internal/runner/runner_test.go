// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/spindle/internal/servicedef"
)

func meta(program string, args ...string) *servicedef.ServiceMeta {
	return &servicedef.ServiceMeta{
		Key:     servicedef.ServiceKey{Name: "svc", Version: "1"},
		Program: program,
		Args:    args,
	}
}

func TestRun_SpawnFailureEmitsCrashed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := Run(ctx, meta("/no/such/binary-spindle-test"))
	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, Crashed, ev.Kind)
	assert.Contains(t, ev.Reason, "Failed to spawn service")

	_, ok = <-events
	assert.False(t, ok, "channel should close after the terminal event")
}

func TestRun_SelfExitEmitsStartedThenCrashed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := Run(ctx, meta("/bin/true"))
	started, ok := <-events
	require.True(t, ok)
	assert.Equal(t, Started, started.Kind)

	ended, ok := <-events
	require.True(t, ok)
	assert.Equal(t, Crashed, ended.Kind)
	assert.Contains(t, ended.Reason, "Service task exited with status")
}

func TestRun_CancellationEmitsStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	events := Run(ctx, meta("/bin/sleep", "30"))
	started, ok := <-events
	require.True(t, ok)
	assert.Equal(t, Started, started.Kind)

	time.Sleep(50 * time.Millisecond)
	cancel()

	stopped, ok := <-events
	require.True(t, ok)
	assert.Equal(t, Stopped, stopped.Kind)
}
