// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package runner spawns and supervises a single service's OS process.
//
// Run starts the child in the background and returns immediately with a
// channel of lifecycle events; the caller (internal/servicemanager's event
// loop) is the sole consumer and is responsible for feeding those events
// back into the state store. Cancelling the context kills the child;
// whether that kill produces a Stopped or a Crashed event depends on
// whether the kill itself succeeded cleanly.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/servicedef"
)

// Kind enumerates the events a runner can emit for a single service
// instance.
type Kind int

const (
	// Started reports a successful spawn.
	Started Kind = iota
	// Stopped reports a clean cancellation-triggered kill.
	Stopped
	// Crashed reports spawn failure, an unexpected exit, or a kill that
	// itself failed. Reason carries a human-readable cause.
	Crashed
)

// Event is a single lifecycle notification from a running service task.
// InstanceID identifies the specific process spawn that produced the
// event, distinguishing one launch of a service from a later relaunch of
// the same key in logs and metrics.
type Event struct {
	Key        servicedef.ServiceKey
	Kind       Kind
	Reason     string
	InstanceID uuid.UUID
}

// Run spawns meta's program as a child process and returns a channel that
// receives exactly one Started-or-Crashed event (the spawn outcome)
// followed by at most one further event (Stopped or Crashed) when the
// task ends. The channel is closed after the final event. Cancelling ctx
// requests termination of the child.
func Run(ctx context.Context, meta *servicedef.ServiceMeta) <-chan Event {
	events := make(chan Event, 2)
	go runTask(ctx, meta, events)
	return events
}

func runTask(ctx context.Context, meta *servicedef.ServiceMeta, events chan<- Event) {
	defer close(events)

	instanceID := uuid.New()
	cmd := exec.Command(meta.Program, meta.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if meta.Workspace != "" {
		if info, err := os.Stat(meta.Workspace); err == nil && info.IsDir() {
			cmd.Dir = meta.Workspace
		} else {
			logging.Warn().Str("service", meta.Key.String()).Str("workspace", meta.Workspace).
				Msg("service workspace does not exist, using default working directory")
		}
	}

	if err := cmd.Start(); err != nil {
		events <- Event{Key: meta.Key, Kind: Crashed, Reason: fmt.Sprintf("Failed to spawn service: %v", err), InstanceID: instanceID}
		return
	}
	logging.Info().Str("service", meta.Key.String()).Str("instance", instanceID.String()).Msg("service process spawned")
	events <- Event{Key: meta.Key, Kind: Started, InstanceID: instanceID}

	wait := make(chan error, 1)
	go func() { wait <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := cmd.Process.Kill(); err != nil {
			<-wait
			events <- Event{Key: meta.Key, Kind: Crashed, Reason: fmt.Sprintf("Service task killed with error: %v", err), InstanceID: instanceID}
			return
		}
		<-wait
		events <- Event{Key: meta.Key, Kind: Stopped, InstanceID: instanceID}
	case err := <-wait:
		if err != nil {
			events <- Event{Key: meta.Key, Kind: Crashed, Reason: fmt.Sprintf("Service task exited with error: %v", err), InstanceID: instanceID}
			return
		}
		events <- Event{Key: meta.Key, Kind: Crashed, Reason: fmt.Sprintf("Service task exited with status: %s", cmd.ProcessState), InstanceID: instanceID}
	}
}
