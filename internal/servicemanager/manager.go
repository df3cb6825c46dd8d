// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package servicemanager implements the supervisor's event loop and public
// façade: building groups, launching and stopping services in dependency
// order, and propagating crash-cascades to dependents.
package servicemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/spindle/internal/depgraph"
	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/metrics"
	"github.com/tomtom215/spindle/internal/runner"
	"github.com/tomtom215/spindle/internal/servicedef"
	"github.com/tomtom215/spindle/internal/statestore"
)

// Errors returned by the façade's state-gated operations. Build-time
// rejections are DLQ entries, not errors; these are launch/stop-time
// sentinel errors a caller can errors.Is against.
var (
	ErrUnknownService = errors.New("servicemanager: unknown service")
	ErrUnknownGroup   = errors.New("servicemanager: unknown group index")
	ErrMidTransition  = errors.New("servicemanager: service is mid-transition")
)

// DefaultEventChannelCapacity is the event channel buffer size used when a
// Manager is built without an explicit override.
const DefaultEventChannelCapacity = 16

// PollInterval is how often WaitServiceRunning re-checks service state.
const PollInterval = 100 * time.Millisecond

// Manager builds dependency groups from a set of service configs and
// drives each member through its lifecycle. The zero value is not usable;
// construct via New.
type Manager struct {
	groups  []*depgraph.ServiceGroup
	groupOf map[servicedef.ServiceKey]int
	store   *statestore.Store
	dlq     []depgraph.DLQItem

	rootCtx    context.Context
	rootCancel context.CancelFunc

	cancelMu sync.Mutex
	cancels  map[servicedef.ServiceKey]context.CancelFunc

	events chan runner.Event
	wg     sync.WaitGroup

	loopWG sync.WaitGroup
}

// New builds groups from configs via the depgraph pipeline, seeds every
// surviving service at Pending, and starts the event loop. capacity <= 0
// uses DefaultEventChannelCapacity.
func New(configs []servicedef.ServiceConfig, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultEventChannelCapacity
	}
	groups, dlq := depgraph.Build(configs)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		groups:     groups,
		groupOf:    make(map[servicedef.ServiceKey]int, len(configs)),
		store:      statestore.New(),
		dlq:        dlq,
		rootCtx:    ctx,
		rootCancel: cancel,
		cancels:    make(map[servicedef.ServiceKey]context.CancelFunc),
		events:     make(chan runner.Event, capacity),
	}

	for idx, group := range groups {
		for _, key := range group.Keys() {
			m.groupOf[key] = idx
			m.store.Init(key, statestore.State{Kind: statestore.Pending})
			metrics.SetServiceState(key.String(), statestore.Pending.String())
		}
	}

	for _, item := range dlq {
		logging.Warn().Str("service", item.Key.String()).Str("reason", item.Reason).Msg("service dead-lettered")
	}
	metrics.SetGroupCounts(len(groups), len(dlq))

	m.loopWG.Add(1)
	go m.loop()
	return m
}

// Close cancels every running service, waits for their tasks to finish
// emitting final events, and stops the event loop once every already
// buffered event has drained. Close is idempotent is NOT guaranteed; call
// it exactly once.
func (m *Manager) Close() {
	m.rootCancel()
	m.wg.Wait()
	close(m.events)
	m.loopWG.Wait()
}

// DeadLetterQueue returns every service rejected at group-build time.
func (m *Manager) DeadLetterQueue() []depgraph.DLQItem {
	out := make([]depgraph.DLQItem, len(m.dlq))
	copy(out, m.dlq)
	return out
}

// GroupNum returns the number of live groups.
func (m *Manager) GroupNum() int { return len(m.groups) }

// GroupServiceKeys returns the keys of every service in group idx.
func (m *Manager) GroupServiceKeys(idx int) ([]servicedef.ServiceKey, error) {
	if idx < 0 || idx >= len(m.groups) {
		return nil, ErrUnknownGroup
	}
	return m.groups[idx].Keys(), nil
}

// GroupRootServiceKeys returns the keys of the services in group idx that
// have no dependency within the group.
func (m *Manager) GroupRootServiceKeys(idx int) ([]servicedef.ServiceKey, error) {
	if idx < 0 || idx >= len(m.groups) {
		return nil, ErrUnknownGroup
	}
	return m.groups[idx].RootKeys(), nil
}

// ServiceState returns key's current lifecycle state.
func (m *Manager) ServiceState(key servicedef.ServiceKey) (statestore.State, error) {
	state, ok := m.store.Get(key)
	if !ok {
		return statestore.State{}, ErrUnknownService
	}
	return state, nil
}

// ServiceMeta returns key's immutable runtime metadata.
func (m *Manager) ServiceMeta(key servicedef.ServiceKey) (*servicedef.ServiceMeta, error) {
	idx, ok := m.groupOf[key]
	if !ok {
		return nil, ErrUnknownService
	}
	meta := m.groups[idx].Meta(key)
	if meta == nil {
		return nil, ErrUnknownService
	}
	return meta, nil
}

func (m *Manager) groupFor(key servicedef.ServiceKey) (*depgraph.ServiceGroup, bool) {
	idx, ok := m.groupOf[key]
	if !ok {
		return nil, false
	}
	return m.groups[idx], true
}

// depsRunning reports whether every direct dependency of key is Running.
// A service with no dependencies trivially satisfies this.
func (m *Manager) depsRunning(key servicedef.ServiceKey) bool {
	group, ok := m.groupFor(key)
	if !ok {
		return false
	}
	for _, dep := range group.DependencyKeys(key) {
		state, ok := m.store.Get(dep)
		if !ok || state.Kind != statestore.Running {
			return false
		}
	}
	return true
}

func (m *Manager) setCancel(key servicedef.ServiceKey, cancel context.CancelFunc) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancels[key] = cancel
}

func (m *Manager) popCancel(key servicedef.ServiceKey) (context.CancelFunc, bool) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	cancel, ok := m.cancels[key]
	if ok {
		delete(m.cancels, key)
	}
	return cancel, ok
}

// LaunchService starts key's process if its dependencies are Running and
// its current state permits a launch. Launching an already-Running service
// is a no-op. Launching a service whose dependencies are not all Running
// is also a no-op; LaunchGroup does not come back to such a service. A
// service mid-transition (Starting or
// Stopping) returns ErrMidTransition.
func (m *Manager) LaunchService(key servicedef.ServiceKey) error {
	meta, err := m.ServiceMeta(key)
	if err != nil {
		return err
	}

	if !m.depsRunning(key) {
		logging.Debug().Str("service", key.String()).Msg("dependencies not yet running, deferring launch")
		return nil
	}

	var mid bool
	ok := m.store.CompareAndTransition(key, func(current statestore.State, tracked bool) bool {
		if !tracked {
			return false
		}
		switch current.Kind {
		case statestore.Running:
			return false
		case statestore.Starting, statestore.Stopping:
			mid = true
			return false
		default:
			return true
		}
	}, statestore.State{Kind: statestore.Starting})
	if mid {
		return ErrMidTransition
	}
	if !ok {
		return nil
	}
	metrics.SetServiceState(key.String(), statestore.Starting.String())

	ctx, cancel := context.WithCancel(m.rootCtx)
	m.setCancel(key, cancel)

	ch := runner.Run(ctx, meta)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range ch {
			m.events <- ev
		}
	}()
	return nil
}

// ErrUnexpectedState is returned by WaitServiceRunning when the service
// settles into a state other than Running or Starting while waiting
// (e.g. it crashed before ever coming up).
var ErrUnexpectedState = errors.New("servicemanager: service reached an unexpected state while waiting")

// WaitServiceRunning polls key's state every PollInterval: it returns nil
// once the state is Running, keeps polling while it is Starting, and
// returns ErrUnexpectedState immediately if it observes anything else
// (the caller is expected to log and move on, not retry). ctx cancellation
// or timeout elapsing also end the wait.
func (m *Manager) WaitServiceRunning(ctx context.Context, key servicedef.ServiceKey, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		state, ok := m.store.Get(key)
		switch {
		case ok && state.Kind == statestore.Running:
			return nil
		case ok && state.Kind == statestore.Starting:
			// keep polling
		default:
			return ErrUnexpectedState
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LaunchGroup launches every service in group idx in topological order,
// waiting up to perServiceTimeout for each to reach Running before moving
// to the next. A timeout (or any other non-Running settle state) for one
// service does not prevent attempting the rest, but a LaunchService error
// (e.g. a mid-transition service) fails the whole call immediately.
func (m *Manager) LaunchGroup(ctx context.Context, idx int, perServiceTimeout time.Duration) error {
	if idx < 0 || idx >= len(m.groups) {
		return ErrUnknownGroup
	}
	order, err := m.groups[idx].TopoOrder()
	if err != nil {
		return err
	}
	for _, key := range order {
		if err := m.LaunchService(key); err != nil {
			return err
		}
		if err := m.WaitServiceRunning(ctx, key, perServiceTimeout); err != nil {
			logging.Warn().Str("service", key.String()).Err(err).Msg("timed out waiting for service to reach running")
		}
	}
	return nil
}

// StopService requests key stop. Already-stopped states (Stopped, Failed,
// Pending, Skipped) are a no-op; mid-transition states return
// ErrMidTransition. A Running service transitions to Stopping, recursively
// stops every direct dependent first, and only then cancels its own
// context — mirroring the crash-cascade order (dependents always settle
// before the service they depend on is torn down).
func (m *Manager) StopService(key servicedef.ServiceKey) error {
	group, ok := m.groupFor(key)
	if !ok {
		return ErrUnknownService
	}

	var mid bool
	ok = m.store.CompareAndTransition(key, func(current statestore.State, tracked bool) bool {
		if !tracked {
			return false
		}
		switch current.Kind {
		case statestore.Stopped, statestore.Failed, statestore.Pending, statestore.Skipped:
			return false
		case statestore.Starting, statestore.Stopping:
			mid = true
			return false
		default:
			return true
		}
	}, statestore.State{Kind: statestore.Stopping})
	if mid {
		return ErrMidTransition
	}
	if !ok {
		return nil
	}

	metrics.SetServiceState(key.String(), statestore.Stopping.String())

	for _, dependent := range group.DependentKeys(key) {
		if err := m.StopService(dependent); err != nil && !errors.Is(err, ErrUnknownService) {
			logging.Warn().Str("service", dependent.String()).Err(err).Msg("failed to stop dependent service")
		}
	}

	if cancel, ok := m.popCancel(key); ok {
		cancel()
	}
	return nil
}

func (m *Manager) loop() {
	defer m.loopWG.Done()
	for ev := range m.events {
		m.handleEvent(ev)
	}
}

func (m *Manager) handleEvent(ev runner.Event) {
	switch ev.Kind {
	case runner.Started:
		ok := m.store.CompareAndTransition(ev.Key, func(current statestore.State, tracked bool) bool {
			return tracked && current.Kind == statestore.Starting
		}, statestore.State{Kind: statestore.Running})
		if !ok {
			logging.Warn().Str("service", ev.Key.String()).Msg("received start event for service not in Starting state")
			return
		}
		metrics.SetServiceState(ev.Key.String(), statestore.Running.String())
	case runner.Stopped:
		ok := m.store.CompareAndTransition(ev.Key, func(current statestore.State, tracked bool) bool {
			return tracked && current.Kind == statestore.Stopping
		}, statestore.State{Kind: statestore.Stopped})
		if !ok {
			logging.Warn().Str("service", ev.Key.String()).Msg("received stop event for service not in Stopping state")
			return
		}
		metrics.SetServiceState(ev.Key.String(), statestore.Stopped.String())
	case runner.Crashed:
		m.popCancel(ev.Key)
		m.store.Set(ev.Key, statestore.FailedState(ev.Reason))
		metrics.SetServiceState(ev.Key.String(), statestore.Failed.String())
		metrics.RecordCrash(ev.Key.String())
		logging.Error().Str("service", ev.Key.String()).Str("reason", ev.Reason).Msg("service crashed")
		group, ok := m.groupFor(ev.Key)
		if !ok {
			return
		}
		dependents := group.DependentKeys(ev.Key)
		if len(dependents) == 0 {
			return
		}
		go func() {
			for _, dependent := range dependents {
				if err := m.StopService(dependent); err != nil && !errors.Is(err, ErrUnknownService) {
					logging.Warn().Str("service", dependent.String()).Err(err).Msg("failed to cascade-stop dependent after crash")
				}
			}
		}()
	}
}
