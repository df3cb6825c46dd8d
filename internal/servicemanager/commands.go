// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package servicemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/spindle/internal/depgraph"
	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/servicedef"
	"github.com/tomtom215/spindle/internal/statestore"
	"github.com/tomtom215/spindle/internal/storage"
)

// Commands is the command-surface façade wrapping a Manager and its
// backing Store. It stands in for the excluded desktop-shell host's
// command dispatch, implementing the same ten operations with one change:
// every method returns (T, error) rather than a success-payload-or-string
// error, since marshaling to a shell-facing string is the embedding host's
// job, not this library's.
type Commands struct {
	store         *storage.Store
	eventCap      int
	launchTimeout time.Duration

	mu  sync.RWMutex
	mgr *Manager
}

// NewCommands loads every persisted service definition and builds the
// initial manager. Group aliases are left untouched until the caller
// explicitly invokes UpdateServiceGroupMembership.
func NewCommands(ctx context.Context, store *storage.Store, eventCap int, launchTimeout time.Duration) (*Commands, error) {
	c := &Commands{store: store, eventCap: eventCap, launchTimeout: launchTimeout}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Commands) manager() *Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mgr
}

// AddService persists a new service definition (command: add_service). It
// does not take effect in the live manager until the next Reload.
func (c *Commands) AddService(ctx context.Context, cfg servicedef.ServiceConfig) (servicedef.ServiceKey, error) {
	if _, err := c.store.AddService(ctx, cfg); err != nil {
		return servicedef.ServiceKey{}, err
	}
	return cfg.Key(), nil
}

// RemoveService deletes a persisted service definition (command:
// remove_service). It does not take effect in the live manager until the
// next Reload.
func (c *Commands) RemoveService(ctx context.Context, key servicedef.ServiceKey) error {
	return c.store.RemoveService(ctx, key)
}

// Reload loads every persisted service, rebuilds the dependency groups,
// and atomically swaps in the new manager (command: reload_service_manager).
// The previous manager, if any, is closed after the swap, stopping its
// running services. Alias reconciliation is a separate step — see
// UpdateServiceGroupMembership.
func (c *Commands) Reload(ctx context.Context) error {
	configs, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	next := New(configs, c.eventCap)

	c.mu.Lock()
	prev := c.mgr
	c.mgr = next
	c.mu.Unlock()

	if prev != nil {
		logging.Info().Msg("closing previous service manager after reload")
		prev.Close()
	}
	return nil
}

// UpdateServiceGroupMembership reconciles persisted group aliases against
// the live manager's current groups and rewrites group membership
// (command: update_service_group_membership).
func (c *Commands) UpdateServiceGroupMembership(ctx context.Context) error {
	return c.store.RemapAliases(ctx, groupsOf(c.manager()))
}

// InsertGroupAlias binds alias to groupID (command: insert_group_alias).
func (c *Commands) InsertGroupAlias(ctx context.Context, groupID int64, alias string) error {
	return c.store.InsertGroupAlias(ctx, groupID, alias)
}

// QueryGroupAlias reports groupID's alias, if any (command:
// query_group_alias).
func (c *Commands) QueryGroupAlias(ctx context.Context, groupID int64) (string, bool, error) {
	return c.store.QueryGroupAlias(ctx, groupID)
}

// RemoveGroupAlias removes groupID's alias binding (command:
// remove_group_alias).
func (c *Commands) RemoveGroupAlias(ctx context.Context, groupID int64) error {
	return c.store.RemoveGroupAlias(ctx, groupID)
}

// LaunchGroup starts every service in group idx, in dependency order,
// using the configured per-service timeout (command: launch_group).
func (c *Commands) LaunchGroup(ctx context.Context, idx int) error {
	return c.manager().LaunchGroup(ctx, idx, c.launchTimeout)
}

// StopService stops a single service and its cascade of dependents
// (command: stop_service).
func (c *Commands) StopService(key servicedef.ServiceKey) error {
	return c.manager().StopService(key)
}

// ServiceState reports a service's current lifecycle state, stringified
// exactly as the command surface specifies: the bare state name, or
// "Failed: <reason>" (command: service_state).
func (c *Commands) ServiceState(key servicedef.ServiceKey) (string, error) {
	state, err := c.manager().ServiceState(key)
	if err != nil {
		return "", err
	}
	if state.Kind == statestore.Failed {
		return fmt.Sprintf("Failed: %s", state.Reason), nil
	}
	return state.Kind.String(), nil
}

// LaunchService starts a single service by key. Not part of the ten-command
// surface, but exposed for callers (and tests) that want finer-grained
// control than LaunchGroup.
func (c *Commands) LaunchService(key servicedef.ServiceKey) error {
	return c.manager().LaunchService(key)
}

// ServiceMeta reports a service's immutable runtime metadata.
func (c *Commands) ServiceMeta(key servicedef.ServiceKey) (*servicedef.ServiceMeta, error) {
	return c.manager().ServiceMeta(key)
}

// DeadLetterQueue reports every service rejected by the last group
// rebuild.
func (c *Commands) DeadLetterQueue() []depgraph.DLQItem {
	return c.manager().DeadLetterQueue()
}

// GroupCount reports the number of live groups.
func (c *Commands) GroupCount() int {
	return c.manager().GroupNum()
}

// GroupServiceKeys reports every service key in group idx.
func (c *Commands) GroupServiceKeys(idx int) ([]servicedef.ServiceKey, error) {
	return c.manager().GroupServiceKeys(idx)
}

// Close tears down the active manager and stops every running service.
func (c *Commands) Close() {
	c.manager().Close()
}

func groupsOf(m *Manager) []*depgraph.ServiceGroup {
	return m.groups
}
