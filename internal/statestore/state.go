// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package statestore holds the concurrent per-service lifecycle state used
// by the supervisor's event loop and its external query surface.
//
// Every read and update holds one store-wide lock: two goroutines racing to
// transition the same service observe a linearizable sequence of states,
// but there is no
// cross-key transaction — callers that need to reason about several
// services at once (e.g. "are all direct dependencies Running") must accept
// that each individual read is a separate linearization point.
package statestore

import (
	"fmt"
	"sync"

	"github.com/tomtom215/spindle/internal/servicedef"
)

// Kind enumerates the lifecycle states a service can occupy.
type Kind int

const (
	Pending Kind = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
	Skipped
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "Pending"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// State is a service's lifecycle state. Reason is only meaningful when
// Kind is Failed.
type State struct {
	Kind   Kind
	Reason string
}

func (s State) String() string {
	if s.Kind == Failed {
		return fmt.Sprintf("Failed(%s)", s.Reason)
	}
	return s.Kind.String()
}

// FailedState builds a Failed state carrying reason.
func FailedState(reason string) State { return State{Kind: Failed, Reason: reason} }

// Store is a concurrent per-key state table.
type Store struct {
	mu     sync.RWMutex
	states map[servicedef.ServiceKey]State
}

// New builds an empty Store.
func New() *Store {
	return &Store{states: make(map[servicedef.ServiceKey]State)}
}

// Init sets key's state, overwriting any existing entry. Used when a group
// is (re)built to seed every member at Pending.
func (s *Store) Init(key servicedef.ServiceKey, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
}

// Get returns key's current state and whether key is tracked at all.
func (s *Store) Get(key servicedef.ServiceKey) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	return state, ok
}

// Set unconditionally overwrites key's state.
func (s *Store) Set(key servicedef.ServiceKey, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
}

// Delete removes key from the store entirely.
func (s *Store) Delete(key servicedef.ServiceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// CompareAndTransition atomically checks the current state with guard and,
// if guard returns true, installs next and returns true. The whole
// check-then-set happens under a single write lock, so it is the
// linearization point for state-gated transitions like launch/stop.
func (s *Store) CompareAndTransition(key servicedef.ServiceKey, guard func(current State, tracked bool) bool, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, tracked := s.states[key]
	if !guard(current, tracked) {
		return false
	}
	s.states[key] = next
	return true
}

// Snapshot returns a copy of every tracked key's state.
func (s *Store) Snapshot() map[servicedef.ServiceKey]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[servicedef.ServiceKey]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}
