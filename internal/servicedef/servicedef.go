// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package servicedef holds the immutable descriptors of a supervised
// service and its declared dependencies.
//
// A ServiceConfig is the user-facing descriptor fed into the group builder
// (internal/depgraph). A ServiceMeta is the runtime-immutable projection of
// a config produced once at group-build time and shared by reference among
// the dependency graph, the process runner, and external queries — it is
// never mutated after construction.
package servicedef

import "fmt"

// ServiceKey identifies a service instance by (name, version). No two
// ServiceConfigs may share a key; duplicates are rejected by the group
// builder into the dead-letter queue.
type ServiceKey struct {
	Name    string
	Version string
}

// String renders the key as "<name>:v<version>", the format used in
// dead-letter-queue reason strings.
func (k ServiceKey) String() string {
	return fmt.Sprintf("%s:v%s", k.Name, k.Version)
}

// ServiceConfig is the user-facing descriptor of a service. Name and
// Version are compared verbatim; no trimming or normalization is performed.
type ServiceConfig struct {
	Name         string
	Version      string
	Program      string
	Args         []string
	Dependencies []ServiceKey

	// Workspace is the optional working directory for the spawned child.
	Workspace string

	// Description is an optional free-text note persisted alongside the
	// config. It is never projected into ServiceMeta: the runtime only
	// ever needs key, program, args, and workspace to launch a service.
	Description string
}

// Key returns the config's identity.
func (c ServiceConfig) Key() ServiceKey {
	return ServiceKey{Name: c.Name, Version: c.Version}
}

// ServiceMeta is the runtime-immutable projection of a ServiceConfig.
// Constructed once when a ServiceGroup is built; callers must never mutate
// a ServiceMeta's fields after construction — it is shared by reference.
type ServiceMeta struct {
	Key       ServiceKey
	Program   string
	Args      []string
	Workspace string
}

// NewServiceMeta projects a ServiceConfig into its runtime-immutable form.
func NewServiceMeta(cfg ServiceConfig) *ServiceMeta {
	args := make([]string, len(cfg.Args))
	copy(args, cfg.Args)
	return &ServiceMeta{
		Key:       cfg.Key(),
		Program:   cfg.Program,
		Args:      args,
		Workspace: cfg.Workspace,
	}
}
