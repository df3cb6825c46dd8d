// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package depgraph implements the group-builder pipeline of the service
// supervisor: it validates uniqueness, prunes dangling dependencies,
// partitions surviving services into weakly-connected components, builds a
// per-component dependency DAG, and rejects cyclic components — emitting a
// dead-letter queue entry for every service that does not make it into a
// live group.
//
// The pipeline is deterministic and single-threaded; callers run it once
// per reload and replace their group set wholesale.
package depgraph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/servicedef"
)

// DLQItem records a service rejected during build: the key, a classifying
// reason, and its projected metadata (for later inspection/re-submission).
type DLQItem struct {
	Key    servicedef.ServiceKey
	Reason string
	Meta   *servicedef.ServiceMeta
}

// Rejection reason strings. Exact text matters: callers and tests match on
// these values.
const (
	ReasonNotUnique     = "Service %s is not unique"
	ReasonDepNotFound   = "Dependency service %s/%s not found"
	ReasonGroupIncomple = "Graph build failed because sibling services in the group were missing"
	ReasonCyclic        = "Service group dependency is cyclic"
)

// metaNode adapts a *servicedef.ServiceMeta into a gonum graph.Node.
type metaNode struct {
	id   int64
	meta *servicedef.ServiceMeta
}

func (n metaNode) ID() int64 { return n.id }

// ServiceGroup is a weakly-connected component of the dependency relation.
// Its graph is a DAG whose nodes are ServiceMeta (via metaNode) and whose
// edges point from dependency to dependent. NodeOf provides O(1) lookup
// from a ServiceKey to its stable node ID.
type ServiceGroup struct {
	Graph  *simple.DirectedGraph
	NodeOf map[servicedef.ServiceKey]int64
	MetaOf map[int64]*servicedef.ServiceMeta
}

// Keys returns every service key in the group, in deterministic (sorted)
// order.
func (g *ServiceGroup) Keys() []servicedef.ServiceKey {
	keys := make([]servicedef.ServiceKey, 0, len(g.NodeOf))
	for k := range g.NodeOf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RootKeys returns the keys of nodes with in-degree zero within the group —
// the services that have no dependency, i.e. the roots of the DAG.
func (g *ServiceGroup) RootKeys() []servicedef.ServiceKey {
	var roots []servicedef.ServiceKey
	for key, id := range g.NodeOf {
		if g.Graph.To(id).Len() == 0 {
			roots = append(roots, key)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	return roots
}

// Meta returns the ServiceMeta for key, or nil if key is not in the group.
func (g *ServiceGroup) Meta(key servicedef.ServiceKey) *servicedef.ServiceMeta {
	id, ok := g.NodeOf[key]
	if !ok {
		return nil
	}
	return g.MetaOf[id]
}

// DependencyKeys returns the direct dependency keys of key (incoming
// neighbors: edges point dependency -> dependent, so dependencies are the
// "from" side of edges into key).
func (g *ServiceGroup) DependencyKeys(key servicedef.ServiceKey) []servicedef.ServiceKey {
	id, ok := g.NodeOf[key]
	if !ok {
		return nil
	}
	return g.neighborKeys(g.Graph.To(id))
}

// DependentKeys returns the direct reverse-dependency keys of key
// (outgoing neighbors).
func (g *ServiceGroup) DependentKeys(key servicedef.ServiceKey) []servicedef.ServiceKey {
	id, ok := g.NodeOf[key]
	if !ok {
		return nil
	}
	return g.neighborKeys(g.Graph.From(id))
}

func (g *ServiceGroup) neighborKeys(nodes graph.Nodes) []servicedef.ServiceKey {
	var out []servicedef.ServiceKey
	for nodes.Next() {
		mn := nodes.Node().(metaNode)
		out = append(out, mn.meta.Key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// TopoOrder returns a valid topological linearization of the group's
// service keys (dependencies before dependents).
func (g *ServiceGroup) TopoOrder() ([]servicedef.ServiceKey, error) {
	sorted, err := topo.Sort(g.Graph)
	if err != nil {
		return nil, err
	}
	out := make([]servicedef.ServiceKey, 0, len(sorted))
	for _, n := range sorted {
		if n == nil {
			continue
		}
		out = append(out, n.(metaNode).meta.Key)
	}
	return out, nil
}

type extractedService struct {
	meta *servicedef.ServiceMeta
	deps []servicedef.ServiceKey
}

// Build runs the full group-builder pipeline over configs and returns the
// resulting groups (in component-discovery order) plus every DLQ entry
// produced along the way, in a deterministic order: duplicates in input
// order, then the later stages' rejections in sorted key order.
func Build(configs []servicedef.ServiceConfig) ([]*ServiceGroup, []DLQItem) {
	var dlq []DLQItem

	survivors := validateUnique(configs, &dlq)
	pruneDangling(survivors, &dlq)
	components := partition(survivors)

	groups := make([]*ServiceGroup, 0, len(components))
	for _, names := range components {
		group := buildGroup(names, survivors, &dlq)
		if group == nil {
			continue
		}
		groups = append(groups, group)
	}
	return groups, dlq
}

// validateUnique walks configs in order, keeping the first occurrence of
// each key and DLQ'ing every later duplicate.
func validateUnique(configs []servicedef.ServiceConfig, dlq *[]DLQItem) map[servicedef.ServiceKey]*extractedService {
	survivors := make(map[servicedef.ServiceKey]*extractedService, len(configs))
	for _, cfg := range configs {
		key := cfg.Key()
		meta := servicedef.NewServiceMeta(cfg)
		if _, exists := survivors[key]; exists {
			logging.Warn().Str("service", key.String()).Msg("service name is not unique")
			*dlq = append(*dlq, DLQItem{
				Key:    key,
				Reason: fmt.Sprintf(ReasonNotUnique, key.String()),
				Meta:   meta,
			})
			continue
		}
		survivors[key] = &extractedService{meta: meta, deps: append([]servicedef.ServiceKey(nil), cfg.Dependencies...)}
	}
	return survivors
}

// pruneDangling repeats to a fixed point: any surviving service with a
// dependency absent from the surviving set is removed and DLQ'd. Each pass
// removes at least one service, so the loop terminates.
func pruneDangling(survivors map[servicedef.ServiceKey]*extractedService, dlq *[]DLQItem) {
	for {
		var toRemove []struct {
			key servicedef.ServiceKey
			dep servicedef.ServiceKey
		}
		// Deterministic scan order for deterministic DLQ ordering.
		for _, key := range sortedKeys(survivors) {
			svc := survivors[key]
			for _, dep := range svc.deps {
				if _, ok := survivors[dep]; !ok {
					toRemove = append(toRemove, struct {
						key servicedef.ServiceKey
						dep servicedef.ServiceKey
					}{key, dep})
					break
				}
			}
		}
		if len(toRemove) == 0 {
			return
		}
		for _, r := range toRemove {
			svc, ok := survivors[r.key]
			if !ok {
				continue
			}
			delete(survivors, r.key)
			logging.Warn().Str("service", r.key.String()).Str("dependency", r.dep.String()).
				Msg("dependency service not found, removing service")
			*dlq = append(*dlq, DLQItem{
				Key:    r.key,
				Reason: fmt.Sprintf(ReasonDepNotFound, r.dep.Name, r.dep.Version),
				Meta:   svc.meta,
			})
		}
	}
}

// partition computes the weakly-connected components of the dependency
// relation over the surviving services via union-find on the undirected
// projection.
func partition(survivors map[servicedef.ServiceKey]*extractedService) [][]servicedef.ServiceKey {
	keys := sortedKeys(survivors)
	index := make(map[servicedef.ServiceKey]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	uf := newUnionFind(len(keys))
	for _, k := range keys {
		for _, dep := range survivors[k].deps {
			if j, ok := index[dep]; ok {
				uf.union(index[k], j)
			}
		}
	}

	byRoot := make(map[int][]servicedef.ServiceKey)
	for _, k := range keys {
		root := uf.find(index[k])
		byRoot[root] = append(byRoot[root], k)
	}

	roots := make([]int, 0, len(byRoot))
	for r := range byRoot {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	components := make([][]servicedef.ServiceKey, 0, len(roots))
	for _, r := range roots {
		components = append(components, byRoot[r])
	}
	return components
}

// buildGroup drains the named services out of survivors into a fresh
// per-component graph. A missing meta aborts the whole group: every
// already-extracted member is DLQ'd and the group discarded. A cyclic
// result DLQs every member and discards the group.
func buildGroup(names []servicedef.ServiceKey, survivors map[servicedef.ServiceKey]*extractedService, dlq *[]DLQItem) *ServiceGroup {
	extracted := make([]*extractedService, 0, len(names))
	complete := true
	for _, name := range names {
		svc, ok := survivors[name]
		if !ok {
			complete = false
			continue
		}
		delete(survivors, name)
		extracted = append(extracted, svc)
	}
	if !complete {
		logging.Warn().Msg("service group incomplete, rolling back extracted services to DLQ")
		for _, svc := range extracted {
			*dlq = append(*dlq, DLQItem{
				Key:    svc.meta.Key,
				Reason: ReasonGroupIncomple,
				Meta:   svc.meta,
			})
		}
		return nil
	}

	graph := simple.NewDirectedGraph()
	nodeOf := make(map[servicedef.ServiceKey]int64, len(extracted))
	metaOf := make(map[int64]*servicedef.ServiceMeta, len(extracted))
	var nextID int64
	for _, svc := range extracted {
		id := nextID
		nextID++
		nodeOf[svc.meta.Key] = id
		metaOf[id] = svc.meta
		graph.AddNode(metaNode{id: id, meta: svc.meta})
	}
	// A self-dependency (k depends on k) is a one-node cycle. gonum's
	// simple.DirectedGraph panics on a self-loop edge (From == To), so it is
	// never handed to SetEdge; it is folded straight into the cyclic
	// rejection path below instead, per spec: "self-loops are cycles and
	// thus rejected here."
	selfLoop := false
	for _, svc := range extracted {
		curID := nodeOf[svc.meta.Key]
		for _, dep := range svc.deps {
			depID, ok := nodeOf[dep]
			if !ok {
				continue
			}
			if depID == curID {
				selfLoop = true
				continue
			}
			graph.SetEdge(graph.NewEdge(metaNode{id: depID, meta: metaOf[depID]}, metaNode{id: curID, meta: metaOf[curID]}))
		}
	}

	if _, err := topo.Sort(graph); selfLoop || err != nil {
		for _, svc := range extracted {
			logging.Warn().Str("service", svc.meta.Key.String()).Msg("service group dependency is cyclic")
			*dlq = append(*dlq, DLQItem{
				Key:    svc.meta.Key,
				Reason: ReasonCyclic,
				Meta:   svc.meta,
			})
		}
		return nil
	}

	return &ServiceGroup{Graph: graph, NodeOf: nodeOf, MetaOf: metaOf}
}

func sortedKeys(m map[servicedef.ServiceKey]*extractedService) []servicedef.ServiceKey {
	keys := make([]servicedef.ServiceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

