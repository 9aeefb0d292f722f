// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"fmt"
	"sort"
	"sync"
)

// Graph indexes the trigger edges between decisions. Edges are kept for
// every record the process has seen, whatever tier the record lives in.
type Graph struct {
	mu          sync.RWMutex
	triggeredBy map[string][]string
	triggers    map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		triggeredBy: make(map[string][]string),
		triggers:    make(map[string][]string),
	}
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.triggeredBy[id]
	return ok
}

// Add inserts id with its predecessors. Every predecessor must already be a
// node, so edges only ever point backwards in time.
func (g *Graph) Add(id string, predecessors []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.triggeredBy[id]; exists {
		return fmt.Errorf("decision %s already recorded", id)
	}
	for _, p := range predecessors {
		if _, ok := g.triggeredBy[p]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPredecessor, p)
		}
	}
	g.link(id, predecessors)
	return nil
}

// BuildGraph indexes the trigger edges of recs. Predecessors outside recs
// stay dangling for Validate to report.
func BuildGraph(recs []DecisionRecord) *Graph {
	g := NewGraph()
	for i := range recs {
		g.restore(recs[i].ID, recs[i].TriggeredBy)
	}
	return g
}

// restore inserts a node loaded from storage without predecessor checks.
func (g *Graph) restore(id string, predecessors []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.triggeredBy[id]; exists {
		return
	}
	g.link(id, predecessors)
}

func (g *Graph) link(id string, predecessors []string) {
	g.triggeredBy[id] = append([]string(nil), predecessors...)
	for _, p := range predecessors {
		g.triggers[p] = append(g.triggers[p], id)
	}
}

// Predecessors returns the decisions id was triggered by.
func (g *Graph) Predecessors(id string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	preds, ok := g.triggeredBy[id]
	return append([]string(nil), preds...), ok
}

// Triggers returns the successors of id.
func (g *Graph) Triggers(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.triggers[id]...)
}

// Validate checks that the graph is acyclic with Kahn's algorithm.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.triggeredBy))
	for id, preds := range g.triggeredBy {
		for _, p := range preds {
			if _, ok := g.triggeredBy[p]; !ok {
				return fmt.Errorf("%w: %s (referenced by %s)", ErrUnknownPredecessor, p, id)
			}
		}
		indegree[id] = len(preds)
	}

	queue := make([]string, 0, len(indegree))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range g.triggers[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("decision graph has a cycle through %v", stuck)
	}
	return nil
}

// Trace walks back from id to the originating decisions. The result starts
// with id and lists each ancestor once, nearest first.
func (g *Graph) Trace(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.triggeredBy[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	seen := map[string]bool{id: true}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, p := range g.triggeredBy[out[i]] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}
