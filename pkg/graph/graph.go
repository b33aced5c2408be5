// Package graph builds the dependency graph over declared units as an
// index-based adjacency structure and proves it acyclic at load time. Units
// and edges are stored in an arena of records with integer edges rather than
// as objects referencing each other, which keeps the graph serializable and
// cheap to cycle-check.
package graph

import (
	"fmt"
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

// Graph is the immutable dependency graph of a deployment. An edge u -> v
// means v depends on u: v may not start before u's gate condition is met.
type Graph struct {
	names    []string
	index    map[string]int
	outgoing [][]int // dependents of each node
	incoming [][]int // dependencies of each node
	indeg    []int
}

// New builds and validates the graph for the given units. It rejects
// duplicate unit names, references to undeclared units, and dependency
// cycles. A cycle is a fatal configuration error detected here, before any
// unit starts.
func New(units []unit.Unit) (*Graph, error) {
	g := &Graph{
		names:    make([]string, len(units)),
		index:    make(map[string]int, len(units)),
		outgoing: make([][]int, len(units)),
		incoming: make([][]int, len(units)),
		indeg:    make([]int, len(units)),
	}

	for i, u := range units {
		if err := u.Validate(); err != nil {
			return nil, err
		}
		if _, exists := g.index[u.Name]; exists {
			return nil, fmt.Errorf("%w: %q", errors.ErrDuplicateUnit, u.Name)
		}
		g.names[i] = u.Name
		g.index[u.Name] = i
	}

	for i, u := range units {
		for _, dep := range u.DependsOn {
			from, ok := g.index[dep.Unit]
			if !ok {
				return nil, fmt.Errorf("%w: unit %q depends on %q", errors.ErrUnknownUnit, u.Name, dep.Unit)
			}
			g.outgoing[from] = append(g.outgoing[from], i)
			g.incoming[i] = append(g.incoming[i], from)
			g.indeg[i]++
		}
	}

	// Sorted adjacency keeps traversal order deterministic.
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// Len returns the number of units in the graph.
func (g *Graph) Len() int {
	return len(g.names)
}

// Contains reports whether the named unit is part of the graph.
func (g *Graph) Contains(name string) bool {
	_, ok := g.index[name]
	return ok
}

// TopoOrder returns unit names in a deterministic topological order.
func (g *Graph) TopoOrder() []string {
	order := g.topoOrderIndices()
	out := make([]string, len(order))
	for i, idx := range order {
		out[i] = g.names[idx]
	}
	return out
}

// Dependents returns the direct dependents of the named unit.
func (g *Graph) Dependents(name string) []string {
	idx, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.resolve(g.outgoing[idx])
}

// Dependencies returns the direct dependencies of the named unit.
func (g *Graph) Dependencies(name string) []string {
	idx, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.resolve(g.incoming[idx])
}

// Descendants returns every unit that transitively depends on the named
// unit, in deterministic index order. Used for failure propagation.
func (g *Graph) Descendants(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}

	visited := make([]bool, len(g.names))
	visited[start] = true
	queue := append([]int(nil), g.outgoing[start]...)

	var reached []int
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if visited[u] {
			continue
		}
		visited[u] = true
		reached = append(reached, u)
		queue = append(queue, g.outgoing[u]...)
	}

	sort.Ints(reached)
	return g.resolve(reached)
}

func (g *Graph) resolve(indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = g.names[idx]
	}
	return out
}
