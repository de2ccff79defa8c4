// Package graph holds the declared resources and their "must exist before"
// relationships. The graph performs no I/O; its only job is to keep the
// edge set acyclic, which it checks on every insertion.
package graph

import (
	"errors"
	"strings"

	"github.com/hemantobora/clusterboot/internal/document"
)

type vertex struct {
	node       Node
	dependsOn  map[NodeID]struct{}
	dependents []NodeID
}

// Graph is a directed acyclic graph of resource nodes.
type Graph struct {
	vertices map[NodeID]*vertex
	order    []NodeID
	edges    []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{vertices: map[NodeID]*vertex{}}
}

// AddNode declares a node. Declaration order is remembered and used by the
// planner as the tie-break between independent nodes.
func (g *Graph) AddNode(id NodeID, kind Kind, config *document.Document) (NodeID, error) {
	if id == "" {
		return "", errors.New("node id cannot be empty")
	}
	if strings.ContainsAny(string(id), ".${} \t\n") {
		return "", &InvalidNodeIDError{ID: id}
	}
	if _, ok := g.vertices[id]; ok {
		return "", &DuplicateNodeError{ID: id}
	}
	if config == nil {
		config = document.New()
	}
	g.vertices[id] = &vertex{
		node:      Node{ID: id, Kind: kind, Config: config, Status: StatusPending},
		dependsOn: map[NodeID]struct{}{},
	}
	g.order = append(g.order, id)
	return id, nil
}

// AddEdge records that to depends on from. Adding an edge that already
// exists is a no-op. The graph is left untouched on error.
func (g *Graph) AddEdge(from, to NodeID) error {
	edge := Edge{From: from, To: to}
	if _, ok := g.vertices[from]; !ok {
		return &DanglingEdgeError{Edge: edge, Missing: from}
	}
	target, ok := g.vertices[to]
	if !ok {
		return &DanglingEdgeError{Edge: edge, Missing: to}
	}
	if from == to {
		return &CycleError{From: from, To: to, Path: []NodeID{to}}
	}
	if _, exists := target.dependsOn[from]; exists {
		return nil
	}
	if path := g.path(to, from); path != nil {
		return &CycleError{From: from, To: to, Path: path}
	}
	target.dependsOn[from] = struct{}{}
	g.vertices[from].dependents = append(g.vertices[from].dependents, to)
	g.edges = append(g.edges, edge)
	return nil
}

// DependsOn adds an edge from each dependency to id.
func (g *Graph) DependsOn(id NodeID, deps ...NodeID) error {
	for _, dep := range deps {
		if err := g.AddEdge(dep, id); err != nil {
			return err
		}
	}
	return nil
}

// path returns the edge route from start to target, or nil when target is
// not reachable.
func (g *Graph) path(start, target NodeID) []NodeID {
	parent := map[NodeID]NodeID{start: start}
	queue := []NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			var path []NodeID
			for n := cur; ; n = parent[n] {
				path = append([]NodeID{n}, path...)
				if n == start {
					break
				}
			}
			return path
		}
		for _, next := range g.vertices[cur].dependents {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// Node returns the declared node.
func (g *Graph) Node(id NodeID) (Node, bool) {
	v, ok := g.vertices[id]
	if !ok {
		return Node{}, false
	}
	return v.node, true
}

// Len returns the number of declared nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns the nodes in declaration order. Configurations are copied
// so callers cannot mutate the graph through the result.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		n := g.vertices[id].node
		n.Config = n.Config.Clone()
		out = append(out, n)
	}
	return out
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// DependenciesOf returns the direct dependencies of id in declaration order.
func (g *Graph) DependenciesOf(id NodeID) []NodeID {
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	var out []NodeID
	for _, candidate := range g.order {
		if _, ok := v.dependsOn[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// DependentsOf returns the direct dependents of id in edge insertion order.
func (g *Graph) DependentsOf(id NodeID) []NodeID {
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	return append([]NodeID(nil), v.dependents...)
}

// View returns an immutable snapshot for the planner.
func (g *Graph) View() View {
	return View{Nodes: g.Nodes(), Edges: g.Edges()}
}
