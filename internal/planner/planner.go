// Package planner turns a resource graph into a deterministic, dependency
// respecting provisioning order.
package planner

import (
	"container/heap"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// Plan is a topologically ordered sequence of nodes ready for execution.
type Plan struct {
	order      []graph.NodeID
	nodes      map[graph.NodeID]graph.Node
	position   map[graph.NodeID]int
	declared   map[graph.NodeID]int
	dependsOn  map[graph.NodeID][]graph.NodeID
	dependents map[graph.NodeID][]graph.NodeID
}

// Build orders the nodes of v with Kahn's algorithm. Among nodes whose
// dependencies are all placed, the one declared first goes first, so the
// same graph always yields the same plan.
func Build(v graph.View) (*Plan, error) {
	p := &Plan{
		nodes:      make(map[graph.NodeID]graph.Node, len(v.Nodes)),
		position:   make(map[graph.NodeID]int, len(v.Nodes)),
		declared:   make(map[graph.NodeID]int, len(v.Nodes)),
		dependsOn:  map[graph.NodeID][]graph.NodeID{},
		dependents: map[graph.NodeID][]graph.NodeID{},
	}
	for i, n := range v.Nodes {
		p.nodes[n.ID] = n
		p.declared[n.ID] = i
	}

	inDegree := make(map[graph.NodeID]int, len(v.Nodes))
	seen := map[graph.Edge]struct{}{}
	for _, e := range v.Edges {
		if _, ok := p.nodes[e.From]; !ok {
			return nil, &graph.DanglingEdgeError{Edge: e, Missing: e.From}
		}
		if _, ok := p.nodes[e.To]; !ok {
			return nil, &graph.DanglingEdgeError{Edge: e, Missing: e.To}
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		p.dependsOn[e.To] = append(p.dependsOn[e.To], e.From)
		p.dependents[e.From] = append(p.dependents[e.From], e.To)
		inDegree[e.To]++
	}

	ready := &declarationQueue{declared: p.declared}
	for _, n := range v.Nodes {
		if inDegree[n.ID] == 0 {
			heap.Push(ready, n.ID)
		}
	}
	for ready.Len() > 0 {
		id := heap.Pop(ready).(graph.NodeID)
		p.position[id] = len(p.order)
		p.order = append(p.order, id)
		for _, next := range p.dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(p.order) != len(v.Nodes) {
		return nil, p.cycleError(v, inDegree)
	}
	return p, nil
}

// cycleError reports one cycle among the nodes Kahn's algorithm could not
// place.
func (p *Plan) cycleError(v graph.View, inDegree map[graph.NodeID]int) error {
	var start graph.NodeID
	for _, n := range v.Nodes {
		if _, placed := p.position[n.ID]; !placed && inDegree[n.ID] > 0 {
			start = n.ID
			break
		}
	}
	// Walk backwards through unplaced dependencies until a node repeats.
	visited := map[graph.NodeID]int{}
	var walk []graph.NodeID
	cur := start
	for {
		if idx, ok := visited[cur]; ok {
			cycle := walk[idx:]
			// walk follows dependencies, reverse it to follow edges
			path := make([]graph.NodeID, len(cycle))
			for i := range cycle {
				path[i] = cycle[len(cycle)-1-i]
			}
			return &graph.CycleError{From: path[len(path)-1], To: path[0], Path: path}
		}
		visited[cur] = len(walk)
		walk = append(walk, cur)
		next := graph.NodeID("")
		for _, dep := range p.dependsOn[cur] {
			if _, placed := p.position[dep]; !placed {
				next = dep
				break
			}
		}
		if next == "" {
			return &graph.CycleError{From: cur, To: start}
		}
		cur = next
	}
}

// Order returns the provisioning order.
func (p *Plan) Order() []graph.NodeID {
	return append([]graph.NodeID(nil), p.order...)
}

// Teardown returns the provisioning order reversed exactly.
func (p *Plan) Teardown() []graph.NodeID {
	out := make([]graph.NodeID, len(p.order))
	for i, id := range p.order {
		out[len(p.order)-1-i] = id
	}
	return out
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int {
	return len(p.order)
}

// Node returns the planned node.
func (p *Plan) Node(id graph.NodeID) (graph.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Position returns the index of id in the provisioning order.
func (p *Plan) Position(id graph.NodeID) (int, bool) {
	i, ok := p.position[id]
	return i, ok
}

// DependenciesOf returns the direct dependencies of id.
func (p *Plan) DependenciesOf(id graph.NodeID) []graph.NodeID {
	return p.sorted(p.dependsOn[id])
}

// DependentsOf returns the direct dependents of id.
func (p *Plan) DependentsOf(id graph.NodeID) []graph.NodeID {
	return p.sorted(p.dependents[id])
}

// TransitiveDependents returns every node that depends on id, directly or
// not, in plan order.
func (p *Plan) TransitiveDependents(id graph.NodeID) []graph.NodeID {
	return p.sorted(p.reach(id, p.dependents))
}

// TransitiveDependencies returns every node id depends on, in plan order.
func (p *Plan) TransitiveDependencies(id graph.NodeID) []graph.NodeID {
	return p.sorted(p.reach(id, p.dependsOn))
}

// Levels groups the plan into batches where every node only depends on
// nodes in earlier batches. Nodes in one batch have no edges between them
// and keep plan order.
func (p *Plan) Levels() [][]graph.NodeID {
	level := make(map[graph.NodeID]int, len(p.order))
	var levels [][]graph.NodeID
	for _, id := range p.order {
		l := 0
		for _, dep := range p.dependsOn[id] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

func (p *Plan) reach(id graph.NodeID, adjacency map[graph.NodeID][]graph.NodeID) []graph.NodeID {
	seen := map[graph.NodeID]struct{}{}
	var out []graph.NodeID
	stack := append([]graph.NodeID(nil), adjacency[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		out = append(out, cur)
		stack = append(stack, adjacency[cur]...)
	}
	return out
}

func (p *Plan) sorted(ids []graph.NodeID) []graph.NodeID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]graph.NodeID, 0, len(ids))
	for _, id := range p.order {
		for _, candidate := range ids {
			if candidate == id {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// declarationQueue is a min-heap of node ids keyed by declaration index.
type declarationQueue struct {
	ids      []graph.NodeID
	declared map[graph.NodeID]int
}

func (q *declarationQueue) Len() int { return len(q.ids) }
func (q *declarationQueue) Less(i, j int) bool {
	return q.declared[q.ids[i]] < q.declared[q.ids[j]]
}
func (q *declarationQueue) Swap(i, j int)       { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *declarationQueue) Push(x interface{}) { q.ids = append(q.ids, x.(graph.NodeID)) }
func (q *declarationQueue) Pop() interface{} {
	last := q.ids[len(q.ids)-1]
	q.ids = q.ids[:len(q.ids)-1]
	return last
}
