package graph

import (
	"fmt"
	"strings"
)

// CycleError is returned when an edge would close a cycle. Path lists the
// existing route from To back to From that the edge would complete.
type CycleError struct {
	From NodeID
	To   NodeID
	Path []NodeID
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("edge %s->%s would create a cycle", e.From, e.To)
	}
	parts := make([]string, 0, len(e.Path)+1)
	for _, id := range e.Path {
		parts = append(parts, string(id))
	}
	parts = append(parts, string(e.Path[0]))
	return fmt.Sprintf("edge %s->%s would create a cycle: %s", e.From, e.To, strings.Join(parts, " -> "))
}

// DanglingEdgeError is returned when an edge references an undeclared node.
type DanglingEdgeError struct {
	Edge    Edge
	Missing NodeID
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s references undeclared node %q", e.Edge, e.Missing)
}

// DuplicateNodeError is returned when a node id is declared twice.
type DuplicateNodeError struct {
	ID NodeID
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q is already declared", e.ID)
}

// InvalidNodeIDError is returned for ids that cannot appear in a
// ${node.attr} reference: dots, braces, dollar signs or whitespace.
type InvalidNodeIDError struct {
	ID NodeID
}

func (e *InvalidNodeIDError) Error() string {
	return fmt.Sprintf("node id %q cannot contain dots, braces, dollar signs or whitespace", e.ID)
}
