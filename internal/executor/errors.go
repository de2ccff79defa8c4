package executor

import (
	"fmt"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// ApplyError wraps a collaborator failure for one node. It halts the walk
// and is never retried by the executor.
type ApplyError struct {
	Operation Operation
	NodeID    graph.NodeID
	Kind      graph.Kind
	Cause     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s failed on %s %q: %v", e.Operation, e.Kind, e.NodeID, e.Cause)
}

func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// InterruptedError is returned when the caller cancels a walk. NodeID is the
// node left in Applying, empty if cancellation landed between nodes.
type InterruptedError struct {
	Operation Operation
	NodeID    graph.NodeID
	Cause     error
}

func (e *InterruptedError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s interrupted: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s interrupted while processing %q: %v", e.Operation, e.NodeID, e.Cause)
}

func (e *InterruptedError) Unwrap() error {
	return e.Cause
}
