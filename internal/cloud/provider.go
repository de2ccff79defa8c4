// Package cloud routes resource nodes to the provider that owns their kind
// and drives whole-stack runs against the recorded state.
package cloud

import (
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
)

// Provider is a provisioner for a subset of node kinds
type Provider interface {
	executor.Provisioner

	// Handles reports whether the provider manages nodes of kind
	Handles(kind graph.Kind) bool
}
