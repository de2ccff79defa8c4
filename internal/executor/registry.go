package executor

import (
	"strings"
	"sync"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// Attributes are the outputs a provisioner reports for one applied node,
// e.g. a cluster's endpoint or a role's ARN.
type Attributes map[string]string

// OutputReader is the read-only view of the output registry handed to
// provisioners and to anything that renders outputs.
type OutputReader interface {
	Get(id graph.NodeID) (Attributes, bool)
	// Lookup resolves a "node-id.attribute" reference.
	Lookup(ref string) (string, bool)
}

// Registry maps node IDs to the attributes recorded when they were applied.
// Only the executor writes to it; one mutex guards the whole map because
// writes are rare and reads are cheap.
type Registry struct {
	mu      sync.RWMutex
	outputs map[graph.NodeID]Attributes
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{outputs: map[graph.NodeID]Attributes{}}
}

// RegistryFrom returns a registry holding outputs recorded by an earlier
// run, for reading them without an executor.
func RegistryFrom(outputs map[graph.NodeID]map[string]string) *Registry {
	r := NewRegistry()
	r.restore(outputs)
	return r
}

// Get returns a copy of the attributes recorded for id.
func (r *Registry) Get(id graph.NodeID) (Attributes, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attrs, ok := r.outputs[id]
	if !ok {
		return nil, false
	}
	return copyAttributes(attrs), true
}

// Lookup resolves "node-id.attribute". Node IDs never contain dots, so the
// first dot separates the two halves.
func (r *Registry) Lookup(ref string) (string, bool) {
	id, attr, ok := strings.Cut(ref, ".")
	if !ok {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	attrs, ok := r.outputs[graph.NodeID(id)]
	if !ok {
		return "", false
	}
	v, ok := attrs[attr]
	return v, ok
}

// Snapshot returns a deep copy of every recorded output.
func (r *Registry) Snapshot() map[graph.NodeID]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[graph.NodeID]map[string]string, len(r.outputs))
	for id, attrs := range r.outputs {
		out[id] = copyAttributes(attrs)
	}
	return out
}

func (r *Registry) record(id graph.NodeID, attrs Attributes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = copyAttributes(attrs)
}

func (r *Registry) forget(id graph.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outputs, id)
}

func (r *Registry) restore(outputs map[graph.NodeID]map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, attrs := range outputs {
		r.outputs[id] = copyAttributes(attrs)
	}
}

func copyAttributes(in map[string]string) Attributes {
	out := make(Attributes, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
