package stack

import (
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
)

// OutputSpec declares a stack output as one attribute of one node.
type OutputSpec struct {
	Name        string
	Description string
	Node        graph.NodeID
	Attribute   string
}

// Output is a resolved OutputSpec. Available is false until the node has
// been applied.
type Output struct {
	OutputSpec
	Value     string
	Available bool
}

// OutputSpecs lists the declared outputs in declaration order.
func (s *Stack) OutputSpecs() []OutputSpec {
	out := make([]OutputSpec, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Outputs resolves every declared output against recorded node outputs.
func (s *Stack) Outputs(outputs executor.OutputReader) []Output {
	resolved := make([]Output, 0, len(s.outputs))
	for _, spec := range s.outputs {
		o := Output{OutputSpec: spec}
		if attrs, ok := outputs.Get(spec.Node); ok {
			o.Value, o.Available = attrs[spec.Attribute]
		}
		resolved = append(resolved, o)
	}
	return resolved
}
