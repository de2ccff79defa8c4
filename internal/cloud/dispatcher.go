package cloud

import (
	"context"
	"fmt"

	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
)

// ProviderType names a registered provider
type ProviderType string

const (
	ProviderAWS        ProviderType = "aws"
	ProviderKubernetes ProviderType = "kubernetes"
)

type registered struct {
	name     ProviderType
	provider Provider
}

// Dispatcher is the executor's single provisioner. Each node goes to every
// provider that handles its kind, in registration order on apply and in
// reverse on delete: a service identity gets its IAM role before its
// service account and loses it after.
type Dispatcher struct {
	providers []registered
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a provider. Registration order is apply order.
func (d *Dispatcher) Register(name ProviderType, p Provider) *Dispatcher {
	d.providers = append(d.providers, registered{name: name, provider: p})
	return d
}

// ProvidersFor returns the names of the providers handling kind
func (d *Dispatcher) ProvidersFor(kind graph.Kind) []ProviderType {
	var names []ProviderType
	for _, r := range d.providers {
		if r.provider.Handles(kind) {
			names = append(names, r.name)
		}
	}
	return names
}

// Handles reports whether any registered provider handles kind
func (d *Dispatcher) Handles(kind graph.Kind) bool {
	return len(d.ProvidersFor(kind)) > 0
}

func (d *Dispatcher) handlers(kind graph.Kind) ([]Provider, error) {
	var out []Provider
	for _, r := range d.providers {
		if r.provider.Handles(kind) {
			out = append(out, r.provider)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no provider handles %s nodes", kind)
	}
	return out, nil
}

// Apply applies node with each handling provider and merges their
// attributes. Later providers win on conflicting keys.
func (d *Dispatcher) Apply(ctx context.Context, node graph.Node, outputs executor.OutputReader) (executor.Attributes, error) {
	providers, err := d.handlers(node.Kind)
	if err != nil {
		return nil, err
	}

	attrs := executor.Attributes{}
	for _, p := range providers {
		out, err := p.Apply(ctx, node, outputs)
		if err != nil {
			return nil, err
		}
		for k, v := range out {
			attrs[k] = v
		}
	}
	return attrs, nil
}

// Delete deletes node with each handling provider, last registered first
func (d *Dispatcher) Delete(ctx context.Context, node graph.Node, outputs executor.OutputReader) error {
	providers, err := d.handlers(node.Kind)
	if err != nil {
		return err
	}
	for i := len(providers) - 1; i >= 0; i-- {
		if err := providers[i].Delete(ctx, node, outputs); err != nil {
			return err
		}
	}
	return nil
}
