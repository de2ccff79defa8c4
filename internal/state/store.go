// Package state persists run state between clusterboot invocations
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// ErrNotFound is returned by Load when no run state has been saved yet
var ErrNotFound = errors.New("run state not found")

// RunState is what survives between runs: the status of every node and the
// outputs recorded for the ones that were applied.
type RunState struct {
	RunID     string                             `json:"run_id"`
	Stack     string                             `json:"stack"`
	Account   string                             `json:"account,omitempty"`
	Region    string                             `json:"region,omitempty"`
	Statuses  map[graph.NodeID]graph.Status      `json:"statuses"`
	Outputs   map[graph.NodeID]map[string]string `json:"outputs,omitempty"`
	CreatedAt time.Time                          `json:"created_at"`
	UpdatedAt time.Time                          `json:"updated_at"`
}

// New returns an empty run state for a stack
func New(stack, account, region string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:     uuid.NewString(),
		Stack:     stack,
		Account:   account,
		Region:    region,
		Statuses:  make(map[graph.NodeID]graph.Status),
		Outputs:   make(map[graph.NodeID]map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks a loaded run state before it is trusted
func (s *RunState) Validate() error {
	if s == nil {
		return fmt.Errorf("run state is nil")
	}
	if s.Stack == "" {
		return fmt.Errorf("run state has no stack name")
	}
	if s.Statuses == nil {
		s.Statuses = make(map[graph.NodeID]graph.Status)
	}
	if s.Outputs == nil {
		s.Outputs = make(map[graph.NodeID]map[string]string)
	}
	return nil
}

// Count returns how many nodes are in the given status
func (s *RunState) Count(status graph.Status) int {
	n := 0
	for _, st := range s.Statuses {
		if st == status {
			n++
		}
	}
	return n
}

// Settled reports whether nothing recorded still exists in the account:
// every node is Pending or RolledBack.
func (s *RunState) Settled() bool {
	for _, st := range s.Statuses {
		if st != graph.StatusPending && st != graph.StatusRolledBack {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (s *RunState) Clone() *RunState {
	out := *s
	out.Statuses = make(map[graph.NodeID]graph.Status, len(s.Statuses))
	for id, st := range s.Statuses {
		out.Statuses[id] = st
	}
	out.Outputs = make(map[graph.NodeID]map[string]string, len(s.Outputs))
	for id, attrs := range s.Outputs {
		cp := make(map[string]string, len(attrs))
		for k, v := range attrs {
			cp[k] = v
		}
		out.Outputs[id] = cp
	}
	return &out
}

// Store defines where run state lives
type Store interface {
	// Load returns ErrNotFound when nothing has been saved
	Load(ctx context.Context) (*RunState, error)

	Save(ctx context.Context, state *RunState) error

	// Delete removes saved state. Deleting missing state is not an error.
	Delete(ctx context.Context) error

	// Location describes the backing location for messages
	Location() string
}

// LoadOrNew loads saved state, or starts a fresh one when there is none
func LoadOrNew(ctx context.Context, store Store, stack, account, region string) (*RunState, error) {
	st, err := store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return New(stack, account, region), nil
	}
	if err != nil {
		return nil, err
	}
	if st.Stack != stack {
		return nil, fmt.Errorf("state at %s belongs to stack %q, not %q", store.Location(), st.Stack, stack)
	}
	return st, nil
}
