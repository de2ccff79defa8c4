package state

import (
	"context"
	"sync"
	"time"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// Recorder saves run state whenever the executor reports a transition
type Recorder struct {
	mu    sync.Mutex
	store Store
	state *RunState
}

func NewRecorder(store Store, st *RunState) *Recorder {
	return &Recorder{store: store, state: st.Clone()}
}

// Checkpoint replaces the recorded statuses and outputs and saves them
func (r *Recorder) Checkpoint(ctx context.Context, statuses map[graph.NodeID]graph.Status, outputs map[graph.NodeID]map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Statuses = statuses
	r.state.Outputs = outputs
	r.state.UpdatedAt = time.Now().UTC()
	return r.store.Save(ctx, r.state)
}

// State returns a copy of the last recorded state
func (r *Recorder) State() *RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}
