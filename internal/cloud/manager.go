package cloud

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/stack"
	"github.com/hemantobora/clusterboot/internal/state"
)

// ErrNoState is returned when a command needs recorded state and the stack
// has never been applied
var ErrNoState = errors.New("no recorded state, run apply first")

// Manager runs a planned stack against a provisioner and keeps its run
// state in a store
type Manager struct {
	stack       *stack.Stack
	provisioner executor.Provisioner
	store       state.Store
	logger      *zap.Logger
	parallelism int
	observers   []func(executor.Event)
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger handed to the executor
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithParallelism applies independent nodes of a plan level concurrently
func WithParallelism(n int) ManagerOption {
	return func(m *Manager) { m.parallelism = n }
}

// WithObserver receives every node transition
func WithObserver(fn func(executor.Event)) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// NewManager creates a manager for a built stack
func NewManager(s *stack.Stack, p executor.Provisioner, store state.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		stack:       s,
		provisioner: p,
		store:       store,
		logger:      zap.NewNop(),
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply provisions every node not yet applied. Progress is checkpointed
// after each transition, so an interrupted or failed apply resumes where
// it stopped.
func (m *Manager) Apply(ctx context.Context) (*executor.Report, error) {
	return m.run(ctx, executor.OperationApply)
}

// Destroy tears the stack down in reverse plan order. Once nothing
// recorded is left in the account the state itself is removed.
func (m *Manager) Destroy(ctx context.Context) (*executor.Report, error) {
	report, err := m.run(ctx, executor.OperationTeardown)
	if err != nil {
		return report, err
	}

	st, err := m.store.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	if st.Settled() {
		if err := m.store.Delete(ctx); err != nil {
			return report, fmt.Errorf("stack destroyed but state at %s could not be removed: %w", m.store.Location(), err)
		}
		m.logger.Info("removed run state", zap.String("location", m.store.Location()))
	}
	return report, nil
}

func (m *Manager) run(ctx context.Context, op executor.Operation) (*executor.Report, error) {
	// Step 1: Load recorded state
	dc := m.stack.Context
	st, err := state.LoadOrNew(ctx, m.store, m.stack.Config.Name, dc.Account, dc.Region)
	if err != nil {
		return nil, err
	}
	if st.Account != "" && st.Account != dc.Account {
		return nil, fmt.Errorf("state at %s was recorded in account %s, not %s", m.store.Location(), st.Account, dc.Account)
	}

	// Step 2: Seed the executor from it
	recorder := state.NewRecorder(m.store, st)
	opts := []executor.Option{
		executor.WithLogger(m.logger),
		executor.WithCheckpointer(recorder),
		executor.WithParallelism(m.parallelism),
		executor.WithState(st.Statuses, st.Outputs),
	}
	for _, fn := range m.observers {
		opts = append(opts, executor.WithObserver(fn))
	}
	exec := executor.New(m.provisioner, opts...)

	// Step 3: Walk the plan
	m.logger.Info("starting run",
		zap.String("operation", string(op)),
		zap.String("stack", m.stack.Config.Name),
		zap.String("run_id", st.RunID),
		zap.Int("nodes", m.stack.Plan.Len()))

	if op == executor.OperationTeardown {
		return exec.Teardown(ctx, m.stack.Plan)
	}
	return exec.Apply(ctx, m.stack.Plan)
}

// Status returns the recorded state, or an empty one when the stack has
// never been applied
func (m *Manager) Status(ctx context.Context) (*state.RunState, error) {
	dc := m.stack.Context
	return state.LoadOrNew(ctx, m.store, m.stack.Config.Name, dc.Account, dc.Region)
}

// Outputs resolves the stack outputs from recorded state
func (m *Manager) Outputs(ctx context.Context) ([]stack.Output, error) {
	st, err := m.store.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return m.stack.Outputs(executor.RegistryFrom(st.Outputs)), nil
}
