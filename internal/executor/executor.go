// Package executor realizes a plan against the external provisioning API,
// one node at a time in plan order, and tracks each node's status.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/planner"
)

// Provisioner is the external provisioning API. Implementations create,
// update and delete the real resource behind a node and must block until
// the operation has completed or definitively failed.
type Provisioner interface {
	Apply(ctx context.Context, node graph.Node, outputs OutputReader) (Attributes, error)
	Delete(ctx context.Context, node graph.Node, outputs OutputReader) error
}

// Checkpointer persists statuses and outputs after every transition so a
// restarted process can resume.
type Checkpointer interface {
	Checkpoint(ctx context.Context, statuses map[graph.NodeID]graph.Status, outputs map[graph.NodeID]map[string]string) error
}

// Event is emitted on every status transition.
type Event struct {
	Operation Operation
	NodeID    graph.NodeID
	Kind      graph.Kind
	From      graph.Status
	To        graph.Status
	Err       error
}

// Executor walks plans. It is safe to call Apply or Teardown again after a
// failure or interruption; nodes already in the target state are skipped.
type Executor struct {
	provisioner  Provisioner
	registry     *Registry
	logger       *zap.Logger
	observers    []func(Event)
	checkpointer Checkpointer
	parallelism  int

	mu       sync.Mutex
	statuses map[graph.NodeID]graph.Status

	checkpointMu sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithObserver registers a callback for status transitions.
func WithObserver(fn func(Event)) Option {
	return func(e *Executor) { e.observers = append(e.observers, fn) }
}

// WithCheckpointer persists progress after every transition.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Executor) { e.checkpointer = c }
}

// WithParallelism applies sibling nodes of one plan level concurrently, at
// most n at a time. n <= 1 keeps the strictly sequential walk.
func WithParallelism(n int) Option {
	return func(e *Executor) { e.parallelism = n }
}

// WithState seeds statuses and outputs from a previous run.
func WithState(statuses map[graph.NodeID]graph.Status, outputs map[graph.NodeID]map[string]string) Option {
	return func(e *Executor) {
		for id, s := range statuses {
			e.statuses[id] = s
		}
		e.registry.restore(outputs)
	}
}

// New returns an executor backed by p.
func New(p Provisioner, opts ...Option) *Executor {
	e := &Executor{
		provisioner: p,
		registry:    NewRegistry(),
		logger:      zap.NewNop(),
		parallelism: 1,
		statuses:    map[graph.NodeID]graph.Status{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current status of id; undeclared nodes are Pending.
func (e *Executor) Status(id graph.NodeID) graph.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[id]
}

// Statuses returns a copy of every known status.
func (e *Executor) Statuses() map[graph.NodeID]graph.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[graph.NodeID]graph.Status, len(e.statuses))
	for id, s := range e.statuses {
		out[id] = s
	}
	return out
}

// Outputs returns the output registry.
func (e *Executor) Outputs() *Registry {
	return e.registry
}

// Apply provisions the plan in order. It halts on the first failure; the
// nodes applied at that point always include every dependency of each
// other applied node.
func (e *Executor) Apply(ctx context.Context, plan *planner.Plan) (*Report, error) {
	return e.walk(ctx, plan, OperationApply)
}

// Teardown deletes applied nodes in exactly the reverse plan order and
// halts on the first failure, so nothing a surviving resource depends on is
// removed.
func (e *Executor) Teardown(ctx context.Context, plan *planner.Plan) (*Report, error) {
	return e.walk(ctx, plan, OperationTeardown)
}

type result struct {
	id          graph.NodeID
	unchanged   bool
	completed   bool
	interrupted bool
	started     bool
	err         error
}

func (e *Executor) walk(ctx context.Context, plan *planner.Plan, op Operation) (*Report, error) {
	report := &Report{Operation: op, StartedAt: time.Now()}
	batches := e.batches(plan, op)
	done := map[graph.NodeID]struct{}{}

	e.logger.Info("starting walk", zap.String("operation", string(op)), zap.Int("nodes", plan.Len()))

	for _, batch := range batches {
		results := e.runBatch(ctx, plan, op, batch)

		var interrupted *result
		for i := range results {
			r := &results[i]
			switch {
			case r.unchanged:
				report.Unchanged = append(report.Unchanged, r.id)
				done[r.id] = struct{}{}
			case r.completed:
				report.Completed = append(report.Completed, r.id)
				done[r.id] = struct{}{}
			case r.interrupted:
				if interrupted == nil || (r.started && !interrupted.started) {
					interrupted = r
				}
			case r.err != nil:
				node, _ := plan.Node(r.id)
				report.Failures = append(report.Failures, Failure{NodeID: r.id, Kind: node.Kind, Cause: r.err})
				done[r.id] = struct{}{}
			}
		}

		if len(report.Failures) > 0 {
			e.finishFailed(plan, op, report, done)
			first := report.Failures[0]
			return report, &ApplyError{Operation: op, NodeID: first.NodeID, Kind: first.Kind, Cause: first.Cause}
		}
		if interrupted != nil {
			report.Outcome = OutcomeInterrupted
			if interrupted.started {
				report.Interrupted = interrupted.id
			}
			e.finish(report)
			e.logger.Warn("walk interrupted", zap.String("operation", string(op)), zap.String("node", string(report.Interrupted)))
			return report, &InterruptedError{Operation: op, NodeID: report.Interrupted, Cause: interrupted.err}
		}
	}

	report.Outcome = OutcomeSucceeded
	e.finish(report)
	e.logger.Info("walk finished",
		zap.String("operation", string(op)),
		zap.Int("completed", len(report.Completed)),
		zap.Int("unchanged", len(report.Unchanged)),
		zap.Duration("duration", report.Duration()))
	return report, nil
}

// batches returns single-node batches for the sequential walk, or plan
// levels when parallelism is enabled.
func (e *Executor) batches(plan *planner.Plan, op Operation) [][]graph.NodeID {
	if e.parallelism <= 1 {
		order := plan.Order()
		if op == OperationTeardown {
			order = plan.Teardown()
		}
		out := make([][]graph.NodeID, len(order))
		for i, id := range order {
			out[i] = []graph.NodeID{id}
		}
		return out
	}
	levels := plan.Levels()
	if op == OperationApply {
		return levels
	}
	out := make([][]graph.NodeID, len(levels))
	for i, level := range levels {
		reversed := make([]graph.NodeID, len(level))
		for j, id := range level {
			reversed[len(level)-1-j] = id
		}
		out[len(levels)-1-i] = reversed
	}
	return out
}

func (e *Executor) runBatch(ctx context.Context, plan *planner.Plan, op Operation, batch []graph.NodeID) []result {
	results := make([]result, len(batch))
	if len(batch) == 1 || e.parallelism <= 1 {
		for i, id := range batch {
			node, _ := plan.Node(id)
			results[i] = e.process(ctx, op, node)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, id := range batch {
		i := i
		node, _ := plan.Node(id)
		g.Go(func() error {
			results[i] = e.process(ctx, op, node)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) process(ctx context.Context, op Operation, node graph.Node) result {
	if op == OperationApply {
		return e.applyNode(ctx, node)
	}
	return e.deleteNode(ctx, node)
}

func (e *Executor) applyNode(ctx context.Context, node graph.Node) result {
	if e.Status(node.ID) == graph.StatusApplied {
		return result{id: node.ID, unchanged: true}
	}
	if err := ctx.Err(); err != nil {
		return result{id: node.ID, interrupted: true, err: err}
	}

	e.transition(ctx, OperationApply, node, graph.StatusApplying, nil)
	attrs, err := e.provisioner.Apply(ctx, node, e.registry)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// leave the node in Applying; the next run retries it
			return result{id: node.ID, interrupted: true, started: true, err: ctxErr}
		}
		e.transition(ctx, OperationApply, node, graph.StatusFailed, err)
		return result{id: node.ID, err: err}
	}
	e.registry.record(node.ID, attrs)
	e.transition(ctx, OperationApply, node, graph.StatusApplied, nil)
	return result{id: node.ID, completed: true}
}

func (e *Executor) deleteNode(ctx context.Context, node graph.Node) result {
	switch e.Status(node.ID) {
	case graph.StatusPending, graph.StatusRolledBack:
		return result{id: node.ID, unchanged: true}
	}
	if err := ctx.Err(); err != nil {
		return result{id: node.ID, interrupted: true, err: err}
	}

	e.logger.Info("deleting node", zap.String("node", string(node.ID)), zap.Stringer("kind", node.Kind))
	if err := e.provisioner.Delete(ctx, node, e.registry); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result{id: node.ID, interrupted: true, started: true, err: ctxErr}
		}
		e.transition(ctx, OperationTeardown, node, graph.StatusFailed, err)
		return result{id: node.ID, err: err}
	}
	e.registry.forget(node.ID)
	e.transition(ctx, OperationTeardown, node, graph.StatusRolledBack, nil)
	return result{id: node.ID, completed: true}
}

func (e *Executor) transition(ctx context.Context, op Operation, node graph.Node, to graph.Status, cause error) {
	e.mu.Lock()
	from := e.statuses[node.ID]
	e.statuses[node.ID] = to
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.String("node", string(node.ID)),
		zap.Stringer("kind", node.Kind),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if cause != nil {
		e.logger.Error("node transition", append(fields, zap.Error(cause))...)
	} else {
		e.logger.Info("node transition", fields...)
	}

	evt := Event{Operation: op, NodeID: node.ID, Kind: node.Kind, From: from, To: to, Err: cause}
	for _, fn := range e.observers {
		fn(evt)
	}
	e.checkpoint(ctx)
}

func (e *Executor) checkpoint(ctx context.Context) {
	if e.checkpointer == nil {
		return
	}
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	// a cancelled walk still records where it stopped
	if err := e.checkpointer.Checkpoint(context.WithoutCancel(ctx), e.Statuses(), e.registry.Snapshot()); err != nil {
		e.logger.Warn("failed to checkpoint state", zap.Error(err))
	}
}

// finishFailed fills Skipped and NotAttempted after a halt.
func (e *Executor) finishFailed(plan *planner.Plan, op Operation, report *Report, done map[graph.NodeID]struct{}) {
	report.Outcome = OutcomeFailed

	affected := map[graph.NodeID]struct{}{}
	for _, f := range report.Failures {
		related := plan.TransitiveDependents(f.NodeID)
		if op == OperationTeardown {
			related = plan.TransitiveDependencies(f.NodeID)
		}
		for _, id := range related {
			affected[id] = struct{}{}
		}
	}

	order := plan.Order()
	if op == OperationTeardown {
		order = plan.Teardown()
	}
	for _, id := range order {
		if _, ok := done[id]; ok {
			continue
		}
		if e.inTargetState(op, id) {
			continue
		}
		if _, ok := affected[id]; ok {
			report.Skipped = append(report.Skipped, id)
		} else {
			report.NotAttempted = append(report.NotAttempted, id)
		}
	}
	e.finish(report)
	first := report.Failures[0]
	e.logger.Error("walk halted",
		zap.String("operation", string(op)),
		zap.String("node", string(first.NodeID)),
		zap.Stringer("kind", first.Kind),
		zap.Int("skipped", len(report.Skipped)),
		zap.Error(first.Cause))
}

func (e *Executor) inTargetState(op Operation, id graph.NodeID) bool {
	s := e.Status(id)
	if op == OperationApply {
		return s == graph.StatusApplied
	}
	return s == graph.StatusPending || s == graph.StatusRolledBack
}

func (e *Executor) finish(report *Report) {
	report.Statuses = e.Statuses()
	report.FinishedAt = time.Now()
}
