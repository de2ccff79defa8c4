package executor

import (
	"fmt"
	"time"

	"github.com/hemantobora/clusterboot/internal/graph"
)

// Operation names the walk an executor performed.
type Operation string

const (
	OperationApply    Operation = "apply"
	OperationTeardown Operation = "teardown"
)

// Outcome is the overall result of a walk.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeFailed:
		return "Failed"
	case OutcomeInterrupted:
		return "Interrupted"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Failure describes the node a walk halted on.
type Failure struct {
	NodeID graph.NodeID
	Kind   graph.Kind
	Cause  error
}

// Report is what Apply and Teardown return.
type Report struct {
	Operation Operation
	Outcome   Outcome
	// Completed lists nodes this walk applied (or rolled back), in order.
	Completed []graph.NodeID
	// Unchanged lists nodes that were already in the target state and
	// needed no API call.
	Unchanged []graph.NodeID
	// Failures holds the halting failure first. With parallelism enabled,
	// siblings of the same level may fail too and are appended after it.
	Failures []Failure
	// Skipped lists nodes never attempted because they depend on a failed
	// node (apply) or are depended on by one (teardown).
	Skipped []graph.NodeID
	// NotAttempted lists the remaining nodes left untouched by the halt
	// that are unrelated to the failure.
	NotAttempted []graph.NodeID
	// Interrupted is the node left in Applying when the walk was cancelled
	// mid-call. Empty when cancellation happened between nodes.
	Interrupted graph.NodeID
	Statuses    map[graph.NodeID]graph.Status
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Failed returns the failure that halted the walk, if any.
func (r *Report) Failed() *Failure {
	if len(r.Failures) == 0 {
		return nil
	}
	return &r.Failures[0]
}

// Duration is the wall time of the walk.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
