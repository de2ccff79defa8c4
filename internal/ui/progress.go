package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
)

// Progress turns executor events into terminal output: a spinner naming the
// node in flight and one line per finished node.
type Progress struct {
	spinner *Spinner
}

func NewProgress(out io.Writer, op executor.Operation, opts ...SpinnerOption) *Progress {
	msg := "Applying stack..."
	if op == executor.OperationTeardown {
		msg = "Tearing down stack..."
	}
	return &Progress{spinner: NewSpinner(out, msg, opts...)}
}

func (p *Progress) Start() { p.spinner.Start() }
func (p *Progress) Stop()  { p.spinner.Stop() }

// Observe is registered with executor.WithObserver
func (p *Progress) Observe(ev executor.Event) {
	switch ev.To {
	case graph.StatusApplying:
		p.spinner.SetMessage(fmt.Sprintf("Applying %s (%s)...", ev.NodeID, ev.Kind))
	case graph.StatusApplied:
		p.spinner.Println(fmt.Sprintf("✅ %s (%s) applied", ev.NodeID, ev.Kind))
	case graph.StatusRolledBack:
		p.spinner.Println(fmt.Sprintf("🗑️  %s (%s) deleted", ev.NodeID, ev.Kind))
	case graph.StatusFailed:
		p.spinner.Println(fmt.Sprintf("❌ %s (%s) failed: %v", ev.NodeID, ev.Kind, ev.Err))
	}
}

// PrintReport writes a summary of a finished walk
func PrintReport(w io.Writer, r *executor.Report) {
	switch r.Outcome {
	case executor.OutcomeSucceeded:
		fmt.Fprintf(w, "\n🎉 %s succeeded in %s\n", r.Operation, r.Duration().Round(time.Second))
	case executor.OutcomeFailed:
		fmt.Fprintf(w, "\n❌ %s failed after %s\n", r.Operation, r.Duration().Round(time.Second))
	case executor.OutcomeInterrupted:
		fmt.Fprintf(w, "\n⚠️  %s interrupted after %s\n", r.Operation, r.Duration().Round(time.Second))
	}

	printList(w, "Completed", r.Completed)
	printList(w, "Unchanged", r.Unchanged)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "   Failed:        %s (%s): %v\n", f.NodeID, f.Kind, f.Cause)
	}
	printList(w, "Skipped", r.Skipped)
	printList(w, "Not attempted", r.NotAttempted)
	if r.Interrupted != "" {
		fmt.Fprintf(w, "   Interrupted:   %s (left in Applying, rerun to resume)\n", r.Interrupted)
	}
}

func printList(w io.Writer, label string, ids []graph.NodeID) {
	if len(ids) == 0 {
		return
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	fmt.Fprintf(w, "   %-14s %s\n", label+":", strings.Join(names, ", "))
}

// PrintStatuses writes one line per node, in the given order. Nodes without
// a recorded status are shown as Pending.
func PrintStatuses(w io.Writer, order []graph.NodeID, statuses map[graph.NodeID]graph.Status) {
	for _, id := range order {
		st := statuses[id]
		fmt.Fprintf(w, "%s %-32s %s\n", statusIcon(st), id, st)
	}

	// state may still name nodes the stack no longer declares
	known := make(map[graph.NodeID]struct{}, len(order))
	for _, id := range order {
		known[id] = struct{}{}
	}
	var orphans []string
	for id := range statuses {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, string(id))
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		fmt.Fprintf(w, "❓ %-32s %s (no longer declared)\n", id, statuses[graph.NodeID(id)])
	}
}

func statusIcon(s graph.Status) string {
	switch s {
	case graph.StatusApplied:
		return "✅"
	case graph.StatusApplying:
		return "⏳"
	case graph.StatusFailed:
		return "❌"
	case graph.StatusRolledBack:
		return "🗑️ "
	default:
		return "⬜"
	}
}
