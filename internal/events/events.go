// Package events keeps the static routing table from external event
// categories to sink resources and turns it into EventRule nodes.
package events

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/graph"
)

// RouteID identifies a route within one table.
type RouteID int

// Route sends events matching Source and DetailType to Sink.
type Route struct {
	ID          RouteID
	Source      string
	DetailType  string
	Sink        graph.NodeID
	Name        string
	Description string
}

// RouteOption customizes a route.
type RouteOption func(*Route)

// WithName sets the rule name. The default is derived from the detail type.
func WithName(name string) RouteOption {
	return func(r *Route) { r.Name = name }
}

// WithDescription sets the rule description.
func WithDescription(desc string) RouteOption {
	return func(r *Route) { r.Description = desc }
}

// Table is an ordered list of routes. Several routes may share a sink.
type Table struct {
	routes []Route
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Route appends a route and returns its id. Routes are never deduplicated.
func (t *Table) Route(source, detailType string, sink graph.NodeID, opts ...RouteOption) RouteID {
	r := Route{
		ID:         RouteID(len(t.routes)),
		Source:     source,
		DetailType: detailType,
		Sink:       sink,
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.Name == "" {
		r.Name = "rule-" + slug(detailType)
	}
	t.routes = append(t.routes, r)
	return r.ID
}

// Routes returns a copy of the table.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Materialize declares one EventRule node per route in g, each depending on
// its sink. It returns the rule node ids in route order. Sinks must already
// be declared.
func (t *Table) Materialize(g *graph.Graph) ([]graph.NodeID, error) {
	used := map[string]int{}
	ids := make([]graph.NodeID, 0, len(t.routes))
	for _, r := range t.routes {
		if _, ok := g.Node(r.Sink); !ok {
			return nil, &graph.DanglingEdgeError{Edge: graph.Edge{From: r.Sink}, Missing: r.Sink}
		}

		name := r.Name
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}

		cfg := document.New()
		if err := cfg.Set("name", name); err != nil {
			return nil, err
		}
		if r.Description != "" {
			if err := cfg.Set("description", r.Description); err != nil {
				return nil, err
			}
		}
		if err := cfg.SetIn([]string{"pattern", "source"}, []string{r.Source}); err != nil {
			return nil, err
		}
		if err := cfg.SetIn([]string{"pattern", "detail-type"}, []string{r.DetailType}); err != nil {
			return nil, err
		}
		if err := cfg.Set("target", string(r.Sink)); err != nil {
			return nil, err
		}

		id, err := g.AddNode(graph.NodeID(name), graph.KindEventRule, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to declare rule for route %d: %w", r.ID, err)
		}
		if err := g.AddEdge(r.Sink, id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Karpenter interruption sources and detail types. Scheduled changes come
// from AWS Health, everything else from EC2.
const (
	SourceEC2                 = "aws.ec2"
	SourceHealth              = "aws.health"
	DetailSpotInterruption    = "EC2 Spot Instance Interruption Warning"
	DetailRebalance           = "EC2 Instance Rebalance Recommendation"
	DetailHealthEvent         = "AWS Health Event"
	DetailInstanceStateChange = "EC2 Instance State-change Notification"
)

// KarpenterInterruptionRoutes routes the four events Karpenter reacts to
// into sink.
func KarpenterInterruptionRoutes(t *Table, sink graph.NodeID) []RouteID {
	return []RouteID{
		t.Route(SourceEC2, DetailSpotInterruption, sink,
			WithName("rule-spot-interruption"),
			WithDescription("Rule to trigger sqs message when an instance is interrupted")),
		t.Route(SourceEC2, DetailRebalance, sink,
			WithName("rule-rebalance"),
			WithDescription("Rule to trigger sqs message when there's a rebalance recommendation")),
		t.Route(SourceHealth, DetailHealthEvent, sink,
			WithName("rule-scheduled-change"),
			WithDescription("Rule to trigger sqs message when there's an aws health event")),
		t.Route(SourceEC2, DetailInstanceStateChange, sink,
			WithName("rule-instance-state-change"),
			WithDescription("Rule to trigger sqs message when there's an instance state change")),
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
