package graph

import (
	"fmt"
	"strings"

	"github.com/hemantobora/clusterboot/internal/document"
)

// NodeID identifies a declared resource. IDs are chosen by the declarer and
// must stay stable across runs so persisted state lines up with the plan.
type NodeID string

// Kind is the resource category of a node.
type Kind int

const (
	KindNetwork Kind = iota
	KindCluster
	KindNodeGroup
	KindNamespace
	KindServiceIdentity
	KindPolicy
	KindQueue
	KindEventRule
	KindChartRelease
	KindAddon
	KindAccessEntry
	KindRegistry
)

var kindNames = map[Kind]string{
	KindNetwork:         "Network",
	KindCluster:         "Cluster",
	KindNodeGroup:       "NodeGroup",
	KindNamespace:       "Namespace",
	KindServiceIdentity: "ServiceIdentity",
	KindPolicy:          "Policy",
	KindQueue:           "Queue",
	KindEventRule:       "EventRule",
	KindChartRelease:    "ChartRelease",
	KindAddon:           "Addon",
	KindAccessEntry:     "AccessEntry",
	KindRegistry:        "Registry",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String, case-insensitive.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown resource kind %q", s)
}

// Status is the lifecycle state of a node. Only the executor moves nodes
// between states.
type Status int

const (
	StatusPending Status = iota
	StatusApplying
	StatusApplied
	StatusFailed
	StatusRolledBack
)

var statusNames = [...]string{"Pending", "Applying", "Applied", "Failed", "RolledBack"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler so statuses persist by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node status %q", string(text))
}

// Node is a declared resource.
type Node struct {
	ID     NodeID
	Kind   Kind
	Config *document.Document
	Status Status
}

// Edge means To depends on From being Applied.
type Edge struct {
	From NodeID
	To   NodeID
}

func (e Edge) String() string {
	return fmt.Sprintf("%s->%s", e.From, e.To)
}

// View is an immutable snapshot of a graph handed to the planner.
type View struct {
	Nodes []Node
	Edges []Edge
}
