// Package diagram renders workflow definitions as Mermaid, ASCII or PNG
// diagrams, optionally overlaid with the progress of one execution.
package diagram

import "github.com/rendis/credflow/pkg/schema"

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindStart        NodeKind = "start"
	NodeKindForm         NodeKind = "form"
	NodeKindNotification NodeKind = "notification"
	NodeKindCondition    NodeKind = "condition"
	NodeKindApproval     NodeKind = "approval"
	NodeKindSignature    NodeKind = "signature"
	NodeKindEnd          NodeKind = "end"
)

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeForm:
		return NodeKindForm
	case schema.NodeTypeNotification:
		return NodeKindNotification
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeApproval:
		return NodeKindApproval
	case schema.NodeTypeSignature:
		return NodeKindSignature
	case schema.NodeTypeEnd:
		return NodeKindEnd
	default:
		return NodeKindForm
	}
}

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node. Visits counts the step
// rows recorded for the node; Status and DurationMs describe the latest.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Visits     int
	Current    bool
	Error      string
}

// Edge is a directed transition. Label is the guard, "else" for an
// unguarded fallback on a branching node, or empty.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
