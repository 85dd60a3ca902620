package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition is a versioned, immutable workflow graph.
// An execution pins to (ID, Version); later versions never affect it.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Name        string          `json:"name,omitempty"`
	Active      bool            `json:"active"`
	Nodes       []WorkflowNode  `json:"nodes"`
	Edges       []WorkflowEdge  `json:"edges"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SLA         *SLAPolicy      `json:"sla,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// NodeType enumerates the kinds of nodes in a definition.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeForm         NodeType = "form"
	NodeTypeApproval     NodeType = "approval"
	NodeTypeSignature    NodeType = "signature"
	NodeTypeNotification NodeType = "notification"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeEnd          NodeType = "end"
)

// NodeTypes lists every recognized node type.
var NodeTypes = []NodeType{
	NodeTypeStart, NodeTypeForm, NodeTypeApproval, NodeTypeSignature,
	NodeTypeNotification, NodeTypeCondition, NodeTypeEnd,
}

// IsWait reports whether nodes of this type pause for an external decision.
func (t NodeType) IsWait() bool {
	return t == NodeTypeApproval || t == NodeTypeSignature
}

// WorkflowNode is a pure descriptor; it carries no runtime state.
type WorkflowNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// WorkflowEdge connects two nodes. Guard is empty for unconditional edges.
type WorkflowEdge struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Guard    string `json:"guard,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// SLAPolicy sets the deadline budget used by the monitor.
// Rules are CEL expressions evaluated in order; the first match wins.
type SLAPolicy struct {
	Budget Duration  `json:"budget,omitempty"`
	Rules  []SLARule `json:"rules,omitempty"`
}

// SLARule overrides the budget when its CEL condition holds.
type SLARule struct {
	When   string   `json:"when"`
	Budget Duration `json:"budget"`
}

// Duration is a time.Duration that marshals as a Go duration string ("72h").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"72h\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %q is negative", s)
	}
	*d = Duration(v)
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *WorkflowNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
