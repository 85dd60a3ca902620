package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NodeConfig is the parsed, type-specific configuration of a node.
// Each node type maps to exactly one variant.
type NodeConfig interface {
	NodeType() NodeType
}

// StartConfig configures the start node.
type StartConfig struct{}

// FormConfig configures a form node. The collaborator result is stored in
// the execution context under ResultKey (the node id when empty), optionally
// reshaped by the jq ResultMapping.
type FormConfig struct {
	FormKey       string `json:"form_key"`
	ResultKey     string `json:"result_key,omitempty"`
	ResultMapping string `json:"result_mapping,omitempty"`
}

// NotificationConfig configures a notification node. Message supports
// ${{context.x}}, ${{execution.x}} and ${{subject.x}} references.
type NotificationConfig struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Required  bool   `json:"required,omitempty"`
}

// ConditionConfig configures a condition node. Guards live on the edges.
type ConditionConfig struct {
	Description string `json:"description,omitempty"`
}

// ApprovalConfig configures an approval wait node.
type ApprovalConfig struct {
	Approvers string   `json:"approvers"`
	Deadline  Duration `json:"deadline,omitempty"`
}

// SignatureConfig configures an e-signature wait node.
type SignatureConfig struct {
	Document string   `json:"document"`
	Signers  []string `json:"signers,omitempty"`
	Deadline Duration `json:"deadline,omitempty"`
}

// EndConfig configures the end node.
type EndConfig struct {
	Outcome string `json:"outcome,omitempty"`
}

func (StartConfig) NodeType() NodeType        { return NodeTypeStart }
func (FormConfig) NodeType() NodeType         { return NodeTypeForm }
func (NotificationConfig) NodeType() NodeType { return NodeTypeNotification }
func (ConditionConfig) NodeType() NodeType    { return NodeTypeCondition }
func (ApprovalConfig) NodeType() NodeType     { return NodeTypeApproval }
func (SignatureConfig) NodeType() NodeType    { return NodeTypeSignature }
func (EndConfig) NodeType() NodeType          { return NodeTypeEnd }

// ParseNodeConfig decodes a node's raw config into its typed variant.
// Unknown fields and missing required fields are MALFORMED_DEFINITION.
func ParseNodeConfig(n WorkflowNode) (NodeConfig, error) {
	var cfg NodeConfig
	var err error
	switch n.Type {
	case NodeTypeStart:
		c := StartConfig{}
		err = decodeStrict(n.Config, &c)
		cfg = c
	case NodeTypeForm:
		c := FormConfig{}
		if err = decodeStrict(n.Config, &c); err == nil && c.FormKey == "" {
			err = fmt.Errorf("form_key is required")
		}
		cfg = c
	case NodeTypeNotification:
		c := NotificationConfig{}
		if err = decodeStrict(n.Config, &c); err == nil {
			switch {
			case c.Recipient == "":
				err = fmt.Errorf("recipient is required")
			case c.Message == "":
				err = fmt.Errorf("message is required")
			}
		}
		cfg = c
	case NodeTypeCondition:
		c := ConditionConfig{}
		err = decodeStrict(n.Config, &c)
		cfg = c
	case NodeTypeApproval:
		c := ApprovalConfig{}
		if err = decodeStrict(n.Config, &c); err == nil && c.Approvers == "" {
			err = fmt.Errorf("approvers is required")
		}
		cfg = c
	case NodeTypeSignature:
		c := SignatureConfig{}
		if err = decodeStrict(n.Config, &c); err == nil && c.Document == "" {
			err = fmt.Errorf("document is required")
		}
		cfg = c
	case NodeTypeEnd:
		c := EndConfig{}
		err = decodeStrict(n.Config, &c)
		cfg = c
	default:
		return nil, NewErrorf(ErrCodeMalformedDefinition, "node %q has unknown type %q", n.ID, n.Type)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeMalformedDefinition, "node %q (%s) config: %s", n.ID, n.Type, err.Error()).
			WithCause(err)
	}
	return cfg, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after config object")
	}
	return nil
}
