package validation

import "github.com/rendis/credflow/pkg/schema"

// Validator checks workflow definitions before they are published and
// enqueue input against a definition's input schema.
// Uses JSON Schema Draft 2020-12 for both.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
