package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/graph"
	"github.com/rendis/credflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage publish pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (start count, ids, edges, reachability, cycles, node configs, guards)
// 3. Semantic (message templates, jq result mappings, CEL SLA rules, input schema)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	guards     *expressions.GuardEvaluator
	cel        *expressions.CELEngine
	jq         *expressions.GoJQEngine
}

// NewWorkflowValidator creates a WorkflowValidator. guards, cel and jq may be
// nil, in which case fresh engines are created.
func NewWorkflowValidator(guards *expressions.GuardEvaluator, cel *expressions.CELEngine, jq *expressions.GoJQEngine) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if guards == nil {
		guards = expressions.NewGuardEvaluator(0)
	}
	if cel == nil {
		if cel, err = expressions.NewCELEngine(); err != nil {
			return nil, err
		}
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		guards:     guards,
		cel:        cel,
		jq:         jq,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the graph and semantic stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueStructure, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural.
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Graph.
	result.Merge(graph.Validate(def, wv.guards))

	// Stage 3: Semantic.
	result.Merge(wv.validateSemantic(def))

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateSemantic checks the expression-bearing fields that the graph stage
// treats as opaque strings.
func (wv *WorkflowValidator) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i, n := range def.Nodes {
		cfg, err := schema.ParseNodeConfig(n)
		if err != nil {
			continue // reported by the graph stage
		}
		path := fmt.Sprintf("nodes[%d].config", i)
		switch c := cfg.(type) {
		case schema.NotificationConfig:
			if err := expressions.ValidateTemplate(c.Message); err != nil {
				result.AddError(path+".message", schema.IssueNodeConfig, errMessage(err))
			}
		case schema.FormConfig:
			if c.ResultMapping != "" {
				if err := wv.jq.Compile(c.ResultMapping); err != nil {
					result.AddError(path+".result_mapping", schema.IssueNodeConfig, errMessage(err))
				}
			}
		case schema.SignatureConfig:
			if len(c.Signers) == 0 {
				result.AddWarning(path+".signers", schema.IssueNodeConfig,
					fmt.Sprintf("signature node %q has no signers; the gateway decides", n.ID))
			}
		}
	}

	if def.SLA != nil {
		for i, r := range def.SLA.Rules {
			path := fmt.Sprintf("sla.rules[%d].when", i)
			if err := wv.cel.Compile(r.When); err != nil {
				result.AddError(path, schema.IssueStructure, errMessage(err))
			}
		}
	}

	if len(def.InputSchema) > 0 {
		if err := wv.jsonSchema.CompileSchema(def.InputSchema); err != nil {
			result.AddError("input_schema", schema.IssueStructure, errMessage(err))
		}
	}

	return result
}

// validateStructural reports each schema violation at its own path.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	violations, err := v.DefinitionViolations(def)
	if err != nil {
		result.AddError("/", schema.IssueStructure, err.Error())
		return result
	}
	for _, vi := range violations {
		result.AddError(vi.Path, schema.IssueStructure, vi.Message)
	}
	return result
}

func errMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.Cause != nil && fe.Code == schema.ErrCodeValidation {
			return fe.Message + ": " + fe.Cause.Error()
		}
		return fe.Message
	}
	return err.Error()
}
