package validation

import (
	"context"

	"github.com/rendis/credflow/pkg/schema"
)

// DefinitionPublisher persists a new definition version.
type DefinitionPublisher interface {
	PublishDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
}

// Publisher runs the validation pipeline before every publish. Definitions
// that fail validation are never stored.
type Publisher struct {
	validator *WorkflowValidator
	store     DefinitionPublisher
}

// NewPublisher creates a Publisher.
func NewPublisher(v *WorkflowValidator, s DefinitionPublisher) *Publisher {
	return &Publisher{validator: v, store: s}
}

// Publish validates def and stores it as the next version. The returned
// result carries warnings even on success; on failure the error is a
// MALFORMED_DEFINITION FlowError listing every violation.
func (p *Publisher) Publish(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result := p.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return result, err
	}
	if err := p.store.PublishDefinition(ctx, def); err != nil {
		return result, err
	}
	return result, nil
}
