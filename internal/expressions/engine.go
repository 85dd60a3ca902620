package expressions

import "context"

// Engine evaluates expressions against a data map.
// Three implementations: Guard (edge conditions), CEL (SLA rules), GoJQ (form result mapping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
