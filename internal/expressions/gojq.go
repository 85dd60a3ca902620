package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/credflow/pkg/schema"
)

// GoJQEngine reshapes a collaborator's form result with a jq query before it
// is merged into the execution context. Queries run without access to the
// process environment.
type GoJQEngine struct {
	codes *compiled[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{codes: newCompiled(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Compile reports whether query is a valid jq program.
func (e *GoJQEngine) Compile(query string) error {
	_, err := e.codes.get(query)
	return err
}

// Evaluate is Map over a context map.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	return e.Map(ctx, query, data)
}

// Map runs query against input. One output is returned as is, several are
// collected into []any, none yields nil.
func (e *GoJQEngine) Map(ctx context.Context, query string, input any) (any, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty jq expression")
	}
	code, err := e.codes.get(query)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if runErr, isErr := v.(error); isErr {
			return nil, exprError(query, runErr, "jq %q: %s", query, runErr.Error())
		}
		outputs = append(outputs, v)
	}
	if len(outputs) <= 1 {
		if len(outputs) == 0 {
			return nil, nil
		}
		return outputs[0], nil
	}
	return outputs, nil
}

func compileJQ(query string) (*gojq.Code, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, exprError(query, err, "jq %q does not parse: %s", query, err.Error())
	}
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, exprError(query, err, "jq %q does not compile: %s", query, err.Error())
	}
	return code, nil
}

// jqValue rewrites Go values gojq cannot consume: sized integers and floats
// become float64 and typed slices become []any.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = jqValue(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = jqValue(e)
		}
		return s
	case []string:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return s
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
