package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/credflow/pkg/schema"
)

// celVariables are the top-level names an SLA rule may read. Each is a
// map(string, dyn); a variable missing from the data is bound to an empty map.
var celVariables = []string{"context", "definition", "execution", "subject"}

// CELEngine evaluates SLA policy rules. Rules only decide which alert tier
// applies and never route an execution.
type CELEngine struct {
	env      *cel.Env
	programs *compiled[cel.Program]
}

// NewCELEngine builds the rule environment.
func NewCELEngine() (*CELEngine, error) {
	dyn := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, len(celVariables))
	for i, name := range celVariables {
		opts[i] = cel.Variable(name, dyn)
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newCompiled(e.program)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile reports whether expression type-checks against the rule environment.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression against data and returns its native value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty CEL expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = map[string]any{}
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, exprError(expression, err, "CEL rule %q failed: %s", expression, err.Error())
	}
	return out.Value(), nil
}

// EvaluateBool is Evaluate for rules that must yield a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, exprError(expression, nil, "CEL rule %q returned %T, want bool", expression, out)
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	checked, iss := e.env.Compile(expression)
	if err := iss.Err(); err != nil {
		return nil, exprError(expression, err, "CEL rule %q does not compile: %s", expression, err.Error())
	}
	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, exprError(expression, err, "CEL rule %q: %s", expression, err.Error())
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
