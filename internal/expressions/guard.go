package expressions

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/credflow/pkg/schema"
)

// DefaultGuardTimeout bounds a single guard evaluation.
const DefaultGuardTimeout = 100 * time.Millisecond

// allowedBinary lists the binary operators a guard may use.
var allowedBinary = map[string]bool{
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"and": true, "&&": true, "or": true, "||": true,
	"in": true,
}

// allowedUnary lists the unary operators a guard may use.
var allowedUnary = map[string]bool{
	"not": true, "!": true, "-": true,
}

// GuardEvaluator evaluates edge guards: side-effect-free boolean expressions
// over the execution context. Only comparisons, boolean logic, set membership,
// dot-path dereference and literals are accepted; calls, builtins, closures,
// arithmetic and pipes are rejected before compilation.
type GuardEvaluator struct {
	timeout  time.Duration
	programs *compiled[*vm.Program]
}

// NewGuardEvaluator creates a GuardEvaluator. A non-positive timeout uses DefaultGuardTimeout.
func NewGuardEvaluator(timeout time.Duration) *GuardEvaluator {
	if timeout <= 0 {
		timeout = DefaultGuardTimeout
	}
	g := &GuardEvaluator{timeout: timeout}
	g.programs = newCompiled(g.compile)
	return g
}

// Name returns the engine identifier.
func (g *GuardEvaluator) Name() string {
	return "guard"
}

// Validate statically checks that guard is a well-formed expression tree built
// only from permitted nodes. It needs no context.
func (g *GuardEvaluator) Validate(guard string) error {
	if guard == "" {
		return schema.NewError(schema.ErrCodeInvalidExpression, "empty guard expression")
	}
	tree, err := parser.Parse(guard)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidExpression, "guard %q: %s", guard, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": guard})
	}
	v := &guardVisitor{}
	ast.Walk(&tree.Node, v)
	if v.err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidExpression, "guard %q: %s", guard, v.err.Error()).
			WithDetails(map[string]any{"expression": guard})
	}
	return nil
}

// Evaluate runs guard against data and returns its boolean result.
// Evaluation fails closed: a timeout is EVALUATION_TIMEOUT, and any
// compile error, runtime error or non-bool result is INVALID_EXPRESSION.
func (g *GuardEvaluator) Evaluate(ctx context.Context, guard string, data map[string]any) (any, error) {
	return g.EvaluateBool(ctx, guard, data)
}

// EvaluateBool is Evaluate with a typed result.
func (g *GuardEvaluator) EvaluateBool(ctx context.Context, guard string, data map[string]any) (bool, error) {
	prg, err := g.programs.get(guard)
	if err != nil {
		return false, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := vm.Run(prg, env)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return false, schema.NewErrorf(schema.ErrCodeEvaluationTimeout,
			"guard %q exceeded %s", guard, g.timeout).
			WithCause(ctx.Err()).
			WithDetails(map[string]any{"expression": guard})
	case r := <-done:
		if r.err != nil {
			return false, schema.NewErrorf(schema.ErrCodeInvalidExpression,
				"guard %q evaluation failed: %s", guard, r.err.Error()).
				WithCause(r.err).
				WithDetails(map[string]any{"expression": guard})
		}
		b, ok := r.out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeInvalidExpression,
				"guard %q returned %T, want bool", guard, r.out).
				WithDetails(map[string]any{"expression": guard})
		}
		return b, nil
	}
}

// compile validates guard and compiles it against an empty env, so one
// program serves every context regardless of its value types.
func (g *GuardEvaluator) compile(guard string) (*vm.Program, error) {
	if err := g.Validate(guard); err != nil {
		return nil, err
	}
	prg, err := expr.Compile(guard,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(nilSafeMembers{}),
	)
	if err != nil {
		return nil, exprError(guard, err, "guard %q does not compile: %s", guard, err.Error())
	}
	return prg, nil
}

// nilSafeMembers turns every member access into an optional one, so a path
// through an absent parent evaluates to nil like an undefined variable.
type nilSafeMembers struct{}

func (nilSafeMembers) Visit(node *ast.Node) {
	if m, ok := (*node).(*ast.MemberNode); ok && !m.Method {
		m.Optional = true
		ast.Patch(node, &ast.ChainNode{Node: m})
	}
}

// guardVisitor records the first disallowed node it meets.
type guardVisitor struct {
	err error
}

func (v *guardVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode, *ast.StringNode,
		*ast.ConstantNode, *ast.IdentifierNode, *ast.MemberNode, *ast.ChainNode, *ast.ArrayNode:
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			v.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			v.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	default:
		v.err = fmt.Errorf("%s is not allowed in guards", nodeKind(*node))
	}
}

func nodeKind(n ast.Node) string {
	switch n.(type) {
	case *ast.CallNode:
		return "function call"
	case *ast.BuiltinNode:
		return "builtin function"
	case *ast.ConditionalNode:
		return "conditional expression"
	case *ast.MapNode, *ast.PairNode:
		return "map literal"
	case *ast.SliceNode:
		return "slice expression"
	default:
		return fmt.Sprintf("%T", n)
	}
}

var _ Engine = (*GuardEvaluator)(nil)
