package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_Rules(t *testing.T) {
	scope := NewScope(
		map[string]any{"specialty": "cardiology", "amount": 150},
		nil, nil,
		map[string]any{"id": "recred", "version": 3},
	).Map()

	tests := []struct {
		name string
		rule string
		data map[string]any
		want bool
	}{
		{"context string match", `context.specialty == "cardiology"`, scope, true},
		{"context numeric compare", `context.amount > 200`, scope, false},
		{"definition metadata", `definition.id == "recred" && definition.version >= 2`, scope, true},
		{"has on missing field", `has(context.expedited) && context.expedited`, nil, false},
		{"missing variable binds empty map", `size(subject) == 0`, map[string]any{}, true},
	}
	e := newCEL(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.rule, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_Errors(t *testing.T) {
	tests := []struct {
		name string
		run  func(e *CELEngine) error
	}{
		{"syntax", func(e *CELEngine) error { return e.Compile(`context.amount >`) }},
		{"undeclared variable", func(e *CELEngine) error { return e.Compile(`inputs.amount > 1`) }},
		{"empty", func(e *CELEngine) error {
			_, err := e.Evaluate(context.Background(), "", nil)
			return err
		}},
		{"non-bool rule", func(e *CELEngine) error {
			_, err := e.EvaluateBool(context.Background(), `"text"`, nil)
			return err
		}},
		{"missing key at run time", func(e *CELEngine) error {
			_, err := e.Evaluate(context.Background(), `context.absent == 1`, nil)
			return err
		}},
	}
	e := newCEL(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(e)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeInvalidExpression, schema.CodeOf(err))
		})
	}
}

func TestCEL_FailedCompileIsNotCached(t *testing.T) {
	e := newCEL(t)
	require.Error(t, e.Compile(`context.amount >`))
	assert.Zero(t, e.programs.size())
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `context.n >= 10`,
				map[string]any{"context": map[string]any{"n": n}})
			assert.NoError(t, err)
			assert.Equal(t, n >= 10, ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.size())
}
