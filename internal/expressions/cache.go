package expressions

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/credflow/pkg/schema"
)

// compiled caches compiled programs by source text. Concurrent misses for the
// same source compile once. Failed compiles are not cached.
type compiled[T any] struct {
	programs sync.Map
	inflight singleflight.Group
	compile  func(src string) (T, error)
}

func newCompiled[T any](compile func(string) (T, error)) *compiled[T] {
	return &compiled[T]{compile: compile}
}

func (c *compiled[T]) get(src string) (T, error) {
	if p, ok := c.programs.Load(src); ok {
		return p.(T), nil
	}
	v, err, _ := c.inflight.Do(src, func() (any, error) {
		if p, ok := c.programs.Load(src); ok {
			return p, nil
		}
		p, err := c.compile(src)
		if err != nil {
			return nil, err
		}
		c.programs.Store(src, p)
		return p, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// size reports the number of cached programs.
func (c *compiled[T]) size() int {
	n := 0
	c.programs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// exprError builds an INVALID_EXPRESSION error tagged with the expression.
func exprError(src string, cause error, format string, args ...any) *schema.FlowError {
	fe := schema.NewErrorf(schema.ErrCodeInvalidExpression, format, args...).
		WithDetails(map[string]any{"expression": src})
	if cause != nil {
		fe = fe.WithCause(cause)
	}
	return fe
}
