package expressions

import (
	"encoding/json"
)

// Scope is the data an SLA rule or a notification template may read.
// Each namespace is a snapshot: Build deep-copies its inputs so later
// mutations of the execution context do not leak into a rendered message.
type Scope struct {
	Context    map[string]any
	Execution  map[string]any
	Subject    map[string]any
	Definition map[string]any
}

// NewScope builds a Scope from copies of the given maps.
func NewScope(context, execution, subject, definition map[string]any) *Scope {
	return &Scope{
		Context:    DeepCopyMap(context),
		Execution:  DeepCopyMap(execution),
		Subject:    DeepCopyMap(subject),
		Definition: DeepCopyMap(definition),
	}
}

// Map returns the scope keyed by namespace. Missing namespaces are empty maps.
func (s *Scope) Map() map[string]any {
	if s == nil {
		s = &Scope{}
	}
	return map[string]any{
		"context":    orEmpty(s.Context),
		"execution":  orEmpty(s.Execution),
		"subject":    orEmpty(s.Subject),
		"definition": orEmpty(s.Definition),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives are value types and are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
