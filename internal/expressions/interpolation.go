package expressions

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/credflow/pkg/schema"
)

const (
	refOpen  = "${{"
	refClose = "}}"
)

// templateNamespaces are the roots a ${{...}} reference may start with.
var templateNamespaces = []string{"context", "execution", "subject", "definition"}

// eachRef walks template, calling text for literal runs and ref for each
// trimmed ${{...}} reference. Malformed references stop the walk.
func eachRef(template string, text func(string), ref func(string) error) error {
	rest := template
	for {
		open := strings.Index(rest, refOpen)
		if open < 0 {
			text(rest)
			return nil
		}
		text(rest[:open])
		rest = rest[open+len(refOpen):]

		end := strings.Index(rest, refClose)
		if end < 0 {
			return schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ reference")
		}
		r := strings.TrimSpace(rest[:end])
		switch {
		case r == "":
			return schema.NewError(schema.ErrCodeInterpolation, "empty reference ${{ }}")
		case strings.Contains(r, refOpen):
			return schema.NewErrorf(schema.ErrCodeInterpolation, "nested reference in ${{%s}}", r)
		}
		if err := ref(r); err != nil {
			return err
		}
		rest = rest[end+len(refClose):]
	}
}

// Render substitutes every ${{namespace.path}} in template with its value in
// scope. Strings are inlined as is and other values as JSON. Malformed or
// unresolvable references are INTERPOLATION_ERROR.
func Render(template string, scope *Scope) (string, error) {
	if !strings.Contains(template, refOpen) {
		return template, nil
	}
	data := scope.Map()
	var b strings.Builder
	b.Grow(len(template))
	err := eachRef(template, func(s string) { b.WriteString(s) }, func(ref string) error {
		v, err := lookup(ref, data)
		if err != nil {
			return err
		}
		b.WriteString(inline(v))
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// ValidateTemplate checks that every reference in template is well formed
// and starts with a known namespace, without resolving values.
func ValidateTemplate(template string) error {
	return eachRef(template, func(string) {}, func(ref string) error {
		ns, _, _ := strings.Cut(ref, ".")
		if !slices.Contains(templateNamespaces, ns) {
			return unknownNamespace(ns, ref)
		}
		return nil
	})
}

func unknownNamespace(ns, ref string) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"unknown namespace %q in ${{%s}}; available: %s", ns, ref, strings.Join(templateNamespaces, ", ")).
		WithDetails(map[string]any{"expression": ref, "available_namespaces": templateNamespaces})
}

func refError(ref, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation, format, args...).
		WithDetails(map[string]any{"expression": ref})
}

// lookup resolves a reference such as "context.provider.licenses.0". A key
// containing dots is matched whole before the path is split.
func lookup(ref string, data map[string]any) (any, error) {
	ns, path, _ := strings.Cut(ref, ".")
	if !slices.Contains(templateNamespaces, ns) {
		return nil, unknownNamespace(ns, ref)
	}
	root, _ := data[ns].(map[string]any)
	if path == "" {
		return root, nil
	}
	if v, ok := root[path]; ok {
		return v, nil
	}

	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, refError(ref, "empty path segment in %q", ref)
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				keys := slices.Sorted(maps.Keys(node))
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": keys})
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, refError(ref, "index %q out of range in %q (length %d)", seg, ref, len(node))
			}
			cur = node[i]
		default:
			return nil, refError(ref, "cannot index %T with %q in %q", cur, seg, ref)
		}
	}
	return cur, nil
}

// inline is the text form of a resolved value inside a message.
func inline(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.RawMessage:
		return string(x)
	case bool, int, int64, float64:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
