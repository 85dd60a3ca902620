package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/credflow/pkg/schema"
)

const definitionSchemaURL = "https://credflow.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Node configs are left open here; their typed shape is checked per variant.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://credflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"
    },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string" },
    "active": { "type": "boolean" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "input_schema": { "type": ["object", "boolean"] },
    "sla": { "$ref": "#/$defs/sla" },
    "created_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "form", "approval", "signature", "notification", "condition", "end"]
        },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "guard": { "type": "string" },
        "priority": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "sla": {
      "type": "object",
      "properties": {
        "budget": { "$ref": "#/$defs/duration" },
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["when", "budget"],
            "properties": {
              "when": { "type": "string", "minLength": 1 },
              "budget": { "$ref": "#/$defs/duration" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and enqueue input with JSON
// Schema Draft 2020-12. Compiled input schemas are cached by content hash.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	inputs   sync.Map // sha256 hex -> *jsonschema.Schema
	compiles singleflight.Group
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	defSchema, err := compileDocument(definitionSchemaURL, []byte(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("definition schema: %w", err)
	}
	return &JSONSchemaValidator{definitionSchema: defSchema}, nil
}

// Violation is one leaf schema failure. Path uses the same dotted form as
// the graph checks, e.g. nodes[1].config.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// DefinitionViolations lists every structural problem in def.
func (v *JSONSchemaValidator) DefinitionViolations(def *schema.WorkflowDefinition) ([]Violation, error) {
	if def == nil {
		return []Violation{{Path: "/", Message: "workflow definition is nil"}}, nil
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return nil, fmt.Errorf("serialize workflow definition: %w", err)
	}
	return violationsOf(v.definitionSchema.Validate(doc)), nil
}

// ValidateDefinition validates def against the definition schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	violations, err := v.DefinitionViolations(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid workflow definition").WithCause(err)
	}
	return violationError("workflow definition", violations)
}

// CompileSchema checks that raw is a usable JSON Schema document.
func (v *JSONSchemaValidator) CompileSchema(raw []byte) error {
	if _, err := v.inputSchema(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return nil
}

// ValidateInput checks enqueue input against a definition's input schema.
// An empty or null schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 || string(inputSchema) == "null" {
		return nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
	}
	return violationError("input", violationsOf(compiled.Validate(doc)))
}

// inputSchema returns the compiled schema for raw, compiling it at most once
// even under concurrent first use.
func (v *JSONSchemaValidator) inputSchema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if cached, ok := v.inputs.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err, _ := v.compiles.Do(key, func() (any, error) {
		c, err := compileDocument("credflow://input-schema/"+key, raw)
		if err != nil {
			return nil, err
		}
		v.inputs.Store(key, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return compiled.(*jsonschema.Schema), nil
}

// compileDocument compiles a standalone schema document with format
// assertions on.
func compileDocument(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue re-decodes v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// violationError folds violations into one VALIDATION_ERROR, or nil.
func violationError(subject string, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, len(violations))
	for i, vi := range violations {
		msgs[i] = vi.String()
	}
	msg := msgs[0]
	if len(msgs) > 1 {
		msg = fmt.Sprintf("%s has %d schema violations", subject, len(msgs))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": msgs})
}

// violationsOf flattens a validation error tree to its leaves.
func violationsOf(err error) []Violation {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Violation{{Path: "/", Message: err.Error()}}
	}
	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Violation{Path: dottedPath(e.InstanceLocation), Message: e.ErrorKind.LocalizedString(printer)})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

var printer = message.NewPrinter(language.English)

// dottedPath renders ["nodes","1","config"] as nodes[1].config.
func dottedPath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range loc {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
