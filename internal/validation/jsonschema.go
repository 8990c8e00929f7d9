package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loonghao/taskchain/pkg/schema"
)

// chainSchemaJSON is the JSON Schema for ChainDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskchain.dev/schemas/chain.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "enabled": { "type": "boolean" },
    "input_schema": {},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["prompt_id"],
      "properties": {
        "prompt_id": {
          "type": "string",
          "minLength": 1
        },
        "step_name": { "type": "string" },
        "category": { "type": "string" },
        "input_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "output_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "condition": { "type": "string" },
        "assertions": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "retry_count": {
          "type": "integer",
          "minimum": 0
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator performs structural validation with JSON Schema Draft
// 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	chainSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the chain schema pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chainSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain schema: %w", err)
	}
	if err := c.AddResource("https://taskchain.dev/schemas/chain.json", doc); err != nil {
		return nil, fmt.Errorf("add chain schema resource: %w", err)
	}

	compiled, err := c.Compile("https://taskchain.dev/schemas/chain.json")
	if err != nil {
		return nil, fmt.Errorf("compile chain schema: %w", err)
	}

	return &SchemaValidator{
		chainSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a ChainDefinition against the chain JSON Schema.
func (v *SchemaValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize chain definition").WithCause(err)
	}

	if err := v.chainSchema.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// ValidateInput validates data against a JSON Schema provided as raw bytes.
// The schema is compiled once and cached for subsequent calls.
func (v *SchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("taskchain://input-schema/%d", len(v.cache))

	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toChainError converts a jsonschema.ValidationError into a ChainError with
// the leaf violations listed in the details.
func toChainError(err error) *schema.ChainError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
