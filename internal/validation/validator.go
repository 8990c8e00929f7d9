package validation

import "github.com/loonghao/taskchain/pkg/schema"

// ChainValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (prompt IDs, timeouts, retry budgets, mapping sources)
// 3. Mapping analysis (rename cycles)
// Validation is read-only and idempotent: validating the same definition
// twice yields the same result.
type ChainValidator struct {
	jsonSchema *SchemaValidator
}

// NewChainValidator creates a ChainValidator.
func NewChainValidator() (*ChainValidator, error) {
	jsv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ChainValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the later stages assume a well-formed
// definition.
func (cv *ChainValidator) Validate(def *schema.ChainDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := cv.jsonSchema.ValidateDefinition(def); err != nil {
		if chErr, ok := err.(*schema.ChainError); ok {
			result.AddError("/", chErr.Code, chErr.Message)
		} else {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	result.Merge(validateSemantic(def))
	if result.Valid() {
		result.Merge(validateMappings(def))
	}
	return result
}

// ValidateDefinition runs the pipeline and collapses the result to an error.
func (cv *ChainValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	return cv.Validate(def).ToError()
}

// ValidateInitialData checks a run's initial data bag against the chain's
// declared input schema. A chain without an input schema accepts anything.
func (cv *ChainValidator) ValidateInitialData(def *schema.ChainDefinition, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	return cv.jsonSchema.ValidateInput(data, def.InputSchema)
}
