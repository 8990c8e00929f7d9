package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/taskchain/pkg/schema"
)

func newValidator(t *testing.T) *ChainValidator {
	t.Helper()
	v, err := NewChainValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID:      "release",
		Name:    "Release pipeline",
		Enabled: true,
		Steps: []schema.ChainStepSpec{
			{
				PromptID:      "build",
				StepName:      "build artifact",
				OutputMapping: map[string]string{"artifact": "artifact_path"},
			},
			{
				PromptID:     "publish",
				StepName:     "publish artifact",
				InputMapping: map[string]string{"path": "artifact_path"},
			},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(validDefinition())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidate_MissingID(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.ID = ""
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_MissingName(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Name = ""
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_NoSteps(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps = nil
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_MissingPromptID(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].PromptID = ""
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_BadTimeoutPattern(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].Timeout = "soon"
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_NegativeRetryRejected(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	neg := -1
	def.Steps[0].RetryCount = &neg
	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_HighRetryWarns(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	high := 50
	def.Steps[0].RetryCount = &high
	result := v.Validate(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "high retry count")
}

func TestValidate_UnknownMappingSourceWarns(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].InputMapping = map[string]string{"path": "no_such_key"}
	result := v.Validate(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "no_such_key")
}

func TestValidate_SelectorSourceNotWarned(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].InputMapping = map[string]string{"path": ".artifact_path"}
	result := v.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_UnmappedStepStopsSourceTracking(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	// First step has no output mapping, so its writes are unknowable and
	// the second step's source must not be flagged.
	def.Steps[0].OutputMapping = nil
	result := v.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_RenameCycleWarns(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].OutputMapping = map[string]string{"a": "b"}
	def.Steps[1].OutputMapping = map[string]string{"b": "a"}
	result := v.Validate(def)
	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if w.Path == "steps[1].output_mapping[b]" {
			found = true
		}
	}
	assert.True(t, found, "expected a rename cycle warning")
}

func TestValidate_DataFlowCycleWarns(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].InputMapping = map[string]string{"review": "verdict"}
	def.Steps[0].OutputMapping = map[string]string{"out": "draft"}
	def.Steps[1].InputMapping = map[string]string{"text": "draft"}
	def.Steps[1].OutputMapping = map[string]string{"out": "verdict"}
	result := v.Validate(def)
	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if w.Path == "steps[1]" {
			found = true
		}
	}
	assert.True(t, found, "expected a data-flow cycle warning")
}

func TestValidate_Idempotent(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	first := v.Validate(def)
	second := v.Validate(def)
	assert.Equal(t, first, second)
}

func TestValidateInitialData(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.InputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["version"],
		"properties": {"version": {"type": "string"}}
	}`)

	require.NoError(t, v.ValidateInitialData(def, map[string]any{"version": "1.2.3"}))

	err := v.ValidateInitialData(def, map[string]any{})
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, chErr.Code)
}

func TestValidateInitialData_NoSchema(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateInitialData(validDefinition(), map[string]any{"anything": 1}))
}

func TestValidateDefinition_CollapsesToError(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].PromptID = ""
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, chErr.Code)
}
