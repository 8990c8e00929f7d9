package schema

import "encoding/json"

// ChainDefinition is the immutable, JSON-serializable description of a chain:
// an ordered list of steps executed as one logical unit of work.
// Definitions are authored externally and validated once at chain start.
type ChainDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Steps       []ChainStepSpec `json:"steps"`
	Enabled     bool            `json:"enabled"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // JSON Schema for initial data (checked when data validation is on)
}

// ChainStepSpec describes a single step in a chain.
type ChainStepSpec struct {
	PromptID string `json:"prompt_id"`            // opaque handle to the external work description
	StepName string `json:"step_name,omitempty"`  // display name
	Category string `json:"category,omitempty"`   // optional grouping tag

	// InputMapping maps target key -> source key. Before invocation, each
	// source key present in the shared data bag is copied under the target
	// key. A source key beginning with "." is a jq path evaluated against
	// the whole bag. Unmapped bag keys pass through unchanged.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// OutputMapping maps source key -> target key. After invocation, each
	// source key present in the step's raw output is written into the shared
	// data bag under the target key. Unmapped output keys merge as-is.
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	Condition  string   `json:"condition,omitempty"`  // CEL expression; false skips the step
	Assertions []string `json:"assertions,omitempty"` // expr programs checked against the raw output

	RetryCount *int   `json:"retry_count,omitempty"` // manual retry budget (default: run-level max_retries)
	Timeout    string `json:"timeout,omitempty"`     // step-level timeout (e.g. "30s"), overrides run default
}

// Retries returns the step's manual retry budget, falling back to def.
func (s *ChainStepSpec) Retries(def int) int {
	if s.RetryCount != nil {
		return *s.RetryCount
	}
	return def
}

// DisplayName returns the step name, falling back to the prompt ID.
func (s *ChainStepSpec) DisplayName() string {
	if s.StepName != "" {
		return s.StepName
	}
	return s.PromptID
}

// ErrorStrategy is the run-level policy for handling step failures.
type ErrorStrategy string

const (
	StrategyFailFast        ErrorStrategy = "fail_fast"
	StrategyContinueOnError ErrorStrategy = "continue_on_error"
	StrategyRetryOnError    ErrorStrategy = "retry_on_error"
	StrategySkipOnError     ErrorStrategy = "skip_on_error"
)

// RunConfig is the per-run execution configuration, merged over engine defaults.
type RunConfig struct {
	MaxRetries              int           `json:"max_retries,omitempty"`
	StepTimeout             string        `json:"step_timeout,omitempty"`
	TotalTimeout            string        `json:"total_timeout,omitempty"`
	EnableParallelExecution bool          `json:"enable_parallel_execution,omitempty"`
	ErrorHandlingStrategy   ErrorStrategy `json:"error_handling_strategy,omitempty"`
	DataValidation          bool          `json:"data_validation,omitempty"`
	LogLevel                string        `json:"log_level,omitempty"`
}

// DefaultRunConfig returns the engine-wide defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxRetries:            3,
		StepTimeout:           "5m",
		ErrorHandlingStrategy: StrategyFailFast,
		LogLevel:              "info",
	}
}

// MergeRunConfig overlays cfg onto base, field by field. Zero values in cfg
// keep the base value; boolean flags in cfg always win.
func MergeRunConfig(base, cfg RunConfig) RunConfig {
	out := base
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.StepTimeout != "" {
		out.StepTimeout = cfg.StepTimeout
	}
	if cfg.TotalTimeout != "" {
		out.TotalTimeout = cfg.TotalTimeout
	}
	if cfg.ErrorHandlingStrategy != "" {
		out.ErrorHandlingStrategy = cfg.ErrorHandlingStrategy
	}
	if cfg.LogLevel != "" {
		out.LogLevel = cfg.LogLevel
	}
	out.EnableParallelExecution = cfg.EnableParallelExecution
	out.DataValidation = cfg.DataValidation
	return out
}
