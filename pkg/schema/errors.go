package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeMapping           = "MAPPING_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeSystem            = "SYSTEM_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// ChainError is the structured error type for all engine operations.
type ChainError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index"`
	Cause     error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message, StepIndex: -1}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// WithStep attaches a step index to the error.
func (e *ChainError) WithStep(index int) *ChainError {
	e.StepIndex = index
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

// Type maps the error code onto the ExecutionError taxonomy.
func (e *ChainError) Type() ErrorType {
	switch e.Code {
	case ErrCodeMapping:
		return ErrorTypeMapping
	case ErrCodeTimeout:
		return ErrorTypeTimeout
	case ErrCodeStore, ErrCodeSystem, ErrCodeInvalidTransition:
		return ErrorTypeSystem
	default:
		return ErrorTypeStepFailed
	}
}

// IsRetryable reports whether the code represents a transient condition.
func (e *ChainError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeMapping:
		return false
	}
	return true
}
