package schema

import "time"

// Event type constants for the execution history and the persisted event log.
const (
	EventChainStarted   = "chain_started"
	EventChainCompleted = "chain_completed"
	EventChainFailed    = "chain_failed"
	EventChainCancelled = "chain_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetried   = "step_retried"
)

// ChainStatus is the coarse lifecycle state of a chain run, derived from the
// backing task records when the in-memory context is gone.
type ChainStatus string

const (
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusRunning   ChainStatus = "running"
	ChainStatusCompleted ChainStatus = "completed"
	ChainStatusFailed    ChainStatus = "failed"
	ChainStatusCancelled ChainStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a backing task record.
type TaskStatus string

const (
	TaskStatusWaiting   TaskStatus = "waiting_for_parent"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusCompleted TaskStatus = "step_completed"
	TaskStatusFailed    TaskStatus = "chain_failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminalTask reports whether a task record can no longer change state
// (other than a failed record re-entering execution via an explicit retry).
func IsTerminalTask(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed ||
		s == TaskStatusSkipped || s == TaskStatusCancelled
}

// ErrorType classifies an ExecutionError.
type ErrorType string

const (
	ErrorTypeMapping      ErrorType = "mapping_error"
	ErrorTypeStepFailed   ErrorType = "step_execution_failed"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeSystem       ErrorType = "system_error"
)

// ExecutionError records one step failure inside a chain run.
type ExecutionError struct {
	StepIndex   int       `json:"step_index"`
	TaskID      string    `json:"task_id,omitempty"`
	ErrorType   ErrorType `json:"error_type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// ExecutionEvent is one append-only entry in a run's execution history.
type ExecutionEvent struct {
	EventType string         `json:"event_type"`
	StepIndex int            `json:"step_index"` // -1 for chain-level events
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionResult is the immutable terminal outcome of one chain run.
// Success is true iff Errors is empty.
type ExecutionResult struct {
	ChainID         string                 `json:"chain_id"`
	Success         bool                   `json:"success"`
	Status          ChainStatus            `json:"status"`
	CompletedSteps  int                    `json:"completed_steps"`
	TotalSteps      int                    `json:"total_steps"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Results         map[int]map[string]any `json:"results,omitempty"`
	Errors          []ExecutionError       `json:"errors,omitempty"`
	FinalData       map[string]any         `json:"final_data,omitempty"`
}
