package store

import (
	"encoding/json"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// TaskRecord is the persisted audit record backing one chain step.
// Records mirror the step lifecycle for external visibility; no control-flow
// decision in the engine depends on their contents beyond existence checks.
type TaskRecord struct {
	ID           string            `json:"id"`
	ChainID      string            `json:"chain_id"`
	StepIndex    int               `json:"step_index"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Status       schema.TaskStatus `json:"status"`
	Dependencies []string          `json:"dependencies,omitempty"`
	RelatedFiles []string          `json:"related_files,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	ChildTaskID  string            `json:"child_task_id,omitempty"`
	ChainData    json.RawMessage   `json:"chain_data,omitempty"`   // shared data snapshot at step start
	MappedInput  json.RawMessage   `json:"mapped_input,omitempty"` // captured at invocation, reused on retry
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// TaskUpdate specifies mutable fields of a task record.
type TaskUpdate struct {
	Status      *schema.TaskStatus `json:"status,omitempty"`
	Notes       *string            `json:"notes,omitempty"`
	ChainData   json.RawMessage    `json:"chain_data,omitempty"`
	MappedInput json.RawMessage    `json:"mapped_input,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       *string            `json:"error,omitempty"`
	RetryCount  *int               `json:"retry_count,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the append-only execution event log.
type Event struct {
	ID        int64           `json:"id"`
	ChainID   string          `json:"chain_id"`
	TaskID    string          `json:"task_id,omitempty"`
	StepIndex int             `json:"step_index"` // -1 for chain-level events
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// TaskFilter specifies criteria for listing task records.
type TaskFilter struct {
	ChainID string             `json:"chain_id,omitempty"`
	Status  *schema.TaskStatus `json:"status,omitempty"`
	Limit   int                `json:"limit,omitempty"`
}
