package store

import (
	"context"

	"github.com/loonghao/taskchain/pkg/schema"
)

// TaskStore defines the persistence contract for task records and the
// execution event log. All implementations must be safe for concurrent use.
type TaskStore interface {
	// Task records
	CreateTask(ctx context.Context, t *TaskRecord) error
	GetTaskByID(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) error
	ListChainTasks(ctx context.Context, chainID string) ([]*TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)

	// Event log (append-only, per-chain monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, chainID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
