package engine

import (
	"context"
	"sync"

	"github.com/loonghao/taskchain/internal/store"
	"github.com/loonghao/taskchain/pkg/schema"
)

// TransitionHook is called before or after a task state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task record lifecycle transitions. Every transition is
// validated against the transition table and emits the matching event to the
// persistent log, so the audit trail and the record states never diverge.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a matching transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a matching transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting the
// corresponding event. The caller is responsible for persisting the new
// status on the task record itself.
func (f *TaskFSM) Transition(ctx context.Context, chainID, taskID string, stepIndex int, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithStep(stepIndex).
			WithDetails(map[string]any{"chain_id": chainID, "task_id": taskID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := taskEventType(from, to); eventType != "" {
		event := &store.Event{
			ChainID:   chainID,
			TaskID:    taskID,
			StepIndex: stepIndex,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
				WithStep(stepIndex).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(from, to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusExecuting:
		// A failed record re-entering execution is a retry, not a fresh start.
		if from == schema.TaskStatusFailed {
			return schema.EventStepRetried
		}
		return schema.EventStepStarted
	case schema.TaskStatusCompleted:
		return schema.EventStepCompleted
	case schema.TaskStatusFailed:
		return schema.EventStepFailed
	case schema.TaskStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// ValidTaskTransitions defines the allowed state transitions for task records.
// A failed record may transition back to executing via an explicit retry.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusWaiting:   {schema.TaskStatusExecuting, schema.TaskStatusSkipped, schema.TaskStatusCancelled},
	schema.TaskStatusExecuting: {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusFailed:    {schema.TaskStatusExecuting, schema.TaskStatusCancelled},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusSkipped:   {},
	schema.TaskStatusCancelled: {},
}
