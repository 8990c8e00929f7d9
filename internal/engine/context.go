package engine

import (
	"context"
	"sync"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// ExecutionContext is the live, mutable state of one chain run. It is
// registered in the Registry for the lifetime of the run and kept after
// completion until swept, so status queries keep working once the run ends.
type ExecutionContext struct {
	RunID      string
	Definition *schema.ChainDefinition
	Config     schema.RunConfig

	mu             sync.Mutex
	status         schema.ChainStatus
	data           map[string]any
	currentStep    int
	completedSteps int
	results        map[int]map[string]any
	taskIDs        map[int]string
	errors         []schema.ExecutionError
	history        []schema.ExecutionEvent
	startedAt      time.Time
	finishedAt     time.Time
	cancel         context.CancelFunc
	cancelled      bool
}

// NewExecutionContext creates a pending run context with a copy of the
// initial data bag.
func NewExecutionContext(runID string, def *schema.ChainDefinition, cfg schema.RunConfig, initial map[string]any, cancel context.CancelFunc) *ExecutionContext {
	return &ExecutionContext{
		RunID:       runID,
		Definition:  def,
		Config:      cfg,
		status:      schema.ChainStatusPending,
		data:        cloneBag(initial),
		currentStep: -1,
		results:     make(map[int]map[string]any),
		taskIDs:     make(map[int]string),
		startedAt:   time.Now().UTC(),
		cancel:      cancel,
	}
}

// Cancel requests cooperative cancellation. The executor observes it at the
// next step boundary. Idempotent.
func (ec *ExecutionContext) Cancel() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cancelled {
		return
	}
	ec.cancelled = true
	if ec.cancel != nil {
		ec.cancel()
	}
}

// Cancelled reports whether cancellation has been requested.
func (ec *ExecutionContext) Cancelled() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelled
}

// Status returns the run's current status.
func (ec *ExecutionContext) Status() schema.ChainStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.status
}

func (ec *ExecutionContext) setStatus(s schema.ChainStatus) {
	ec.mu.Lock()
	ec.status = s
	if s == schema.ChainStatusCompleted || s == schema.ChainStatusFailed || s == schema.ChainStatusCancelled {
		ec.finishedAt = time.Now().UTC()
	}
	ec.mu.Unlock()
}

// Data returns a copy of the current shared data bag.
func (ec *ExecutionContext) Data() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return cloneBag(ec.data)
}

func (ec *ExecutionContext) setData(data map[string]any) {
	ec.mu.Lock()
	ec.data = data
	ec.mu.Unlock()
}

func (ec *ExecutionContext) registerTask(index int, taskID string) {
	ec.mu.Lock()
	ec.taskIDs[index] = taskID
	ec.mu.Unlock()
}

func (ec *ExecutionContext) beginStep(index int, taskID string) {
	ec.mu.Lock()
	ec.currentStep = index
	ec.taskIDs[index] = taskID
	ec.mu.Unlock()
}

func (ec *ExecutionContext) recordResult(index int, output map[string]any) {
	ec.mu.Lock()
	ec.results[index] = output
	ec.mu.Unlock()
}

func (ec *ExecutionContext) stepDone() {
	ec.mu.Lock()
	ec.completedSteps++
	ec.mu.Unlock()
}

func (ec *ExecutionContext) recordError(e schema.ExecutionError) {
	ec.mu.Lock()
	ec.errors = append(ec.errors, e)
	ec.mu.Unlock()
}

func (ec *ExecutionContext) taskID(index int) string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.taskIDs[index]
}

// appendHistory records an event in the in-memory execution history.
func (ec *ExecutionContext) appendHistory(eventType string, stepIndex int, taskID string, data map[string]any) {
	ec.mu.Lock()
	ec.history = append(ec.history, schema.ExecutionEvent{
		EventType: eventType,
		StepIndex: stepIndex,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	ec.mu.Unlock()
}

// Snapshot is a point-in-time view of a run for status queries.
type Snapshot struct {
	RunID          string                  `json:"run_id"`
	ChainID        string                  `json:"chain_id"`
	Status         schema.ChainStatus      `json:"status"`
	CurrentStep    int                     `json:"current_step"`
	CompletedSteps int                     `json:"completed_steps"`
	TotalSteps     int                     `json:"total_steps"`
	Errors         []schema.ExecutionError `json:"errors,omitempty"`
	History        []schema.ExecutionEvent `json:"history,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     *time.Time              `json:"finished_at,omitempty"`
}

// Snapshot captures the run state under the context lock.
func (ec *ExecutionContext) Snapshot() *Snapshot {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	snap := &Snapshot{
		RunID:          ec.RunID,
		ChainID:        ec.Definition.ID,
		Status:         ec.status,
		CurrentStep:    ec.currentStep,
		CompletedSteps: ec.completedSteps,
		TotalSteps:     len(ec.Definition.Steps),
		Errors:         append([]schema.ExecutionError(nil), ec.errors...),
		History:        append([]schema.ExecutionEvent(nil), ec.history...),
		StartedAt:      ec.startedAt,
	}
	if !ec.finishedAt.IsZero() {
		t := ec.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// result builds the terminal ExecutionResult for the run.
func (ec *ExecutionContext) result() *schema.ExecutionResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	end := ec.finishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}

	results := make(map[int]map[string]any, len(ec.results))
	for k, v := range ec.results {
		results[k] = v
	}

	return &schema.ExecutionResult{
		ChainID:         ec.Definition.ID,
		Success:         len(ec.errors) == 0 && ec.status == schema.ChainStatusCompleted,
		Status:          ec.status,
		CompletedSteps:  ec.completedSteps,
		TotalSteps:      len(ec.Definition.Steps),
		ExecutionTimeMs: end.Sub(ec.startedAt).Milliseconds(),
		Results:         results,
		Errors:          append([]schema.ExecutionError(nil), ec.errors...),
		FinalData:       cloneBag(ec.data),
	}
}

// Registry holds the execution contexts of active and recently finished runs.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*ExecutionContext
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*ExecutionContext)}
}

// Register stores a run context. Returns a conflict error if the run ID is
// already present.
func (r *Registry) Register(ec *ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[ec.RunID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already registered", ec.RunID)
	}
	r.runs[ec.RunID] = ec
	return nil
}

// Get returns the run context, or a not-found error.
func (r *Registry) Get(runID string) (*ExecutionContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ec, ok := r.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return ec, nil
}

// List returns all registered run contexts.
func (r *Registry) List() []*ExecutionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ExecutionContext, 0, len(r.runs))
	for _, ec := range r.runs {
		out = append(out, ec)
	}
	return out
}

// Remove evicts a run context.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Sweep evicts finished runs older than maxAge and returns how many were
// removed. Running and pending contexts are never swept.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ec := range r.runs {
		ec.mu.Lock()
		finished := ec.finishedAt
		ec.mu.Unlock()
		if finished.IsZero() || finished.After(cutoff) {
			continue
		}
		delete(r.runs, id)
		removed++
	}
	return removed
}
