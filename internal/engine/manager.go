package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loonghao/taskchain/internal/store"
	"github.com/loonghao/taskchain/internal/validation"
	"github.com/loonghao/taskchain/pkg/schema"
)

// DefaultRetention is how long finished run contexts stay queryable before
// cleanup evicts them.
const DefaultRetention = 1 * time.Hour

// Statistics is an aggregate view over all runs handled by this manager.
type Statistics struct {
	TotalRuns     int64       `json:"total_runs"`
	CompletedRuns int64       `json:"completed_runs"`
	FailedRuns    int64       `json:"failed_runs"`
	CancelledRuns int64       `json:"cancelled_runs"`
	ActiveRuns    int         `json:"active_runs"`
	RetainedRuns  int         `json:"retained_runs"`
	AvgDurationMs int64       `json:"avg_duration_ms"`
	Pool          PoolMetrics `json:"pool"`
}

// Manager is the operational surface over the executor: it validates
// definitions before they run, answers status queries for live and finished
// runs, drives cancellation and manual retries, and keeps run statistics.
type Manager struct {
	executor  *ChainExecutor
	registry  *Registry
	store     store.TaskStore
	validator *validation.ChainValidator
	logger    *slog.Logger

	totalRuns     atomic.Int64
	completedRuns atomic.Int64
	failedRuns    atomic.Int64
	cancelledRuns atomic.Int64
	totalDuration atomic.Int64 // ms, finished runs only
}

// NewManager wires a manager over an executor and its shared registry.
func NewManager(x *ChainExecutor, registry *Registry, s store.TaskStore, logger *slog.Logger) (*Manager, error) {
	v, err := validation.NewChainValidator()
	if err != nil {
		return nil, err
	}
	return &Manager{
		executor:  x,
		registry:  registry,
		store:     s,
		validator: v,
		logger:    logger,
	}, nil
}

// StartChainExecution validates the definition and runs it to completion.
// Validation errors abort before any task record is created; warnings are
// logged and the run proceeds.
func (m *Manager) StartChainExecution(ctx context.Context, def *schema.ChainDefinition, initial map[string]any, cfg schema.RunConfig) (*schema.ExecutionResult, error) {
	vr := m.validator.Validate(def)
	for _, w := range vr.Warnings {
		m.logger.Warn("chain definition warning", "chain", def.ID, "path", w.Path, "message", w.Message)
	}
	if err := vr.ToError(); err != nil {
		return nil, err
	}

	merged := schema.MergeRunConfig(schema.DefaultRunConfig(), cfg)
	if merged.DataValidation {
		if err := m.validator.ValidateInitialData(def, initial); err != nil {
			return nil, err
		}
	}

	m.totalRuns.Add(1)
	res, err := m.executor.ExecuteChain(ctx, def, initial, cfg)
	if err != nil {
		m.failedRuns.Add(1)
		return nil, err
	}

	switch res.Status {
	case schema.ChainStatusCompleted:
		m.completedRuns.Add(1)
	case schema.ChainStatusCancelled:
		m.cancelledRuns.Add(1)
	default:
		m.failedRuns.Add(1)
	}
	m.totalDuration.Add(res.ExecutionTimeMs)

	return res, nil
}

// RunStatus composes a run snapshot with a progress summary and the backing
// task records for audit display.
type RunStatus struct {
	*Snapshot
	ProgressPct int                 `json:"progress_pct"`
	Tasks       []*store.TaskRecord `json:"tasks,omitempty"`
}

// GetExecutionStatus returns a run's status with its backing task records.
// Live and retained runs answer from the registry; evicted runs are
// reconstructed from the event log and the record list.
func (m *Manager) GetExecutionStatus(ctx context.Context, runID string) (*RunStatus, error) {
	tasks, listErr := m.store.ListChainTasks(ctx, runID)
	if listErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list run tasks: %s", listErr.Error()).WithCause(listErr)
	}

	if snap, err := m.executor.Status(runID); err == nil {
		return composeStatus(snap, tasks), nil
	}

	events, err := m.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load run events: %s", err.Error()).WithCause(err)
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}

	replay := store.ReplayChain(events)
	snap := &Snapshot{
		RunID:       runID,
		Status:      replay.Status,
		CurrentStep: replay.LastStep,
		StartedAt:   events[0].Timestamp,
	}
	// Records exist for every step from run start, so the record list
	// counts steps that never emitted an event after an early abort.
	snap.TotalSteps = len(tasks)
	if replay.StepsSeen > snap.TotalSteps {
		snap.TotalSteps = replay.StepsSeen
	}
	completed := 0
	for _, s := range replay.StepStatus {
		if s == schema.TaskStatusCompleted || s == schema.TaskStatusSkipped {
			completed++
		}
	}
	snap.CompletedSteps = completed
	last := events[len(events)-1]
	if replay.Status == schema.ChainStatusCompleted || replay.Status == schema.ChainStatusFailed ||
		replay.Status == schema.ChainStatusCancelled {
		t := last.Timestamp
		snap.FinishedAt = &t
	}
	return composeStatus(snap, tasks), nil
}

func composeStatus(snap *Snapshot, tasks []*store.TaskRecord) *RunStatus {
	st := &RunStatus{Snapshot: snap, Tasks: tasks}
	if snap.TotalSteps > 0 {
		st.ProgressPct = snap.CompletedSteps * 100 / snap.TotalSteps
	}
	return st
}

// CancelExecution requests cooperative cancellation of a running chain.
// When the run context is already gone, any backing record still in a
// non-terminal status is swept to cancelled; the call succeeds when either
// side had something to cancel.
func (m *Manager) CancelExecution(ctx context.Context, runID string) error {
	cancelErr := m.executor.Cancel(runID)
	if cancelErr == nil {
		return nil
	}

	tasks, err := m.store.ListChainTasks(ctx, runID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list run tasks: %s", err.Error()).WithCause(err)
	}
	swept := 0
	for _, rec := range tasks {
		if schema.IsTerminalTask(rec.Status) {
			continue
		}
		if err := m.store.UpdateTaskStatus(ctx, rec.ID, schema.TaskStatusCancelled); err == nil {
			swept++
		}
	}
	if swept > 0 {
		m.logger.Info("cancelled orphaned task records", "run_id", runID, "count", swept)
		return nil
	}
	return cancelErr
}

// RetryFailedStep re-invokes a failed step of a run. When stepIndex is nil
// the first record in a failed state is retried.
func (m *Manager) RetryFailedStep(ctx context.Context, runID string, stepIndex *int) (*store.TaskRecord, error) {
	tasks, err := m.store.ListChainTasks(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list chain tasks: %s", err.Error()).WithCause(err)
	}
	if len(tasks) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}

	var target *store.TaskRecord
	for _, rec := range tasks {
		if stepIndex != nil {
			if rec.StepIndex == *stepIndex {
				target = rec
				break
			}
		} else if rec.Status == schema.TaskStatusFailed {
			target = rec
			break
		}
	}
	if target == nil {
		if stepIndex != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"run %q has no step %d", runID, *stepIndex)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"run %q has no failed step to retry", runID)
	}

	return m.executor.RetryTask(ctx, target.ID)
}

// ValidateChainDefinition runs the full validation pipeline without
// executing anything.
func (m *Manager) ValidateChainDefinition(def *schema.ChainDefinition) *schema.ValidationResult {
	return m.validator.Validate(def)
}

// CleanupCompletedExecutions evicts finished run contexts older than maxAge
// and returns how many were removed.
func (m *Manager) CleanupCompletedExecutions(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	removed := m.registry.Sweep(maxAge)
	if removed > 0 {
		m.logger.Info("swept finished runs", "removed", removed)
	}
	return removed
}

// GetExecutionStatistics returns aggregate run counters and pool metrics.
func (m *Manager) GetExecutionStatistics() Statistics {
	active := 0
	retained := 0
	for _, ec := range m.registry.List() {
		switch ec.Status() {
		case schema.ChainStatusPending, schema.ChainStatusRunning:
			active++
		default:
			retained++
		}
	}

	stats := Statistics{
		TotalRuns:     m.totalRuns.Load(),
		CompletedRuns: m.completedRuns.Load(),
		FailedRuns:    m.failedRuns.Load(),
		CancelledRuns: m.cancelledRuns.Load(),
		ActiveRuns:    active,
		RetainedRuns:  retained,
		Pool:          m.executor.Pool(),
	}
	finished := stats.CompletedRuns + stats.FailedRuns + stats.CancelledRuns
	if finished > 0 {
		stats.AvgDurationMs = m.totalDuration.Load() / finished
	}
	return stats
}
