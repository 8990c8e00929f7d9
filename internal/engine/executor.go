package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loonghao/taskchain/internal/expressions"
	"github.com/loonghao/taskchain/internal/logging"
	"github.com/loonghao/taskchain/internal/store"
	"github.com/loonghao/taskchain/pkg/schema"
)

// Invoker executes the work a step's prompt ID refers to. The engine is
// agnostic about what an invocation actually does; it only requires that the
// invoker honors the context and returns a JSON-shaped output map.
type Invoker interface {
	Invoke(ctx context.Context, promptID string, input map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, promptID string, input map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, promptID string, input map[string]any) (map[string]any, error) {
	return f(ctx, promptID, input)
}

// PassthroughInvoker echoes the step input as its output. Useful for dry
// runs and for exercising mapping semantics without a real backend.
type PassthroughInvoker struct{}

func (PassthroughInvoker) Invoke(_ context.Context, _ string, input map[string]any) (map[string]any, error) {
	return input, nil
}

// DefaultPoolSize is the default parallel step concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds construction-time settings for the executor.
type ExecutorConfig struct {
	PoolSize int              // max concurrent step goroutines
	Defaults schema.RunConfig // engine-wide run defaults
}

// ChainExecutor runs chain definitions step by step: it builds each step's
// input from the shared data bag, invokes the step, checks its assertions,
// folds the output back into the bag and maintains the backing task records
// and the persistent event log along the way.
type ChainExecutor struct {
	store    store.TaskStore
	registry *Registry
	fsm      *TaskFSM
	pool     *WorkerPool
	mapper   *Mapper
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	invoker  Invoker
	logger   *slog.Logger
	defaults schema.RunConfig
}

// NewChainExecutor creates an executor with the given dependencies. The
// registry is shared with the manager so both see the same live runs.
func NewChainExecutor(s store.TaskStore, registry *Registry, invoker Invoker, cfg ExecutorConfig, logger *slog.Logger) (*ChainExecutor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	defaults := schema.MergeRunConfig(schema.DefaultRunConfig(), cfg.Defaults)

	x := &ChainExecutor{
		store:    s,
		registry: registry,
		fsm:      NewTaskFSM(s),
		pool:     NewWorkerPool(cfg.PoolSize),
		mapper:   NewMapper(expressions.NewGoJQEngine()),
		cel:      cel,
		expr:     expressions.NewExprEngine(),
		invoker:  invoker,
		logger:   logger,
		defaults: defaults,
	}

	x.fsm.OnAfter(schema.TaskStatusExecuting, schema.TaskStatusFailed, func(from, to string) error {
		logger.Warn("task failed", "from", from, "to", to)
		return nil
	})

	return x, nil
}

// Pool exposes worker pool metrics for statistics reporting.
func (x *ChainExecutor) Pool() PoolMetrics {
	return x.pool.Metrics()
}

// Shutdown stops the worker pool after in-flight steps finish.
func (x *ChainExecutor) Shutdown() {
	x.pool.Shutdown()
}

// ExecuteChain runs a chain definition to completion. Step failures are
// reported inside the returned ExecutionResult per the run's error strategy;
// the returned error is reserved for pre-flight problems (disabled chain,
// task record creation) that prevent the run from starting at all.
func (x *ChainExecutor) ExecuteChain(ctx context.Context, def *schema.ChainDefinition, initial map[string]any, cfg schema.RunConfig) (*schema.ExecutionResult, error) {
	if !def.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "chain %q is disabled", def.ID)
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "chain %q has no steps", def.ID)
	}

	merged := schema.MergeRunConfig(x.defaults, cfg)
	runID := uuid.New().String()

	runCtx := ctx
	if merged.TotalTimeout != "" {
		if d, err := time.ParseDuration(merged.TotalTimeout); err == nil && d > 0 {
			var cancelTimeout context.CancelFunc
			runCtx, cancelTimeout = context.WithTimeout(runCtx, d)
			defer cancelTimeout()
		}
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()
	runCtx = logging.WithIDs(runCtx, def.ID, runID, "")

	ec := NewExecutionContext(runID, def, merged, initial, cancel)
	if err := x.registry.Register(ec); err != nil {
		return nil, err
	}

	if err := x.createTaskRecords(runCtx, ec); err != nil {
		x.registry.Remove(runID)
		return nil, err
	}

	ec.setStatus(schema.ChainStatusRunning)
	x.emitChainEvent(runCtx, ec, schema.EventChainStarted, map[string]any{
		"chain_id": def.ID,
		"steps":    len(def.Steps),
	})
	x.logger.InfoContext(runCtx, "chain started", "name", def.Name, "steps", len(def.Steps))

	if merged.EnableParallelExecution {
		x.runParallel(runCtx, ec)
	} else {
		x.runSequential(runCtx, ec)
	}

	x.finalize(runCtx, ec)
	return ec.result(), nil
}

// Cancel requests cooperative cancellation of a run. The executor stops at
// the next step boundary; the step currently in flight sees its context
// cancelled.
func (x *ChainExecutor) Cancel(runID string) error {
	ec, err := x.registry.Get(runID)
	if err != nil {
		return err
	}
	if s := ec.Status(); s != schema.ChainStatusPending && s != schema.ChainStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already %s", runID, s)
	}
	ec.Cancel()
	return nil
}

// Status returns a snapshot of a live or recently finished run.
func (x *ChainExecutor) Status(runID string) (*Snapshot, error) {
	ec, err := x.registry.Get(runID)
	if err != nil {
		return nil, err
	}
	return ec.Snapshot(), nil
}

// --- run loops ---

func (x *ChainExecutor) runSequential(ctx context.Context, ec *ExecutionContext) {
	steps := ec.Definition.Steps
	for i := range steps {
		if x.runInterrupted(ctx, ec, i) {
			return
		}
		if stop := x.processStep(ctx, ec, i); stop {
			return
		}
	}
}

func (x *ChainExecutor) runParallel(ctx context.Context, ec *ExecutionContext) {
	levels := BuildLevels(ec.Definition.Steps)
	for _, level := range levels {
		if len(level) == 1 {
			if x.runInterrupted(ctx, ec, level[0]) {
				return
			}
			if stop := x.processStep(ctx, ec, level[0]); stop {
				return
			}
			continue
		}

		if x.runInterrupted(ctx, ec, level[0]) {
			return
		}

		type outcome struct {
			output  map[string]any
			skipped bool
			err     error
		}
		outcomes := make([]outcome, len(level))
		done := make(chan int, len(level))

		bag := ec.Data()
		for k, idx := range level {
			k, idx := k, idx
			submitErr := x.pool.Submit(ctx, func(stepCtx context.Context) (err error) {
				// The level join below counts done signals, so the send must
				// survive a panicking invoker unwinding past it.
				defer func() { done <- k }()
				defer func() {
					if r := recover(); r != nil {
						sysErr := schema.NewErrorf(schema.ErrCodeSystem,
							"step %d panicked: %v", idx, r).WithStep(idx)
						_ = x.failTask(stepCtx, ec, idx, schema.TaskStatusExecuting, sysErr)
						outcomes[k] = outcome{err: sysErr}
						err = sysErr
					}
				}()
				out, skipped, err := x.runStep(stepCtx, ec, idx, bag)
				outcomes[k] = outcome{output: out, skipped: skipped, err: err}
				return err
			})
			if submitErr != nil {
				outcomes[k] = outcome{err: submitErr}
				done <- k
			}
		}
		for range level {
			<-done
		}

		// Fold results in step-index order so later writers win
		// deterministically. Levels are emitted in ascending order.
		for k, idx := range level {
			oc := outcomes[k]
			if oc.err != nil {
				if stop := x.handleStepFailure(ctx, ec, idx, oc.err); stop {
					return
				}
				ec.stepDone()
				continue
			}
			if !oc.skipped {
				if stop := x.foldOutput(ctx, ec, idx, oc.output); stop {
					return
				}
			}
			ec.stepDone()
		}
	}
}

// processStep runs one step against the current bag and folds its output.
// Returns true when the run loop must stop.
func (x *ChainExecutor) processStep(ctx context.Context, ec *ExecutionContext, index int) (stop bool) {
	output, skipped, err := x.runStep(ctx, ec, index, ec.Data())
	if err != nil {
		if stop := x.handleStepFailure(ctx, ec, index, err); stop {
			return true
		}
		ec.stepDone()
		return false
	}
	if !skipped {
		if stop := x.foldOutput(ctx, ec, index, output); stop {
			return true
		}
	}
	ec.stepDone()
	return false
}

// runInterrupted checks for cancellation or total-timeout expiry at a step
// boundary. Remaining waiting tasks are marked cancelled.
func (x *ChainExecutor) runInterrupted(ctx context.Context, ec *ExecutionContext, fromStep int) bool {
	select {
	case <-ctx.Done():
	default:
		if !ec.Cancelled() {
			return false
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !ec.Cancelled() {
		ec.recordError(schema.ExecutionError{
			StepIndex: fromStep,
			ErrorType: schema.ErrorTypeTimeout,
			Message:   "total execution timeout exceeded",
			Timestamp: time.Now().UTC(),
		})
	} else {
		ec.setStatus(schema.ChainStatusCancelled)
	}

	x.cancelRemaining(ec, fromStep)
	return true
}

// handleStepFailure applies the run's error strategy to a failed step.
// Returns true when the run must abort.
func (x *ChainExecutor) handleStepFailure(ctx context.Context, ec *ExecutionContext, index int, err error) (abort bool) {
	chErr := asChainError(err)

	if chErr.Code == schema.ErrCodeCancelled {
		ec.setStatus(schema.ChainStatusCancelled)
		x.cancelRemaining(ec, index+1)
		return true
	}

	ec.recordError(schema.ExecutionError{
		StepIndex:   index,
		TaskID:      ec.taskID(index),
		ErrorType:   chErr.Type(),
		Message:     chErr.Message,
		Timestamp:   time.Now().UTC(),
		Recoverable: IsRetryableError(chErr),
	})

	// Store and system failures abort regardless of strategy: the audit
	// trail can no longer be trusted.
	if chErr.Code == schema.ErrCodeStore || chErr.Code == schema.ErrCodeSystem {
		return true
	}

	// Only fail_fast aborts the loop. The other strategies accumulate the
	// error and keep going; retry and skip distinctions are surfaced through
	// the manager's explicit retry operation, not inline.
	if ec.Config.ErrorHandlingStrategy == schema.StrategyFailFast ||
		ec.Config.ErrorHandlingStrategy == "" {
		return true
	}
	x.logger.WarnContext(ctx, "step failed, continuing",
		"step", index, "error", chErr.Message)
	return false
}

// foldOutput records a step result and merges its output into the bag.
// Returns true when a mapping failure must abort the run.
func (x *ChainExecutor) foldOutput(ctx context.Context, ec *ExecutionContext, index int, output map[string]any) (stop bool) {
	ec.recordResult(index, output)

	step := &ec.Definition.Steps[index]
	next, err := x.mapper.ApplyOutput(ctx, step, ec.Data(), output)
	if err != nil {
		chErr := asChainError(err)
		ec.recordError(schema.ExecutionError{
			StepIndex: index,
			TaskID:    ec.taskID(index),
			ErrorType: chErr.Type(),
			Message:   chErr.Message,
			Timestamp: time.Now().UTC(),
		})
		return ec.Config.ErrorHandlingStrategy == schema.StrategyFailFast ||
			ec.Config.ErrorHandlingStrategy == ""
	}
	ec.setData(next)
	return false
}

// runStep executes a single step against a snapshot of the data bag: checks
// the condition, builds the input, invokes within the step timeout, retries
// per strategy and verifies assertions. It maintains the task record and
// event log but does not touch the shared bag.
func (x *ChainExecutor) runStep(ctx context.Context, ec *ExecutionContext, index int, bag map[string]any) (output map[string]any, skipped bool, err error) {
	step := &ec.Definition.Steps[index]
	taskID := ec.taskID(index)
	ctx = logging.WithTaskID(ctx, taskID)
	ec.beginStep(index, taskID)

	scope := expressions.NewScope(bag, map[string]any{
		"chain_id":   ec.Definition.ID,
		"run_id":     ec.RunID,
		"step_count": len(ec.Definition.Steps),
	}, map[string]any{
		"index":     index,
		"prompt_id": step.PromptID,
		"name":      step.DisplayName(),
	})

	if step.Condition != "" {
		ok, condErr := x.cel.EvaluateBool(ctx, step.Condition, scope.ToMap())
		if condErr != nil {
			return nil, false, x.failTask(ctx, ec, index, schema.TaskStatusWaiting, condErr)
		}
		if !ok {
			if err := x.skipTask(ctx, ec, index); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
	}

	input, mapErr := x.mapper.BuildInput(ctx, step, bag)
	if mapErr != nil {
		return nil, false, x.failTask(ctx, ec, index, schema.TaskStatusWaiting, mapErr)
	}

	if err := x.startTask(ctx, ec, index, input); err != nil {
		return nil, false, err
	}

	output, invokeErr := x.invokeStep(ctx, ec, index, step, input)
	if invokeErr != nil {
		return nil, false, x.failTask(ctx, ec, index, schema.TaskStatusExecuting, invokeErr)
	}

	for _, assertion := range step.Assertions {
		held, aErr := x.expr.Assert(ctx, assertion, scope.WithOutput(output).ToMap())
		if aErr != nil {
			return nil, false, x.failTask(ctx, ec, index, schema.TaskStatusExecuting, aErr)
		}
		if !held {
			aFail := schema.NewErrorf(schema.ErrCodeExecution,
				"assertion %q failed", assertion).WithStep(index)
			return nil, false, x.failTask(ctx, ec, index, schema.TaskStatusExecuting, aFail)
		}
	}

	if err := x.completeTask(ctx, ec, index, output); err != nil {
		return nil, false, err
	}
	return output, false, nil
}

// invokeStep invokes the step within its timeout, translating a dead run
// context into the matching chain error.
func (x *ChainExecutor) invokeStep(ctx context.Context, ec *ExecutionContext, index int, step *schema.ChainStepSpec, input map[string]any) (map[string]any, error) {
	output, err := x.invokeOnce(ctx, step, input, stepTimeout(step, ec.Config), index)
	if err == nil {
		return output, nil
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "total execution timeout exceeded").
				WithStep(index).WithCause(ctx.Err())
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step invocation cancelled").
			WithStep(index).WithCause(ctx.Err())
	}
	return nil, err
}

func (x *ChainExecutor) invokeOnce(ctx context.Context, step *schema.ChainStepSpec, input map[string]any, timeout time.Duration, index int) (map[string]any, error) {
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := x.invoker.Invoke(stepCtx, step.PromptID, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %q timed out after %s", step.DisplayName(), timeout).
				WithStep(index).WithCause(err)
		}
		var chErr *schema.ChainError
		if errors.As(err, &chErr) {
			return nil, chErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"step %q failed: %s", step.DisplayName(), err.Error()).
			WithStep(index).WithCause(err)
	}
	return output, nil
}

// RetryTask re-invokes a failed step using the mapped input captured on its
// task record. The run context must still be registered so the step spec and
// run config are available. All earlier steps must have completed; the retry
// budget is the step's own count, falling back to the run's max retries.
func (x *ChainExecutor) RetryTask(ctx context.Context, taskID string) (*store.TaskRecord, error) {
	rec, err := x.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.Status != schema.TaskStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"task %q is %s, only failed tasks can be retried", taskID, rec.Status)
	}

	ec, err := x.registry.Get(rec.ChainID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"run %q is no longer available for retry", rec.ChainID).WithCause(err)
	}
	if rec.StepIndex < 0 || rec.StepIndex >= len(ec.Definition.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"task %q has out-of-range step index %d", taskID, rec.StepIndex)
	}
	step := &ec.Definition.Steps[rec.StepIndex]

	budget := step.Retries(ec.Config.MaxRetries)
	if rec.RetryCount >= budget {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"task %q exhausted its retry budget of %d", taskID, budget).
			WithStep(rec.StepIndex)
	}

	// Every earlier step must have completed before this one re-runs.
	siblings, err := x.store.ListChainTasks(ctx, rec.ChainID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list chain tasks: %s", err.Error()).WithCause(err)
	}
	for _, sib := range siblings {
		if sib.StepIndex < rec.StepIndex && sib.Status != schema.TaskStatusCompleted &&
			sib.Status != schema.TaskStatusSkipped {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"step %d is %s, cannot retry step %d yet", sib.StepIndex, sib.Status, rec.StepIndex)
		}
	}

	var input map[string]any
	if len(rec.MappedInput) > 0 {
		if err := json.Unmarshal(rec.MappedInput, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSystem,
				"task %q has corrupt mapped input", taskID).WithCause(err)
		}
	}

	ctx = logging.WithIDs(ctx, ec.Definition.ID, ec.RunID, taskID)

	if err := WaitForBackoff(ctx, ComputeBackoff(rec.RetryCount)); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "retry cancelled").WithCause(err)
	}

	if err := x.fsm.Transition(ctx, rec.ChainID, taskID, rec.StepIndex,
		schema.TaskStatusFailed, schema.TaskStatusExecuting); err != nil {
		return nil, err
	}
	attempts := rec.RetryCount + 1
	ec.appendHistory(schema.EventStepRetried, rec.StepIndex, taskID, map[string]any{"attempt": attempts})
	executing := schema.TaskStatusExecuting
	if err := x.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:     &executing,
		RetryCount: &attempts,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist retry start: %s", err.Error()).WithCause(err)
	}
	x.logger.InfoContext(ctx, "retrying failed step", "step", rec.StepIndex, "attempt", attempts)

	output, invokeErr := x.invokeOnce(ctx, step, input, stepTimeout(step, ec.Config), rec.StepIndex)
	if invokeErr != nil {
		chErr := asChainError(invokeErr)
		failed := schema.TaskStatusFailed
		msg := chErr.Message
		if err := x.fsm.Transition(ctx, rec.ChainID, taskID, rec.StepIndex,
			schema.TaskStatusExecuting, schema.TaskStatusFailed); err != nil {
			return nil, err
		}
		ec.appendHistory(schema.EventStepFailed, rec.StepIndex, taskID, map[string]any{"error": msg})
		_ = x.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &failed, Error: &msg})
		return nil, chErr
	}

	if err := x.fsm.Transition(ctx, rec.ChainID, taskID, rec.StepIndex,
		schema.TaskStatusExecuting, schema.TaskStatusCompleted); err != nil {
		return nil, err
	}
	ec.appendHistory(schema.EventStepCompleted, rec.StepIndex, taskID, nil)
	completed := schema.TaskStatusCompleted
	now := time.Now().UTC()
	raw, _ := json.Marshal(output)
	empty := ""
	if err := x.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:      &completed,
		Output:      raw,
		Error:       &empty,
		CompletedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist retry completion: %s", err.Error()).WithCause(err)
	}

	// Fold the recovered output into the run context so later status and
	// result queries see it.
	ec.recordResult(rec.StepIndex, output)
	if next, mapErr := x.mapper.ApplyOutput(ctx, step, ec.Data(), output); mapErr == nil {
		ec.setData(next)
	}

	return x.store.GetTaskByID(ctx, taskID)
}

// --- task record lifecycle ---

func (x *ChainExecutor) createTaskRecords(ctx context.Context, ec *ExecutionContext) error {
	def := ec.Definition
	ids := make([]string, len(def.Steps))
	for i := range ids {
		ids[i] = uuid.New().String()
	}

	chainData, _ := json.Marshal(ec.Data())

	for i := range def.Steps {
		step := &def.Steps[i]
		rec := &store.TaskRecord{
			ID:        ids[i],
			ChainID:   ec.RunID,
			StepIndex: i,
			Name:      step.DisplayName(),
			Status:    schema.TaskStatusWaiting,
			ChainData: chainData,
		}
		if i > 0 {
			rec.ParentTaskID = ids[i-1]
		}
		if i < len(ids)-1 {
			rec.ChildTaskID = ids[i+1]
		}
		if err := x.store.CreateTask(ctx, rec); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create task record: %s", err.Error()).
				WithStep(i).WithCause(err)
		}
		ec.registerTask(i, ids[i])
	}
	return nil
}

func (x *ChainExecutor) startTask(ctx context.Context, ec *ExecutionContext, index int, input map[string]any) error {
	taskID := ec.taskID(index)
	if err := x.fsm.Transition(ctx, ec.RunID, taskID, index, schema.TaskStatusWaiting, schema.TaskStatusExecuting); err != nil {
		return err
	}
	ec.appendHistory(schema.EventStepStarted, index, taskID, nil)

	status := schema.TaskStatusExecuting
	now := time.Now().UTC()
	mapped, _ := json.Marshal(input)
	if err := x.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:      &status,
		MappedInput: mapped,
		StartedAt:   &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist task start: %s", err.Error()).
			WithStep(index).WithCause(err)
	}
	return nil
}

func (x *ChainExecutor) completeTask(ctx context.Context, ec *ExecutionContext, index int, output map[string]any) error {
	taskID := ec.taskID(index)
	if err := x.fsm.Transition(ctx, ec.RunID, taskID, index, schema.TaskStatusExecuting, schema.TaskStatusCompleted); err != nil {
		return err
	}
	ec.appendHistory(schema.EventStepCompleted, index, taskID, nil)

	status := schema.TaskStatusCompleted
	now := time.Now().UTC()
	raw, _ := json.Marshal(output)
	if err := x.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:      &status,
		Output:      raw,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist task completion: %s", err.Error()).
			WithStep(index).WithCause(err)
	}
	return nil
}

func (x *ChainExecutor) skipTask(ctx context.Context, ec *ExecutionContext, index int) error {
	taskID := ec.taskID(index)
	if err := x.fsm.Transition(ctx, ec.RunID, taskID, index, schema.TaskStatusWaiting, schema.TaskStatusSkipped); err != nil {
		return err
	}
	ec.appendHistory(schema.EventStepSkipped, index, taskID, map[string]any{"reason": "condition"})
	x.logger.InfoContext(ctx, "step skipped", "step", index)
	return x.store.UpdateTaskStatus(ctx, taskID, schema.TaskStatusSkipped)
}

// failTask transitions the record to failed and returns the original error
// wrapped for the caller.
func (x *ChainExecutor) failTask(ctx context.Context, ec *ExecutionContext, index int, from schema.TaskStatus, cause error) error {
	chErr := asChainError(cause)
	taskID := ec.taskID(index)

	// The failure may be the run context dying; the record must still settle.
	ctx = context.WithoutCancel(ctx)

	// A failure before the record entered executing still ends it failed.
	if from == schema.TaskStatusWaiting {
		if err := x.fsm.Transition(ctx, ec.RunID, taskID, index, schema.TaskStatusWaiting, schema.TaskStatusExecuting); err != nil {
			return err
		}
	}
	if err := x.fsm.Transition(ctx, ec.RunID, taskID, index, schema.TaskStatusExecuting, schema.TaskStatusFailed); err != nil {
		return err
	}
	ec.appendHistory(schema.EventStepFailed, index, taskID, map[string]any{"error": chErr.Message})

	status := schema.TaskStatusFailed
	msg := chErr.Message
	if err := x.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status: &status,
		Error:  &msg,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist task failure: %s", err.Error()).
			WithStep(index).WithCause(err)
	}
	return chErr
}

// cancelRemaining marks still-waiting task records cancelled.
func (x *ChainExecutor) cancelRemaining(ec *ExecutionContext, fromStep int) {
	ctx := context.Background()
	for i := fromStep; i < len(ec.Definition.Steps); i++ {
		taskID := ec.taskID(i)
		if taskID == "" {
			continue
		}
		rec, err := x.store.GetTaskByID(ctx, taskID)
		if err != nil || schema.IsTerminalTask(rec.Status) {
			continue
		}
		_ = x.store.UpdateTaskStatus(ctx, taskID, schema.TaskStatusCancelled)
	}
}

// finalize settles the run status and emits exactly one terminal event.
func (x *ChainExecutor) finalize(ctx context.Context, ec *ExecutionContext) {
	res := ec.result()

	switch {
	case ec.Status() == schema.ChainStatusCancelled:
		x.emitChainEvent(ctx, ec, schema.EventChainCancelled, nil)
		x.logger.InfoContext(ctx, "chain cancelled", "completed_steps", res.CompletedSteps)
	case len(res.Errors) > 0:
		ec.setStatus(schema.ChainStatusFailed)
		x.emitChainEvent(ctx, ec, schema.EventChainFailed, map[string]any{"errors": len(res.Errors)})
		x.logger.WarnContext(ctx, "chain failed",
			"completed_steps", res.CompletedSteps, "errors", len(res.Errors))
	default:
		ec.setStatus(schema.ChainStatusCompleted)
		x.emitChainEvent(ctx, ec, schema.EventChainCompleted, nil)
		x.logger.InfoContext(ctx, "chain completed",
			"completed_steps", res.CompletedSteps, "duration_ms", res.ExecutionTimeMs)
	}
}

// emitChainEvent records a chain-level event in the history and, best
// effort, in the persistent log. Terminal events must not fail the run.
func (x *ChainExecutor) emitChainEvent(ctx context.Context, ec *ExecutionContext, eventType string, data map[string]any) {
	ec.appendHistory(eventType, -1, "", data)

	var payload json.RawMessage
	if data != nil {
		payload, _ = json.Marshal(data)
	}
	if err := x.store.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		ChainID:   ec.RunID,
		StepIndex: -1,
		Type:      eventType,
		Payload:   payload,
	}); err != nil {
		x.logger.ErrorContext(ctx, "persist chain event", "event", eventType, "error", err)
	}
}

func stepTimeout(step *schema.ChainStepSpec, cfg schema.RunConfig) time.Duration {
	raw := step.Timeout
	if raw == "" {
		raw = cfg.StepTimeout
	}
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

func asChainError(err error) *schema.ChainError {
	var chErr *schema.ChainError
	if errors.As(err, &chErr) {
		return chErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
