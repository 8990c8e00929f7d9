package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/taskchain/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedTask(t *testing.T, s *LibSQLStore, chainID string, index int) *TaskRecord {
	t.Helper()
	rec := &TaskRecord{
		ID:        uuid.New().String(),
		ChainID:   chainID,
		StepIndex: index,
		Name:      "step-" + uuid.New().String()[:8],
		Status:    schema.TaskStatusWaiting,
	}
	require.NoError(t, s.CreateTask(context.Background(), rec))
	return rec
}

// --- Task Tests ---

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &TaskRecord{
		ID:           uuid.New().String(),
		ChainID:      "chain-1",
		StepIndex:    0,
		Name:         "fetch",
		Description:  "fetch source data",
		Status:       schema.TaskStatusWaiting,
		Dependencies: []string{"upstream"},
		ChainData:    json.RawMessage(`{"region":"eu"}`),
	}
	require.NoError(t, s.CreateTask(ctx, rec))

	got, err := s.GetTaskByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "chain-1", got.ChainID)
	assert.Equal(t, "fetch", got.Name)
	assert.Equal(t, schema.TaskStatusWaiting, got.Status)
	assert.Equal(t, []string{"upstream"}, got.Dependencies)
	assert.JSONEq(t, `{"region":"eu"}`, string(got.ChainData))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTaskByID(context.Background(), "nonexistent")
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, chErr.Code)
}

func TestUpdateTask_Fields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedTask(t, s, "chain-1", 0)

	status := schema.TaskStatusExecuting
	retries := 1
	errMsg := "boom"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateTask(ctx, rec.ID, TaskUpdate{
		Status:      &status,
		RetryCount:  &retries,
		Error:       &errMsg,
		MappedInput: json.RawMessage(`{"q":"select"}`),
		Output:      json.RawMessage(`{"rows":3}`),
		StartedAt:   &now,
	}))

	got, err := s.GetTaskByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusExecuting, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.Error)
	assert.JSONEq(t, `{"q":"select"}`, string(got.MappedInput))
	assert.JSONEq(t, `{"rows":3}`, string(got.Output))
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, now, *got.StartedAt, time.Second)
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.TaskStatusExecuting
	err := s.UpdateTask(context.Background(), "nonexistent", TaskUpdate{Status: &status})
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, chErr.Code)
}

func TestUpdateTaskStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedTask(t, s, "chain-1", 0)

	require.NoError(t, s.UpdateTaskStatus(ctx, rec.ID, schema.TaskStatusCompleted))
	got, err := s.GetTaskByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
}

func TestListChainTasks_OrderedByStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTask(t, s, "chain-1", 2)
	seedTask(t, s, "chain-1", 0)
	seedTask(t, s, "chain-1", 1)
	seedTask(t, s, "chain-2", 0)

	tasks, err := s.ListChainTasks(ctx, "chain-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, rec := range tasks {
		assert.Equal(t, i, rec.StepIndex)
		assert.Equal(t, "chain-1", rec.ChainID)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failed := seedTask(t, s, "chain-1", 0)
	require.NoError(t, s.UpdateTaskStatus(ctx, failed.ID, schema.TaskStatusFailed))
	seedTask(t, s, "chain-1", 1)

	want := schema.TaskStatusFailed
	tasks, err := s.ListTasks(ctx, TaskFilter{ChainID: "chain-1", Status: &want})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, failed.ID, tasks[0].ID)
}

func TestListTasks_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedTask(t, s, "chain-1", i)
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{ChainID: "chain-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

// --- Event Tests ---

func TestAppendEvent_SequencePerChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ChainID:   "chain-1",
			StepIndex: i,
			Type:      schema.EventStepStarted,
			Payload:   json.RawMessage(`{}`),
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{
		ChainID:   "chain-2",
		StepIndex: 0,
		Type:      schema.EventChainStarted,
	}))

	events, err := s.GetEvents(ctx, "chain-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other, err := s.GetEvents(ctx, "chain-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ChainID:   "chain-1",
			StepIndex: i,
			Type:      schema.EventStepCompleted,
		}))
	}

	events, err := s.GetEvents(ctx, "chain-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, int64(4), events[1].Sequence)
}
