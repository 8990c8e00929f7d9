package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// MemoryStore is an in-memory TaskStore for tests and embedded use.
// Records are deep-copied on the way in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*TaskRecord
	events map[string][]*Event // chain_id -> ordered events
	nextID int64
}

var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*TaskRecord),
		events: make(map[string][]*Event),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, t *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", t.ID)
	}
	c := cloneTask(t)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.tasks[t.ID] = c
	return nil
}

func (s *MemoryStore) GetTaskByID(_ context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.Notes != nil {
		t.Notes = *update.Notes
	}
	if update.ChainData != nil {
		t.ChainData = append([]byte(nil), update.ChainData...)
	}
	if update.MappedInput != nil {
		t.MappedInput = append([]byte(nil), update.MappedInput...)
	}
	if update.Output != nil {
		t.Output = append([]byte(nil), update.Output...)
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.RetryCount != nil {
		t.RetryCount = *update.RetryCount
	}
	if update.StartedAt != nil {
		ts := *update.StartedAt
		t.StartedAt = &ts
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		t.CompletedAt = &ts
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status schema.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListChainTasks(_ context.Context, chainID string) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskRecord
	for _, t := range s.tasks {
		if t.ChainID == chainID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskRecord
	for _, t := range s.tasks {
		if filter.ChainID != "" && t.ChainID != filter.ChainID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.events[event.ChainID]
	event.Sequence = int64(len(chain)) + 1
	s.nextID++
	event.ID = s.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c := *event
	c.Payload = append([]byte(nil), event.Payload...)
	s.events[event.ChainID] = append(chain, &c)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, chainID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[chainID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneTask(t *TaskRecord) *TaskRecord {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.RelatedFiles = append([]string(nil), t.RelatedFiles...)
	c.ChainData = append([]byte(nil), t.ChainData...)
	c.MappedInput = append([]byte(nil), t.MappedInput...)
	c.Output = append([]byte(nil), t.Output...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
