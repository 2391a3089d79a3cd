package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tasks in process memory. Tasks do not survive restarts;
// use TaskRepository outside tests.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Enqueue(_ context.Context, task *Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.Status == TaskPending && t.CartID == task.CartID && t.TransactionID == task.TransactionID {
			return false, nil
		}
	}

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	stored := *task
	s.tasks[task.ID] = &stored
	return true, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		if t.Status == TaskPending && !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Task, 0, len(due))
	for _, t := range due {
		t.NextRunAt = now.Add(lease)
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %s not found", task.ID)
	}
	t.Attempts = task.Attempts
	t.NextRunAt = task.NextRunAt
	t.LastError = task.LastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id string, status TaskStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	t.Status = status
	t.LastError = lastErr
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the task, for tests and inspection.
func (s *MemoryStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns copies of every task ordered by creation.
func (s *MemoryStore) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
