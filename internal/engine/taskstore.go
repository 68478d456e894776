package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/internal/ids"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Task is a unit of work progressing through pending → in_progress →
// {completed, failed}. Terminal tasks may be re-run.
type Task struct {
	ID           string     `json:"task_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	ExecutorKind string     `json:"executor_kind,omitempty"`
	Workdir      string     `json:"workdir,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = fmt.Errorf("task not found")

// TaskStore manages task lifecycle and persistence.
type TaskStore interface {
	Create(ctx context.Context, title, description, workdir string) (*Task, error)
	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, limit, offset int) ([]*Task, int, error)
	Delete(ctx context.Context, taskID string) error

	SetStatus(ctx context.Context, taskID string, status TaskStatus) error
	SetError(ctx context.Context, taskID string, err error) error
	SetExecutorKind(ctx context.Context, taskID string, kind string) error

	// ListByStatus supports startup reconciliation of stale in_progress rows.
	ListByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
}

const maxDerivedTitleLen = 50

// deriveTitle builds a display title from the first line of the description.
// Truncation counts runes, not bytes, so multi-byte text is never cut
// mid-character.
func deriveTitle(description string) string {
	title := strings.TrimSpace(strings.SplitN(description, "\n", 2)[0])
	if runes := []rune(title); len(runes) > maxDerivedTitleLen {
		cut := string(runes[:maxDerivedTitleLen])
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		title = cut + "..."
	}
	if title == "" {
		return "New Task"
	}
	return title
}

// InMemoryTaskStore implements TaskStore with in-memory storage.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewInMemoryTaskStore creates a new in-memory task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[string]*Task)}
}

// Create creates a new task in StatusPending.
func (s *InMemoryTaskStore) Create(ctx context.Context, title, description, workdir string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(title) == "" {
		title = deriveTitle(description)
	}
	task := &Task{
		ID:          ids.NewTaskID(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Workdir:     workdir,
		CreatedAt:   time.Now().UTC(),
	}
	s.tasks[task.ID] = task
	return snapshot(task), nil
}

// Get retrieves a task by ID.
func (s *InMemoryTaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return snapshot(task), nil
}

// List returns tasks sorted newest-first with pagination.
func (s *InMemoryTaskStore) List(ctx context.Context, limit, offset int) ([]*Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, snapshot(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	total := len(tasks)
	if offset >= total {
		return []*Task{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return tasks[offset:end], total, nil
}

// Delete removes a task.
func (s *InMemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(s.tasks, taskID)
	return nil
}

// SetStatus updates task status and the matching timestamps.
func (s *InMemoryTaskStore) SetStatus(ctx context.Context, taskID string, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task.Status = status
	now := time.Now().UTC()
	switch status {
	case StatusInProgress:
		task.StartedAt = &now
		task.CompletedAt = nil
		task.Error = ""
	case StatusCompleted, StatusFailed:
		task.CompletedAt = &now
	}
	return nil
}

// SetError records task failure with the error text.
func (s *InMemoryTaskStore) SetError(ctx context.Context, taskID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task.Status = StatusFailed
	if err != nil {
		task.Error = err.Error()
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	return nil
}

// SetExecutorKind records which backend last ran the task.
func (s *InMemoryTaskStore) SetExecutorKind(ctx context.Context, taskID string, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.ExecutorKind = kind
	return nil
}

// ListByStatus returns tasks currently in the given status.
func (s *InMemoryTaskStore) ListByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*Task
	for _, task := range s.tasks {
		if task.Status == status {
			tasks = append(tasks, snapshot(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// snapshot copies a task so callers never share mutable store state.
func snapshot(task *Task) *Task {
	copied := *task
	if task.StartedAt != nil {
		t := *task.StartedAt
		copied.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}
