package engine

import (
	"context"
	"sync"
)

// EventLogStore is the durable, append-only record of activity events per
// task, queried in insertion order for replay. Append must be synchronous:
// once it returns, a replay started by any subscriber sees the event.
type EventLogStore interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, taskID string) ([]*Event, error)
	DeleteTask(ctx context.Context, taskID string) error
	HasEvents(ctx context.Context, taskID string) (bool, error)
}

// InMemoryEventLog keeps per-task event history in process memory.
type InMemoryEventLog struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewInMemoryEventLog creates an empty in-memory event log.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{events: make(map[string][]*Event)}
}

// Append stores the event at the tail of its task's history.
func (l *InMemoryEventLog) Append(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.TaskID] = append(l.events[event.TaskID], event)
	return nil
}

// List returns the task's events in append order.
func (l *InMemoryEventLog) List(ctx context.Context, taskID string) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.events[taskID]
	if len(history) == 0 {
		return nil, nil
	}
	out := make([]*Event, len(history))
	copy(out, history)
	return out, nil
}

// DeleteTask removes the task's entire history. Events are never deleted
// individually.
func (l *InMemoryEventLog) DeleteTask(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, taskID)
	return nil
}

// HasEvents reports whether any events are recorded for the task.
func (l *InMemoryEventLog) HasEvents(ctx context.Context, taskID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events[taskID]) > 0, nil
}
