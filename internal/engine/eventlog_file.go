package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileEventLog persists events as one JSONL file per task under a base
// directory. Appends are flushed before returning so a replay that starts
// after Append always observes the event.
type FileEventLog struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileEventLog creates the base directory if needed.
func NewFileEventLog(dir string) (*FileEventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &FileEventLog{dir: dir, files: make(map[string]*os.File)}, nil
}

func (l *FileEventLog) path(taskID string) string {
	// Task ids are generated by this process; sanitize anyway so a crafted id
	// cannot escape the log directory.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(taskID)
	return filepath.Join(l.dir, safe+".jsonl")
}

func (l *FileEventLog) handle(taskID string) (*os.File, error) {
	if f, ok := l.files[taskID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.path(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log for %s: %w", taskID, err)
	}
	l.files[taskID] = f
	return f, nil
}

// Append writes the event as one JSON line and syncs it to disk.
func (l *FileEventLog) Append(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.handle(event.TaskID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event %s: %w", event.ID, err)
	}
	return f.Sync()
}

// List reads the task's events back in append order.
func (l *FileEventLog) List(ctx context.Context, taskID string) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log for %s: %w", taskID, err)
	}
	defer func() { _ = f.Close() }()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// A torn tail line from a crash mid-write; everything before it
			// is intact.
			break
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log for %s: %w", taskID, err)
	}
	return events, nil
}

// DeleteTask removes the task's log file.
func (l *FileEventLog) DeleteTask(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.files[taskID]; ok {
		_ = f.Close()
		delete(l.files, taskID)
	}
	if err := os.Remove(l.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete event log for %s: %w", taskID, err)
	}
	return nil
}

// HasEvents reports whether the task has a non-empty log file.
func (l *FileEventLog) HasEvents(ctx context.Context, taskID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() > 0, nil
}

// Close releases all open file handles.
func (l *FileEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for taskID, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, taskID)
	}
	return firstErr
}
