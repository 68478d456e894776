package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func eventLogImpls(t *testing.T) map[string]EventLogStore {
	t.Helper()
	file, err := NewFileEventLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileEventLog failed: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	return map[string]EventLogStore{
		"memory": NewInMemoryEventLog(),
		"file":   file,
	}
}

func TestEventLogAppendOrder(t *testing.T) {
	for name, store := range eventLogImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			texts := []string{"first", "second", "third"}
			for i, text := range texts {
				event := NewMessageEvent("task-1", "run-1", RoleAssistant, text)
				event.Seq = int64(i + 1)
				if err := store.Append(ctx, event); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}
			// Another task's events stay isolated.
			other := NewMessageEvent("task-2", "run-2", RoleAssistant, "elsewhere")
			other.Seq = 1
			if err := store.Append(ctx, other); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			got, err := store.List(ctx, "task-1")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(texts) {
				t.Fatalf("List returned %d events, want %d", len(got), len(texts))
			}
			for i, event := range got {
				if event.Payload.Text != texts[i] {
					t.Errorf("event %d text = %q, want %q", i, event.Payload.Text, texts[i])
				}
				if event.Seq != int64(i+1) {
					t.Errorf("event %d seq = %d, want %d", i, event.Seq, i+1)
				}
			}
		})
	}
}

func TestEventLogDeleteTask(t *testing.T) {
	for name, store := range eventLogImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Append(ctx, NewMessageEvent("task-1", "run-1", RoleAssistant, "hi")); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			has, err := store.HasEvents(ctx, "task-1")
			if err != nil || !has {
				t.Fatalf("HasEvents = %v, %v; want true", has, err)
			}

			if err := store.DeleteTask(ctx, "task-1"); err != nil {
				t.Fatalf("DeleteTask failed: %v", err)
			}
			has, err = store.HasEvents(ctx, "task-1")
			if err != nil || has {
				t.Fatalf("HasEvents after delete = %v, %v; want false", has, err)
			}
			got, err := store.List(ctx, "task-1")
			if err != nil || len(got) != 0 {
				t.Fatalf("List after delete = %d events, %v; want empty", len(got), err)
			}
			// Deleting an unknown task is a no-op.
			if err := store.DeleteTask(ctx, "task-missing"); err != nil {
				t.Errorf("DeleteTask on missing task: %v", err)
			}
		})
	}
}

func TestFileEventLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileEventLog(dir)
	if err != nil {
		t.Fatalf("NewFileEventLog failed: %v", err)
	}
	event := NewToolUseEvent("task-1", "run-1", "toolu_01", "Bash", []byte(`{"command":"ls"}`))
	event.Seq = 1
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileEventLog(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.List(ctx, "task-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List returned %d events, want 1", len(got))
	}
	if got[0].Kind != EventToolUse || got[0].Payload.ToolName != "Bash" {
		t.Errorf("reloaded event = %+v", got[0])
	}
}

func TestFileEventLogTornTailLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileEventLog(dir)
	if err != nil {
		t.Fatalf("NewFileEventLog failed: %v", err)
	}
	defer store.Close()

	for i := 0; i < 2; i++ {
		event := NewMessageEvent("task-1", "run-1", RoleAssistant, "ok")
		event.Seq = int64(i + 1)
		if err := store.Append(ctx, event); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Simulate a crash mid-write: a truncated JSON line at the tail.
	path := filepath.Join(dir, "task-1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	if _, err := f.WriteString(`{"id":"trunc`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	got, err := store.List(ctx, "task-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d events, want the 2 intact ones", len(got))
	}
}

func TestFileEventLogSanitizesTaskID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEventLog(dir)
	if err != nil {
		t.Fatalf("NewFileEventLog failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	event := NewMessageEvent("../escape", "run-1", RoleAssistant, "hi")
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("log dir has %d entries, want 1", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape.jsonl")); err == nil {
		t.Error("log file escaped the base directory")
	}
}
