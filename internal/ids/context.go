package ids

import "context"

type contextKey string

const (
	taskKey contextKey = "relay_task_id"
	runKey  contextKey = "relay_run_id"
)

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if taskID, ok := ctx.Value(taskKey).(string); ok {
		return taskID
	}
	return ""
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if runID, ok := ctx.Value(runKey).(string); ok {
		return runID
	}
	return ""
}
