package engine

import (
	"encoding/json"
	"time"

	"relay/internal/ids"
)

// EventKind classifies a normalized activity event.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventToolUse      EventKind = "tool_use"
	EventToolResult   EventKind = "tool_result"
	EventStatusChange EventKind = "status_change"
	EventSystemError  EventKind = "system_error"
)

// Roles attached to message events.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
)

// EventPayload carries the kind-specific fields of an activity event. Only the
// fields for the event's kind are populated; everything else stays omitted on
// the wire.
type EventPayload struct {
	// message / system_error
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// tool_use
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_use / tool_result correlation
	ToolUseID string `json:"tool_use_id,omitempty"`

	// tool_result
	ToolOutput string `json:"tool_output,omitempty"`
	ToolError  bool   `json:"tool_error,omitempty"`

	// status_change
	Status TaskStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Event is one normalized, ordered record of executor progress. Events are
// immutable once published; Seq is assigned by the broadcaster and is strictly
// monotonic within a task.
type Event struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	RunID     string       `json:"run_id,omitempty"`
	Seq       int64        `json:"seq"`
	Kind      EventKind    `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

func newEvent(taskID, runID string, kind EventKind, payload EventPayload) *Event {
	return &Event{
		ID:        ids.NewEventID(),
		TaskID:    taskID,
		RunID:     runID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewMessageEvent records a role-attributed chunk of executor output.
func NewMessageEvent(taskID, runID, role, text string) *Event {
	return newEvent(taskID, runID, EventMessage, EventPayload{Role: role, Text: text})
}

// NewToolUseEvent records an executor invoking a tool.
func NewToolUseEvent(taskID, runID, toolUseID, name string, input json.RawMessage) *Event {
	return newEvent(taskID, runID, EventToolUse, EventPayload{
		ToolUseID: toolUseID,
		ToolName:  name,
		ToolInput: input,
	})
}

// NewToolResultEvent records the output of a previously announced tool call.
func NewToolResultEvent(taskID, runID, toolUseID, output string, isError bool) *Event {
	return newEvent(taskID, runID, EventToolResult, EventPayload{
		ToolUseID:  toolUseID,
		ToolOutput: output,
		ToolError:  isError,
	})
}

// NewStatusChangeEvent records a task status transition. errText is only set
// on transitions to StatusFailed.
func NewStatusChangeEvent(taskID, runID string, status TaskStatus, errText string) *Event {
	return newEvent(taskID, runID, EventStatusChange, EventPayload{Status: status, Error: errText})
}

// NewSystemErrorEvent surfaces an executor-internal failure to observers.
func NewSystemErrorEvent(taskID, runID, text string) *Event {
	return newEvent(taskID, runID, EventSystemError, EventPayload{Role: RoleSystem, Text: text})
}

// IsTerminal reports whether the event closes out a run.
func (e *Event) IsTerminal() bool {
	if e.Kind != EventStatusChange {
		return false
	}
	return e.Payload.Status == StatusCompleted || e.Payload.Status == StatusFailed
}
