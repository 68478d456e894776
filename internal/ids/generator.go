package ids

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Identifiers are KSUIDs with a stable prefix for display: lexicographically
// sortable by creation time, which keeps task listings and log lines readable.

// NewTaskID generates a new task identifier.
func NewTaskID() string {
	return newIdentifier("task")
}

// NewRunID generates an identifier for one execution of a task.
func NewRunID() string {
	return newIdentifier("run")
}

// NewEventID generates a globally unique identifier for an activity event.
func NewEventID() string {
	return uuid.NewString()
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, ksuid.New().String())
}
