// Package executor provides the backends that run a task and translate
// their native output protocols into activity events.
package executor

import (
	"fmt"
	"sort"
	"sync"

	"relay/internal/engine"
)

// Executor kinds selectable at start time.
const (
	KindCLI = "cli"
	KindSDK = "sdk"
)

// Registry maps executor kinds to implementations. It satisfies the engine's
// resolver interface.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]engine.Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]engine.Executor)}
}

// Register adds an executor under its kind, replacing any previous one.
func (r *Registry) Register(exec engine.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.Kind()] = exec
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind string) (engine.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownExecutor, kind)
	}
	return exec, nil
}

// Kinds lists the registered executor kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
