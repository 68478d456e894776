package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay/internal/async"
	"relay/internal/ids"
	"relay/internal/logging"
)

// ErrAlreadyRunning signals that a Start call found an execution already in
// flight for the task. It is a no-op indication, not a failure: the caller's
// requested outcome (the task is running) already holds.
var ErrAlreadyRunning = errors.New("task already running")

// ErrUnknownExecutor is returned when no executor is registered for the
// requested kind.
var ErrUnknownExecutor = errors.New("unknown executor kind")

// ExecRequest carries everything an executor needs for one run.
type ExecRequest struct {
	TaskID  string
	RunID   string
	Prompt  string
	Workdir string
}

// Outcome reports what a successful run produced.
type Outcome struct {
	Result     string
	StopReason string
}

// EmitFunc publishes one normalized activity event from a running executor.
type EmitFunc func(event *Event) error

// Executor drives one task to completion, translating its native protocol
// into activity events. Run returns an error only for failures that should
// mark the task failed; protocol noise is recovered internally.
type Executor interface {
	Kind() string
	Run(ctx context.Context, req ExecRequest, emit EmitFunc) (*Outcome, error)
}

// ExecutorResolver selects an executor implementation by kind string.
type ExecutorResolver interface {
	Resolve(kind string) (Executor, error)
}

// Handle marks one in-flight execution. It is owned by the coordinator and
// removed when the run reaches a terminal state.
type Handle struct {
	TaskID    string
	RunID     string
	Kind      string
	StartedAt time.Time
	cancel    context.CancelCauseFunc
}

var errInterrupted = errors.New("interrupted by user")

// Coordinator is the single authority over which tasks are running. It
// enforces at most one in-flight executor per task, owns status transitions,
// and reports terminal outcomes through the broadcaster.
type Coordinator struct {
	tasks       TaskStore
	broadcaster *Broadcaster
	resolver    ExecutorResolver
	logger      logging.Logger
	metrics     *Metrics
	runTimeout  time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewCoordinator creates a coordinator. runTimeout bounds each run; zero
// means no bound.
func NewCoordinator(tasks TaskStore, broadcaster *Broadcaster, resolver ExecutorResolver, metrics *Metrics, runTimeout time.Duration) *Coordinator {
	return &Coordinator{
		tasks:       tasks,
		broadcaster: broadcaster,
		resolver:    resolver,
		logger:      logging.NewComponentLogger("Coordinator"),
		metrics:     metrics,
		runTimeout:  runTimeout,
		handles:     make(map[string]*Handle),
	}
}

// Start begins executing the task with the chosen executor kind and returns
// immediately; the run proceeds in the background. A second Start while a run
// is in flight returns ErrAlreadyRunning without side effects.
func (c *Coordinator) Start(ctx context.Context, taskID string, kind string) (*Handle, error) {
	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	exec, err := c.resolver.Resolve(kind)
	if err != nil {
		return nil, err
	}

	// Detach from the caller's lifetime: the run must survive the HTTP
	// request that started it. Explicit cancellation flows through the
	// handle's cancel function.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	c.mu.Lock()
	if _, inFlight := c.handles[taskID]; inFlight {
		c.mu.Unlock()
		cancel(nil)
		c.logger.Info("Start rejected, task %s already running", taskID)
		return nil, ErrAlreadyRunning
	}
	handle := &Handle{
		TaskID:    taskID,
		RunID:     ids.NewRunID(),
		Kind:      exec.Kind(),
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	c.handles[taskID] = handle
	c.mu.Unlock()

	runCtx = ids.WithTaskID(runCtx, taskID)
	runCtx = ids.WithRunID(runCtx, handle.RunID)

	if err := c.tasks.SetStatus(runCtx, taskID, StatusInProgress); err != nil {
		c.removeHandle(taskID)
		cancel(nil)
		return nil, fmt.Errorf("mark task in progress: %w", err)
	}
	_ = c.tasks.SetExecutorKind(runCtx, taskID, exec.Kind())

	if err := c.broadcaster.Publish(runCtx, NewStatusChangeEvent(taskID, handle.RunID, StatusInProgress, "")); err != nil {
		c.logger.Error("Failed to publish in_progress for task %s: %v", taskID, err)
	}
	c.metrics.RecordRunStarted(runCtx, exec.Kind())
	c.logger.Info("Run %s started: task=%s executor=%s", handle.RunID, taskID, exec.Kind())

	req := ExecRequest{
		TaskID:  taskID,
		RunID:   handle.RunID,
		Prompt:  task.Description,
		Workdir: task.Workdir,
	}
	async.Go(c.logger, "coordinator.run", func() {
		c.runToCompletion(runCtx, handle, exec, req)
	})
	return handle, nil
}

// Interrupt signals the in-flight run's cancellation, if any. Best-effort:
// the executor's own exit path performs the terminal transition.
func (c *Coordinator) Interrupt(taskID string) bool {
	c.mu.Lock()
	handle, ok := c.handles[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.logger.Info("Interrupt requested for task %s (run %s)", taskID, handle.RunID)
	handle.cancel(errInterrupted)
	return true
}

// Running reports whether the task currently has an in-flight execution.
func (c *Coordinator) Running(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[taskID]
	return ok
}

func (c *Coordinator) removeHandle(taskID string) {
	c.mu.Lock()
	delete(c.handles, taskID)
	c.mu.Unlock()
}

func (c *Coordinator) runToCompletion(ctx context.Context, handle *Handle, exec Executor, req ExecRequest) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Executor panic: task=%s run=%s: %v", req.TaskID, handle.RunID, r)
			c.finish(ctx, handle, fmt.Errorf("executor panic: %v", r))
		}
	}()

	if c.runTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.runTimeout)
		defer cancelTimeout()
	}

	emit := func(event *Event) error {
		return c.broadcaster.Publish(ctx, event)
	}

	outcome, err := exec.Run(ctx, req, emit)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err == nil && outcome != nil {
		c.logger.Debug("Run %s produced result (%d bytes, stop=%s)", handle.RunID, len(outcome.Result), outcome.StopReason)
	}
	c.finish(ctx, handle, err)
}

// finish performs the terminal transition. It holds the handle lock across
// "remove handle, update status, emit status_change" so a Start racing the
// tail of a run is still rejected as a duplicate rather than interleaving
// with the terminal events.
func (c *Coordinator) finish(ctx context.Context, handle *Handle, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[handle.TaskID]; !ok {
		// Already finished (e.g. the panic path ran after a normal finish).
		return
	}
	delete(c.handles, handle.TaskID)
	defer handle.cancel(nil)

	status := StatusCompleted
	errText := ""
	if runErr != nil {
		status = StatusFailed
		errText = runErr.Error()
	}

	if runErr != nil {
		_ = c.tasks.SetError(ctx, handle.TaskID, runErr)
		if err := c.broadcaster.Publish(ctx, NewSystemErrorEvent(handle.TaskID, handle.RunID, errText)); err != nil && !errors.Is(err, ErrTaskDeleted) {
			c.logger.Error("Failed to publish system_error for task %s: %v", handle.TaskID, err)
		}
	} else {
		_ = c.tasks.SetStatus(ctx, handle.TaskID, StatusCompleted)
	}

	// A task deleted mid-run has no observers left; the terminal publish is
	// rejected by the tombstone and that is fine.
	if err := c.broadcaster.Publish(ctx, NewStatusChangeEvent(handle.TaskID, handle.RunID, status, errText)); err != nil && !errors.Is(err, ErrTaskDeleted) {
		c.logger.Error("Failed to publish terminal status for task %s: %v", handle.TaskID, err)
	}

	elapsed := time.Since(handle.StartedAt)
	c.metrics.RecordRunFinished(ctx, handle.Kind, status, elapsed)
	if runErr != nil {
		c.logger.Error("Run %s failed after %s: task=%s: %v", handle.RunID, elapsed.Round(time.Millisecond), handle.TaskID, runErr)
	} else {
		c.logger.Info("Run %s completed in %s: task=%s", handle.RunID, elapsed.Round(time.Millisecond), handle.TaskID)
	}
}

// ReconcileStale fails tasks left in in_progress by a previous process: a
// crash loses every in-flight handle, and without this pass those rows would
// look running forever.
func (c *Coordinator) ReconcileStale(ctx context.Context) error {
	stale, err := c.tasks.ListByStatus(ctx, StatusInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress tasks: %w", err)
	}
	for _, task := range stale {
		if c.Running(task.ID) {
			continue
		}
		c.logger.Warn("Reconciling stale in_progress task %s", task.ID)
		reconcileErr := errors.New("execution lost on server restart")
		_ = c.tasks.SetError(ctx, task.ID, reconcileErr)
		if err := c.broadcaster.Publish(ctx, NewStatusChangeEvent(task.ID, "", StatusFailed, reconcileErr.Error())); err != nil {
			c.logger.Error("Failed to publish reconcile status for task %s: %v", task.ID, err)
		}
	}
	return nil
}
