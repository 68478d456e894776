package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeExecutor blocks until released, then returns its scripted outcome.
// afterRelease events are emitted even when the context was cancelled,
// standing in for an executor that keeps draining output past an interrupt.
type fakeExecutor struct {
	kind         string
	started      chan string // receives run id when Run begins
	release      chan struct{}
	err          error
	emits        []*Event
	afterRelease []*Event
}

func newFakeExecutor(kind string) *fakeExecutor {
	return &fakeExecutor{
		kind:    kind,
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
}

func (f *fakeExecutor) Kind() string { return f.kind }

func (f *fakeExecutor) Run(ctx context.Context, req ExecRequest, emit EmitFunc) (*Outcome, error) {
	f.started <- req.RunID
	for _, event := range f.emits {
		event.TaskID = req.TaskID
		event.RunID = req.RunID
		if err := emit(event); err != nil {
			return nil, err
		}
	}
	var runErr error
	select {
	case <-f.release:
	case <-ctx.Done():
		runErr = context.Cause(ctx)
	}
	for _, event := range f.afterRelease {
		event.TaskID = req.TaskID
		event.RunID = req.RunID
		if err := emit(event); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Outcome{Result: "done", StopReason: "end_turn"}, nil
}

type fakeResolver struct {
	executors map[string]Executor
}

func (r *fakeResolver) Resolve(kind string) (Executor, error) {
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, kind)
	}
	return exec, nil
}

func newTestCoordinator(exec Executor) (*Coordinator, TaskStore, *Broadcaster) {
	tasks := NewInMemoryTaskStore()
	b := NewBroadcaster(NewInMemoryEventLog(), nil)
	resolver := &fakeResolver{executors: map[string]Executor{exec.Kind(): exec}}
	return NewCoordinator(tasks, b, resolver, nil, 0), tasks, b
}

func waitIdle(t *testing.T, c *Coordinator, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !c.Running(taskID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
}

func TestCoordinatorDuplicateStartIsNoOp(t *testing.T) {
	exec := newFakeExecutor("fake")
	c, tasks, _ := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "do the thing", "")
	require.NoError(t, err)

	handle, err := c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started

	_, err = c.Start(ctx, task.ID, "fake")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The original run is untouched by the duplicate attempt.
	require.True(t, c.Running(task.ID))
	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
	require.Equal(t, "fake", got.ExecutorKind)

	close(exec.release)
	waitIdle(t, c, task.ID)
	require.NotEmpty(t, handle.RunID)
}

func TestCoordinatorCompletionPublishesTerminalStatus(t *testing.T) {
	exec := newFakeExecutor("fake")
	exec.emits = []*Event{NewMessageEvent("", "", RoleAssistant, "working on it")}
	c, tasks, b := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "do the thing", "")
	require.NoError(t, err)

	sink := &collectSink{}
	require.NoError(t, b.Subscribe(ctx, task.ID, sink))

	_, err = c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started
	close(exec.release)
	waitIdle(t, c, task.ID)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// in_progress, message, completed — in that order, gapless.
	waitForEvents(t, sink, 3)
	events := sink.snapshot()
	require.Equal(t, EventStatusChange, events[0].Kind)
	require.Equal(t, StatusInProgress, events[0].Payload.Status)
	require.Equal(t, EventMessage, events[1].Kind)
	require.True(t, events[2].IsTerminal())
	require.Equal(t, StatusCompleted, events[2].Payload.Status)
	for i, event := range events {
		require.Equal(t, int64(i+1), event.Seq)
	}
}

func TestCoordinatorFailurePublishesSystemError(t *testing.T) {
	exec := newFakeExecutor("fake")
	exec.err = errors.New("exit status 3")
	c, tasks, b := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "doomed", "")
	require.NoError(t, err)
	sink := &collectSink{}
	require.NoError(t, b.Subscribe(ctx, task.ID, sink))

	_, err = c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started
	close(exec.release)
	waitIdle(t, c, task.ID)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "exit status 3", got.Error)

	waitForEvents(t, sink, 3)
	events := sink.snapshot()
	require.Equal(t, EventSystemError, events[1].Kind)
	require.Equal(t, "exit status 3", events[1].Payload.Text)
	require.Equal(t, StatusFailed, events[2].Payload.Status)
	require.Equal(t, "exit status 3", events[2].Payload.Error)
}

func TestCoordinatorInterrupt(t *testing.T) {
	exec := newFakeExecutor("fake")
	c, tasks, _ := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "long running", "")
	require.NoError(t, err)

	// Interrupting an idle task is a no-op.
	require.False(t, c.Interrupt(task.ID))

	_, err = c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started

	require.True(t, c.Interrupt(task.ID))
	waitIdle(t, c, task.ID)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.Error, "interrupted")
}

func TestCoordinatorRestartAfterTerminal(t *testing.T) {
	exec := newFakeExecutor("fake")
	c, tasks, _ := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "twice", "")
	require.NoError(t, err)

	first, err := c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started
	close(exec.release)
	waitIdle(t, c, task.ID)

	// Terminal tasks accept a fresh Start with a new run id.
	exec.release = make(chan struct{})
	second, err := c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started
	require.NotEqual(t, first.RunID, second.RunID)
	close(exec.release)
	waitIdle(t, c, task.ID)
}

func TestCoordinatorUnknownExecutor(t *testing.T) {
	exec := newFakeExecutor("fake")
	c, tasks, _ := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "d", "")
	require.NoError(t, err)

	_, err = c.Start(ctx, task.ID, "nope")
	require.ErrorIs(t, err, ErrUnknownExecutor)
	require.False(t, c.Running(task.ID))

	_, err = c.Start(ctx, "task-missing", "fake")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCoordinatorDeletedMidRun(t *testing.T) {
	exec := newFakeExecutor("fake")
	exec.afterRelease = []*Event{NewMessageEvent("", "", RoleAssistant, "straggler")}
	c, tasks, b := newTestCoordinator(exec)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "t", "doomed", "")
	require.NoError(t, err)

	_, err = c.Start(ctx, task.ID, "fake")
	require.NoError(t, err)
	<-exec.started

	// Delete while the run is still in flight; the interrupt is advisory, so
	// the executor goes on to emit one more event.
	require.True(t, c.Interrupt(task.ID))
	require.NoError(t, b.Delete(ctx, task.ID))
	require.NoError(t, tasks.Delete(ctx, task.ID))

	close(exec.release)
	waitIdle(t, c, task.ID)

	has, err := b.store.HasEvents(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, has, "deleted task history resurrected by straggling publish")
	_, err = tasks.Get(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCoordinatorReconcileStale(t *testing.T) {
	exec := newFakeExecutor("fake")
	c, tasks, b := newTestCoordinator(exec)
	ctx := context.Background()

	stale, err := tasks.Create(ctx, "stale", "d", "")
	require.NoError(t, err)
	require.NoError(t, tasks.SetStatus(ctx, stale.ID, StatusInProgress))

	fresh, err := tasks.Create(ctx, "fresh", "d", "")
	require.NoError(t, err)

	sink := &collectSink{}
	require.NoError(t, b.Subscribe(ctx, stale.ID, sink))

	require.NoError(t, c.ReconcileStale(ctx))

	got, err := tasks.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.Error, "restart")

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, StatusFailed, events[0].Payload.Status)

	untouched, err := tasks.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, untouched.Status)
}

func waitForEvents(t *testing.T, sink *collectSink, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber saw %d events, want %d", len(sink.snapshot()), n)
}
