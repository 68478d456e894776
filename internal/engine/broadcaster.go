package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relay/internal/logging"
)

// EventSink receives published events for one subscriber. Send must return an
// error when the sink can no longer accept events; the broadcaster treats that
// as a disconnect and unregisters the sink.
type EventSink interface {
	Send(event *Event) error
}

// Broadcaster fans one task's activity events out to its live subscribers
// while writing them through to the event log, and replays history to
// subscribers that connect late.
//
// Publish and Subscribe for the same task are serialized through a per-task
// lock, which is what makes replay-then-live exact: a subscriber either sees
// an event during replay or receives it live, never both and never neither.
// Operations on different tasks do not contend.
type Broadcaster struct {
	store   EventLogStore
	logger  logging.Logger
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]*topic
	// deleted tombstones tasks whose history was removed. Task ids are never
	// reused, so a tombstone keeps a late publish from an interrupted executor
	// from recreating the log.
	deleted map[string]struct{}
}

type topic struct {
	mu      sync.Mutex
	nextSeq int64
	sinks   []EventSink
	// seqLoaded records whether nextSeq was initialized from the store, so a
	// process restart continues the task's sequence instead of restarting it.
	seqLoaded bool
	deleted   bool
}

// ErrTaskDeleted is returned for publishes and subscriptions against a task
// whose history was deleted.
var ErrTaskDeleted = errors.New("task deleted")

// NewBroadcaster creates a broadcaster writing through to store.
func NewBroadcaster(store EventLogStore, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		store:   store,
		logger:  logging.NewComponentLogger("Broadcaster"),
		metrics: metrics,
		topics:  make(map[string]*topic),
		deleted: make(map[string]struct{}),
	}
}

func (b *Broadcaster) topicFor(taskID string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.topics[taskID]
	_, gone := b.deleted[taskID]
	b.mu.RUnlock()
	if gone {
		return nil, fmt.Errorf("%w: %s", ErrTaskDeleted, taskID)
	}
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, gone := b.deleted[taskID]; gone {
		return nil, fmt.Errorf("%w: %s", ErrTaskDeleted, taskID)
	}
	if t, ok = b.topics[taskID]; ok {
		return t, nil
	}
	t = &topic{}
	b.topics[taskID] = t
	return t, nil
}

// loadSeqLocked initializes the topic sequence from persisted history.
// Callers hold t.mu.
func (b *Broadcaster) loadSeqLocked(ctx context.Context, taskID string, t *topic) error {
	if t.seqLoaded {
		return nil
	}
	history, err := b.store.List(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load event history for %s: %w", taskID, err)
	}
	for _, event := range history {
		if event.Seq > t.nextSeq {
			t.nextSeq = event.Seq
		}
	}
	t.seqLoaded = true
	return nil
}

// Publish assigns the event its sequence number, appends it durably, then
// delivers it to every live subscriber of the task. A sink whose Send fails
// is dropped; the remaining sinks still receive the event.
func (b *Broadcaster) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	t, err := b.topicFor(event.TaskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check under the topic lock: Delete may have won the race after
	// topicFor handed out this topic.
	if t.deleted {
		return fmt.Errorf("%w: %s", ErrTaskDeleted, event.TaskID)
	}

	if err := b.loadSeqLocked(ctx, event.TaskID, t); err != nil {
		return err
	}

	t.nextSeq++
	event.Seq = t.nextSeq

	// Durable first: a subscriber whose replay starts right after this call
	// must find the event in the log.
	if err := b.store.Append(ctx, event); err != nil {
		t.nextSeq--
		return fmt.Errorf("append event for %s: %w", event.TaskID, err)
	}
	b.metrics.RecordEventPublished(ctx, event.Kind)

	if len(t.sinks) == 0 {
		return nil
	}

	kept := t.sinks[:0]
	for _, sink := range t.sinks {
		if err := sink.Send(event); err != nil {
			b.logger.Warn("Dropping subscriber for task %s: %v", event.TaskID, err)
			b.metrics.SubscriberDisconnected(ctx)
			continue
		}
		kept = append(kept, sink)
	}
	t.sinks = kept
	return nil
}

// Subscribe replays the task's full history into sink in original order, then
// registers it for live delivery. Events published while the replay is in
// flight are held back by the topic lock and arrive live, strictly after the
// replayed ones.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID string, sink EventSink) error {
	t, err := b.topicFor(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted {
		return fmt.Errorf("%w: %s", ErrTaskDeleted, taskID)
	}

	history, err := b.store.List(ctx, taskID)
	if err != nil {
		return fmt.Errorf("replay history for %s: %w", taskID, err)
	}
	for _, event := range history {
		if err := sink.Send(event); err != nil {
			return fmt.Errorf("replay to subscriber of %s: %w", taskID, err)
		}
		if event.Seq > t.nextSeq {
			t.nextSeq = event.Seq
		}
	}
	t.seqLoaded = true

	t.sinks = append(t.sinks, sink)
	b.metrics.SubscriberConnected(ctx)
	b.logger.Info("Subscriber registered for task %s (history=%d, live=%d)", taskID, len(history), len(t.sinks))
	return nil
}

// Unsubscribe removes sink from the task's live set. Publishing continues for
// the remaining subscribers, or none; subscribers are purely observers.
func (b *Broadcaster) Unsubscribe(taskID string, sink EventSink) {
	b.mu.RLock()
	t, ok := b.topics[taskID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, registered := range t.sinks {
		if registered == sink {
			t.sinks = append(t.sinks[:i], t.sinks[i+1:]...)
			b.metrics.SubscriberDisconnected(context.Background())
			b.logger.Info("Subscriber removed from task %s (remaining=%d)", taskID, len(t.sinks))
			return
		}
	}
}

// SubscriberCount returns the number of live subscribers for a task.
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.RLock()
	t, ok := b.topics[taskID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Delete removes the task's entire history and tombstones the task: any
// in-flight or later Publish and Subscribe returns ErrTaskDeleted instead of
// recreating the log. Live subscribers are dropped without a terminal event.
func (b *Broadcaster) Delete(ctx context.Context, taskID string) error {
	t, err := b.topicFor(taskID)
	if err != nil {
		if errors.Is(err, ErrTaskDeleted) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return nil
	}
	t.deleted = true
	for range t.sinks {
		b.metrics.SubscriberDisconnected(ctx)
	}
	t.sinks = nil

	b.mu.Lock()
	delete(b.topics, taskID)
	b.deleted[taskID] = struct{}{}
	b.mu.Unlock()

	if err := b.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete history for %s: %w", taskID, err)
	}
	b.logger.Info("Deleted event history for task %s", taskID)
	return nil
}

// ErrSinkClosed is returned by ChanSink.Send after Close.
var ErrSinkClosed = errors.New("subscriber sink closed")

// ErrSinkSaturated is returned when a subscriber cannot drain its buffer in
// time; the broadcaster responds by unregistering it.
var ErrSinkSaturated = errors.New("subscriber buffer saturated")

// ChanSink adapts a buffered channel to EventSink for transports that drain
// events on their own goroutine (SSE, WebSocket).
type ChanSink struct {
	ch chan *Event

	mu     sync.Mutex
	closed bool
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanSink{ch: make(chan *Event, buffer)}
}

// Send enqueues the event. When the buffer is full, a terminal status event
// evicts the oldest queued event rather than being lost; anything else fails
// the sink so the broadcaster unregisters it instead of blocking the task.
func (s *ChanSink) Send(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- event:
		return nil
	default:
	}

	if !event.IsTerminal() {
		return ErrSinkSaturated
	}

	// Make room for the terminal event; a consumer that stalled this long is
	// about to be disconnected anyway, and the final status is what matters.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
		return nil
	default:
		return ErrSinkSaturated
	}
}

// Events exposes the receive side for the transport's write loop.
func (s *ChanSink) Events() <-chan *Event {
	return s.ch
}

// Close marks the sink dead. Pending events remain readable until drained.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
