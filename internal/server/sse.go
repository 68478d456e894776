package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/engine"
)

const heartbeatInterval = 30 * time.Second

// handleEventsSSE streams the task's full event history followed by live
// events as server-sent events. The stream ends after a terminal
// status_change or when the client disconnects.
func (s *Server) handleEventsSSE(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := engine.NewChanSink(256)
	defer func() {
		s.broadcaster.Unsubscribe(taskID, sink)
		sink.Close()
	}()

	// Subscribe on its own goroutine: the replay writes into the sink while
	// this handler drains it, so histories larger than the buffer stream
	// through instead of saturating.
	subErr := make(chan error, 1)
	go func() { subErr <- s.broadcaster.Subscribe(ctx, taskID, sink) }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-subErr:
			if err != nil {
				s.logger.Warn("SSE subscribe for task %s: %v", taskID, err)
				return
			}
			subErr = nil

		case event, open := <-sink.Events():
			if !open {
				return
			}
			if err := writeSSE(c.Writer, event); err != nil {
				return
			}
			flusher.Flush()
			if event.IsTerminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event *engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	return err
}
