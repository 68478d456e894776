package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"relay/internal/async"
	"relay/internal/engine"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer; the upgrade itself
	// accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS streams replayed history plus live events over a WebSocket,
// one JSON event per text message. Like the SSE stream, it closes after a
// terminal status_change.
func (s *Server) handleEventsWS(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade for task %s: %v", taskID, err)
		return
	}
	defer conn.Close()

	sink := engine.NewChanSink(256)
	defer func() {
		s.broadcaster.Unsubscribe(taskID, sink)
		sink.Close()
	}()

	subErr := make(chan error, 1)
	go func() { subErr <- s.broadcaster.Subscribe(ctx, taskID, sink) }()

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// required to process pong frames and observe the close handshake.
	done := make(chan struct{})
	async.Go(s.logger, "ws.reader", func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case err := <-subErr:
			if err != nil {
				s.logger.Warn("WebSocket subscribe for task %s: %v", taskID, err)
				return
			}
			subErr = nil

		case event, open := <-sink.Events():
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}

		case <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
