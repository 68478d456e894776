package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"relay/internal/engine"
)

type sseFrame struct {
	name string
	data string
}

// scriptedAPI serves one canned streaming response the way the messages
// endpoint does.
func scriptedAPI(t *testing.T, frames []sseFrame) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.name, frame.data)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestSDKExecutor(t *testing.T, ts *httptest.Server) *SDKExecutor {
	t.Helper()
	return NewSDKExecutor("claude-sonnet-4-5", 1024, "test-key", t.TempDir(),
		option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
}

func TestSDKExecutorStreamMapping(t *testing.T) {
	frames := []sseFrame{
		{"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls"}}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	exec := newTestSDKExecutor(t, scriptedAPI(t, frames))
	collector := &eventCollector{}

	outcome, err := exec.Run(context.Background(), testRequest(), collector.emit)
	require.NoError(t, err)
	require.Equal(t, "Let me look.", outcome.Result)
	require.Equal(t, "tool_use", outcome.StopReason)

	// One event per completed content block, in stream order.
	events := collector.all()
	require.Len(t, events, 2)

	require.Equal(t, engine.EventMessage, events[0].Kind)
	require.Equal(t, engine.RoleAssistant, events[0].Payload.Role)
	require.Equal(t, "Let me look.", events[0].Payload.Text)

	require.Equal(t, engine.EventToolUse, events[1].Kind)
	require.Equal(t, "toolu_01", events[1].Payload.ToolUseID)
	require.Equal(t, "Bash", events[1].Payload.ToolName)
	require.JSONEq(t, `{"command":"ls"}`, string(events[1].Payload.ToolInput))
}

func TestSDKExecutorTextOnlyTurn(t *testing.T) {
	frames := []sseFrame{
		{"message_start", `{"type":"message_start","message":{"id":"msg_02","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Done."}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	exec := newTestSDKExecutor(t, scriptedAPI(t, frames))
	collector := &eventCollector{}

	outcome, err := exec.Run(context.Background(), testRequest(), collector.emit)
	require.NoError(t, err)
	require.Equal(t, "Done.", outcome.Result)
	require.Equal(t, "end_turn", outcome.StopReason)
	require.Len(t, collector.all(), 1)
}

func TestSDKExecutorStreamErrorFailsRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	}))
	t.Cleanup(ts.Close)

	exec := newTestSDKExecutor(t, ts)
	collector := &eventCollector{}

	_, err := exec.Run(context.Background(), testRequest(), collector.emit)
	require.Error(t, err)
	require.Empty(t, collector.all(), "failed stream must not emit partial events")
}

func TestSDKExecutorKind(t *testing.T) {
	exec := NewSDKExecutor("claude-sonnet-4-5", 0, "test-key", "")
	require.Equal(t, KindSDK, exec.Kind())
	require.Equal(t, int64(4096), exec.maxTokens)
}

func TestSDKExecutorRejectsBadWorkdir(t *testing.T) {
	exec := NewSDKExecutor("claude-sonnet-4-5", 1024, "test-key", "")
	req := testRequest()
	req.Workdir = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := exec.Run(context.Background(), req, (&eventCollector{}).emit)
	require.Error(t, err)
}
