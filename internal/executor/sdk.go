package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"relay/internal/engine"
	"relay/internal/logging"
	"relay/internal/workdir"
)

// SDKExecutor runs a task through the provider's streaming API. Each content
// block of the streamed response maps to one activity event as it completes.
type SDKExecutor struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	defaultWorkdir string
	logger         logging.Logger
}

// NewSDKExecutor configures the streaming executor. An empty apiKey defers to
// the SDK's environment lookup; extra request options allow tests to point
// the client at a local server.
func NewSDKExecutor(model string, maxTokens int64, apiKey, defaultWorkdir string, extra ...option.RequestOption) *SDKExecutor {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &SDKExecutor{
		client:         anthropic.NewClient(opts...),
		model:          anthropic.Model(model),
		maxTokens:      maxTokens,
		defaultWorkdir: defaultWorkdir,
		logger:         logging.NewComponentLogger("SDKExecutor"),
	}
}

// Kind implements engine.Executor.
func (e *SDKExecutor) Kind() string { return KindSDK }

// Run streams one model turn, emitting an event per completed content block.
func (e *SDKExecutor) Run(ctx context.Context, req engine.ExecRequest, emit engine.EmitFunc) (*engine.Outcome, error) {
	dir, err := workdir.Resolve(req.Workdir, e.defaultWorkdir)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: fmt.Sprintf("You are a coding agent. The working directory is %s.", dir)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	e.logger.Info("Streaming %s for task %s", e.model, req.TaskID)
	stream := e.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		message anthropic.Message
		texts   []string
	)
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}

		stop, ok := event.AsAny().(anthropic.ContentBlockStopEvent)
		if !ok {
			continue
		}
		if int(stop.Index) >= len(message.Content) {
			continue
		}

		switch block := message.Content[stop.Index].AsAny().(type) {
		case anthropic.TextBlock:
			if block.Text == "" {
				continue
			}
			texts = append(texts, block.Text)
			if err := emit(engine.NewMessageEvent(req.TaskID, req.RunID, engine.RoleAssistant, block.Text)); err != nil {
				return nil, err
			}
		case anthropic.ToolUseBlock:
			input := json.RawMessage(block.JSON.Input.Raw())
			if err := emit(engine.NewToolUseEvent(req.TaskID, req.RunID, block.ID, block.Name, input)); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("stream: %w", err)
	}

	return &engine.Outcome{
		Result:     strings.Join(texts, "\n\n"),
		StopReason: string(message.StopReason),
	}, nil
}
