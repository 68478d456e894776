package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"relay/internal/engine"
	"relay/internal/logging"
	"relay/internal/workdir"
)

// CLIExecutor runs a task by spawning the provider's command-line binary in
// non-interactive streaming mode and translating its newline-delimited JSON
// output into activity events.
type CLIExecutor struct {
	binary         string
	extraArgs      []string
	defaultWorkdir string
	logger         logging.Logger
}

// NewCLIExecutor configures the subprocess executor. binary defaults to
// "claude" when empty.
func NewCLIExecutor(binary string, extraArgs []string, defaultWorkdir string) *CLIExecutor {
	if binary == "" {
		binary = "claude"
	}
	return &CLIExecutor{
		binary:         binary,
		extraArgs:      extraArgs,
		defaultWorkdir: defaultWorkdir,
		logger:         logging.NewComponentLogger("CLIExecutor"),
	}
}

// Kind implements engine.Executor.
func (e *CLIExecutor) Kind() string { return KindCLI }

// Run spawns the binary and streams its output into events. The subprocess
// exit code is the sole failure signal: a zero exit completes the task even
// when individual lines failed to parse, and a non-zero exit fails it with
// every event published so far left intact.
func (e *CLIExecutor) Run(ctx context.Context, req engine.ExecRequest, emit engine.EmitFunc) (*engine.Outcome, error) {
	dir, err := workdir.Resolve(req.Workdir, e.defaultWorkdir)
	if err != nil {
		return nil, err
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	args = append(args, e.extraArgs...)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}
	e.logger.Info("Spawned %s for task %s in %s", e.binary, req.TaskID, dir)

	run := &cliRun{req: req, emit: emit, logger: e.logger}
	splitter := NewLineSplitter(run.handleLine)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(splitter, stdout); err != nil {
			e.logger.Warn("Reading %s stdout for task %s: %v", e.binary, req.TaskID, err)
		}
	}()
	go func() {
		defer wg.Done()
		// Diagnostics only; surfaced as system messages, never fatal.
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			run.emitEvent(engine.NewMessageEvent(req.TaskID, req.RunID, engine.RoleSystem, line))
		}
	}()

	wg.Wait()
	// Whatever is left in the buffer goes through the same parse-or-fallback
	// path before the terminal transition.
	splitter.Flush()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %w", e.binary, waitErr)
	}
	if err := run.firstEmitErr(); err != nil {
		return nil, err
	}
	return &engine.Outcome{Result: run.result, StopReason: run.stopReason()}, nil
}

// cliRun accumulates per-run parsing state. emitEvent is called from both
// the stdout and stderr readers, so the error slot is mutex-guarded.
type cliRun struct {
	req    engine.ExecRequest
	emit   engine.EmitFunc
	logger logging.Logger

	mu      sync.Mutex
	emitErr error

	result      string
	resultSeen  bool
	resultError bool
}

func (r *cliRun) stopReason() string {
	if !r.resultSeen {
		return ""
	}
	if r.resultError {
		return "error"
	}
	return "success"
}

func (r *cliRun) emitEvent(event *engine.Event) {
	if err := r.emit(event); err != nil {
		r.mu.Lock()
		if r.emitErr == nil {
			r.emitErr = err
		}
		r.mu.Unlock()
		r.logger.Error("Publishing event for task %s: %v", r.req.TaskID, err)
	}
}

func (r *cliRun) firstEmitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitErr
}

// handleLine parses one complete output line as a stream-json envelope and
// maps it to events. Lines that do not parse are surfaced verbatim as system
// messages so nothing the subprocess said is silently dropped.
func (r *cliRun) handleLine(line string) {
	var env streamEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Type == "" {
		r.emitEvent(engine.NewMessageEvent(r.req.TaskID, r.req.RunID, engine.RoleSystem, line))
		return
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" {
			text := "session started"
			if env.Model != "" {
				text = fmt.Sprintf("session started (model %s)", env.Model)
			}
			r.emitEvent(engine.NewMessageEvent(r.req.TaskID, r.req.RunID, engine.RoleSystem, text))
		}

	case "assistant":
		if env.Message == nil {
			return
		}
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					r.emitEvent(engine.NewMessageEvent(r.req.TaskID, r.req.RunID, engine.RoleAssistant, block.Text))
				}
			case "tool_use":
				r.emitEvent(engine.NewToolUseEvent(r.req.TaskID, r.req.RunID, block.ID, block.Name, block.Input))
			}
		}

	case "user":
		if env.Message == nil {
			return
		}
		for _, block := range env.Message.Content {
			if block.Type == "tool_result" {
				r.emitEvent(engine.NewToolResultEvent(r.req.TaskID, r.req.RunID, block.ToolUseID, block.resultText(), block.IsError))
			}
		}

	case "result":
		r.resultSeen = true
		r.resultError = env.IsError
		r.result = env.Result
		if env.Result != "" {
			r.emitEvent(engine.NewMessageEvent(r.req.TaskID, r.req.RunID, engine.RoleAssistant, env.Result))
		}

	default:
		// Unknown envelope type from a newer CLI; surface it rather than drop.
		r.emitEvent(engine.NewMessageEvent(r.req.TaskID, r.req.RunID, engine.RoleSystem, line))
	}
}
