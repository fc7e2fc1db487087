package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sablehq/sable/pkg/llm"
)

// Tool is a callable the agent loop may invoke. Args are the model's
// proposed arguments for one invocation; Execute returns the tool's
// textual result.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolCallPreviewLimit bounds the tool_output preview length emitted to
// the sink; outputs longer than this are truncated with truncated=true,
// fullLength carrying the untruncated size.
const ToolCallPreviewLimit = 4000

// AgentConfig configures one ReAct agent loop run.
type AgentConfig struct {
	SystemPrompt string
	Model        string
	Tools        []Tool
	MaxToolSteps int
	ToolTimeout  time.Duration
}

// AgentPipeline is the ReAct executor: model -> (tool-invocation |
// final). Each step streams one model turn, executes any proposed tool
// calls under a per-tool timeout, appends the results, and re-invokes
// the model until it answers with no pending tool call.
type AgentPipeline struct {
	deps   Deps
	config AgentConfig
	logger *slog.Logger
}

// NewAgentPipeline constructs an AgentPipeline. Defaults MaxToolSteps to
// 10 and ToolTimeout to 30s when unset.
func NewAgentPipeline(deps Deps, config AgentConfig, logger *slog.Logger) *AgentPipeline {
	if config.MaxToolSteps <= 0 {
		config.MaxToolSteps = 10
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentPipeline{deps: deps, config: config, logger: logger}
}

// Run executes the agent loop for req, streaming events to sink and
// cooperatively honoring cancel at each suspension point: before each
// model call, between streamed chunks, and before each tool call. On
// cancellation the buffered text-so-far is returned as a partial output.
func (p *AgentPipeline) Run(ctx context.Context, req TurnRequest, sink Sink, cancel *TurnCancel) (PipelineOutput, error) {
	messages := p.seedMessages(req)
	var finalText strings.Builder

	for step := 0; step < p.config.MaxToolSteps; step++ {
		if cancel.Cancelled() {
			return p.partial(finalText.String()), nil
		}

		text, toolCalls, err := p.invokeModel(ctx, messages, sink, cancel)
		if err != nil {
			return PipelineOutput{}, fmt.Errorf("pipeline: agent model call: %w", err)
		}
		finalText.WriteString(text)
		if cancel.Cancelled() {
			return p.partial(finalText.String()), nil
		}

		if len(toolCalls) == 0 {
			return PipelineOutput{
				Text:     finalText.String(),
				Metadata: map[string]any{"tool_steps": step},
			}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: text})

		for _, call := range toolCalls {
			if cancel.Cancelled() {
				return p.partial(finalText.String()), nil
			}
			result := p.runTool(ctx, call, sink)
			messages = append(messages, llm.Message{
				Role:    "tool",
				Content: fmt.Sprintf("[%s] %s", call.Name, result),
			})
		}
	}

	return PipelineOutput{
		Text:     finalText.String(),
		Metadata: map[string]any{"tool_steps": p.config.MaxToolSteps, "max_steps_reached": true},
	}, nil
}

func (p *AgentPipeline) partial(text string) PipelineOutput {
	return PipelineOutput{Text: text, Partial: true}
}

func (p *AgentPipeline) seedMessages(req TurnRequest) []llm.Message {
	messages := make([]llm.Message, 0, len(req.History)+2)
	if p.config.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: p.config.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, llm.Message{Role: historyRole(m.Sender), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Question})
	return messages
}

// toolCallRequest is a model-proposed invocation of one tool.
type toolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// invokeModel streams one model turn, emitting chunk events for text
// deltas. Real tool-calling wire formats vary by provider; this
// implementation recognizes only a deterministic textual convention
// (`TOOL_CALL: name {json-args}` on its own line) in the streamed text.
// The pkg/llm providers send no native tool definitions and do not
// translate native tool calls into this form.
func (p *AgentPipeline) invokeModel(ctx context.Context, messages []llm.Message, sink Sink, cancel *TurnCancel) (string, []toolCallRequest, error) {
	out := make(chan llm.Delta, 16)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- p.deps.stream(ctx, llm.ChatRequest{Messages: messages, Model: p.config.Model}, out)
	}()

	var text strings.Builder
	for delta := range out {
		if cancel.Cancelled() {
			continue
		}
		if delta.Content == "" {
			continue
		}
		text.WriteString(delta.Content)
		if err := sink.Chunk(delta.Content); err != nil {
			return text.String(), nil, err
		}
	}
	if err := <-streamErr; err != nil {
		return "", nil, err
	}

	calls := parseToolCalls(text.String())
	for _, c := range calls {
		if err := sink.ToolCall(c.ID, c.Name, c.Args, time.Now().UTC()); err != nil {
			return text.String(), nil, err
		}
	}
	return text.String(), calls, nil
}

func (p *AgentPipeline) runTool(ctx context.Context, call toolCallRequest, sink Sink) string {
	tool := p.findTool(call.Name)
	if tool == nil {
		p.logger.Warn("agent: unknown tool requested", "tool", call.Name)
		sink.ToolEnd(call.ID, "error", 0)
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}

	toolCtx, cancelFn := context.WithTimeout(ctx, p.config.ToolTimeout)
	defer cancelFn()

	start := time.Now()
	output, err := tool.Execute(toolCtx, call.Args)
	duration := time.Since(start)

	status := "ok"
	switch {
	case err == context.DeadlineExceeded:
		status = "timeout"
	case err == context.Canceled:
		status = "cancelled"
	case err != nil:
		status = "error"
		output = err.Error()
	}

	preview, truncated, fullLength := truncatePreview(output)
	if serr := sink.ToolOutput(call.ID, preview, truncated, fullLength); serr != nil {
		p.logger.Error("agent: tool output sink error", "err", serr)
	}
	if serr := sink.ToolEnd(call.ID, status, duration); serr != nil {
		p.logger.Error("agent: tool end sink error", "err", serr)
	}
	return output
}

func (p *AgentPipeline) findTool(name string) Tool {
	for _, t := range p.config.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func truncatePreview(output string) (preview string, truncated bool, fullLength int) {
	fullLength = len(output)
	if fullLength <= ToolCallPreviewLimit {
		return output, false, fullLength
	}
	return output[:ToolCallPreviewLimit], true, fullLength
}

// parseToolCalls recognizes the `TOOL_CALL: name {json}` convention used
// by this platform's model adapters to surface a proposed tool call as
// plain text. Real deployments route structured tool calls from the
// provider's native response format through this same shape before the
// agent loop ever sees them.
func parseToolCalls(text string) []toolCallRequest {
	var calls []toolCallRequest
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "TOOL_CALL:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "TOOL_CALL:"))
		name, argsStr, _ := strings.Cut(rest, " ")
		args := parseArgsJSON(argsStr)
		calls = append(calls, toolCallRequest{ID: uuid.New().String(), Name: name, Args: args})
	}
	return calls
}

func parseArgsJSON(s string) map[string]any {
	if s == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{"raw": s}
	}
	return out
}
