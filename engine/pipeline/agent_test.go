package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/llm"
)

type echoTool struct {
	calls int
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes back its input" }
func (e *echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	e.calls++
	return "echoed", nil
}

type failingTool struct{}

func (failingTool) Name() string        { return "boom" }
func (failingTool) Description() string { return "always fails" }
func (failingTool) Execute(context.Context, map[string]any) (string, error) {
	return "", errors.New("boom failed")
}

func TestAgentPipelineNoToolCallsTerminatesImmediately(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{SystemPrompt: "you are a helper", MaxToolSteps: 3}, nil)

	req := TurnRequest{Question: "hello there"}
	sink := &fakeSink{}
	out, err := p.Run(context.Background(), req, sink, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected final text")
	}
	if sink.toolCalls != 0 {
		t.Fatalf("expected no tool calls, got %d", sink.toolCalls)
	}
	if out.Metadata["tool_steps"] != 0 {
		t.Fatalf("expected tool_steps=0, got %v", out.Metadata["tool_steps"])
	}
}

func TestAgentPipelineExecutesToolThenFinishes(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	step := 0
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		step++
		if step == 1 {
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "TOOL_CALL: echo {\"q\":\"x\"}"}}, nil
		}
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "final answer"}}, nil
	}

	tool := &echoTool{}
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{Tools: []Tool{tool}, MaxToolSteps: 5}, nil)

	req := TurnRequest{Question: "use the echo tool"}
	sink := &fakeSink{}
	out, err := p.Run(context.Background(), req, sink, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tool.calls != 1 {
		t.Fatalf("expected the tool to be invoked once, got %d", tool.calls)
	}
	if sink.toolCalls != 1 {
		t.Fatalf("expected one tool_call event, got %d", sink.toolCalls)
	}
	if out.Text == "" {
		t.Fatal("expected non-empty final text")
	}
}

func TestAgentPipelineStopsAtMaxToolSteps(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "TOOL_CALL: echo {}"}}, nil
	}
	tool := &echoTool{}
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{Tools: []Tool{tool}, MaxToolSteps: 2}, nil)

	out, err := p.Run(context.Background(), TurnRequest{Question: "loop forever"}, &fakeSink{}, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Metadata["max_steps_reached"] != true {
		t.Fatalf("expected max_steps_reached flag, got %v", out.Metadata)
	}
	if tool.calls != 2 {
		t.Fatalf("expected exactly MaxToolSteps tool invocations, got %d", tool.calls)
	}
}

func TestAgentPipelineCancellationReturnsPartial(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{MaxToolSteps: 3}, nil)

	cancel := NewTurnCancel()
	cancel.Cancel()

	out, err := p.Run(context.Background(), TurnRequest{Question: "hi"}, &fakeSink{}, cancel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Partial {
		t.Fatal("expected a partial output once cancelled")
	}
}

func TestAgentPipelineUnknownToolStillTerminates(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	step := 0
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		step++
		if step == 1 {
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "TOOL_CALL: nonexistent {}"}}, nil
		}
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}}, nil
	}
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{MaxToolSteps: 5}, nil)

	out, err := p.Run(context.Background(), TurnRequest{Question: "call a missing tool"}, &fakeSink{}, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected the loop to still terminate with final text")
	}
}

func TestAgentPipelineToolFailureIsFedBackAsResult(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	step := 0
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		step++
		if step == 1 {
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "TOOL_CALL: boom {}"}}, nil
		}
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "recovered"}}, nil
	}
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{Tools: []Tool{failingTool{}}, MaxToolSteps: 5}, nil)

	out, err := p.Run(context.Background(), TurnRequest{Question: "trigger the failing tool"}, &fakeSink{}, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected the loop to recover and produce final text")
	}
}

func TestAgentPipelineSeedsHistoryRoles(t *testing.T) {
	provider := llm.NewMockProvider("agent-model")
	var seen []llm.Message
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		seen = req.Messages
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "ok"}}, nil
	}
	deps := Deps{Provider: provider}
	p := NewAgentPipeline(deps, AgentConfig{SystemPrompt: "sys"}, nil)

	req := TurnRequest{
		Question: "q",
		History: []domain.Message{
			{Sender: domain.SenderUser, Content: "earlier question"},
			{Sender: domain.SenderAssistant, Content: "earlier answer"},
		},
	}
	_, err := p.Run(context.Background(), req, &fakeSink{}, NewTurnCancel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 4 { // system + 2 history + question
		t.Fatalf("expected 4 seed messages, got %d", len(seen))
	}
	if seen[0].Role != "system" || seen[1].Role != "user" || seen[2].Role != "assistant" || seen[3].Role != "user" {
		t.Fatalf("unexpected role sequence: %+v", seen)
	}
}
