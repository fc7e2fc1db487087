package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockProvider returns predictable, deterministic responses for tests and
// local development without a reachable model backend.
type MockProvider struct {
	model      string
	ChatFunc   func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	EmbedFunc  func(ctx context.Context, text string) ([]float32, error)
	EmbedDim   int
}

// NewMockProvider constructs a MockProvider with a fixed embedding dimension.
func NewMockProvider(model string) *MockProvider {
	if model == "" {
		model = "mock-model"
	}
	return &MockProvider{model: model, EmbedDim: 8}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.ChatFunc != nil {
		return p.ChatFunc(ctx, req)
	}
	lastMsg := ""
	if len(req.Messages) > 0 {
		lastMsg = req.Messages[len(req.Messages)-1].Content
	}
	return &ChatResponse{
		Message:      Message{Role: "assistant", Content: fmt.Sprintf("[mock] response to: %.50s", lastMsg)},
		Model:        p.model,
		PromptTokens: 50,
		OutputTokens: 20,
		TotalTokens:  70,
		Duration:     time.Millisecond,
		Done:         true,
	}, nil
}

func (p *MockProvider) Stream(ctx context.Context, req ChatRequest, out chan<- Delta) error {
	defer close(out)
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return err
	}
	words := strings.Fields(resp.Message.Content)
	for _, w := range words {
		select {
		case out <- Delta{Content: w + " "}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	out <- Delta{Done: true, Final: resp}
	return nil
}

func (p *MockProvider) CountTokens(ctx context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// Embed produces a deterministic pseudo-embedding from text content so
// tests can assert on similarity without a real model.
func (p *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	return hashEmbedding(text, p.EmbedDim), nil
}

func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *MockProvider) Dimensions() int {
	if p.EmbedDim == 0 {
		return 8
	}
	return p.EmbedDim
}

func hashEmbedding(text string, dim int) []float32 {
	v := make([]float32, dim)
	h := uint32(2166136261)
	for _, b := range []byte(text) {
		h ^= uint32(b)
		h *= 16777619
		v[int(h)%dim] += 1
	}
	return v
}
