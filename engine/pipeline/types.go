// Package pipeline implements the fixed QA/Grading/ImageProcessing
// pipelines and the ReAct agent loop that turn a user prompt into a
// streamed assistant message, enforcing token budgets, optional safety
// checks, and A/B paired execution along the way.
package pipeline

import (
	"context"
	"time"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/engine/index"
	"github.com/sablehq/sable/pkg/llm"
	"github.com/sablehq/sable/pkg/resilience"
)

// Sink receives the wire-level trace events a turn produces, decoupling
// pipeline execution from the HTTP/SSE transport and from chat-store
// persistence — both subscribe independently.
type Sink interface {
	Chunk(content string) error
	ToolCall(toolCallID, toolName string, toolArgs map[string]any, timestamp time.Time) error
	ToolOutput(toolCallID, output string, truncated bool, fullLength int) error
	ToolEnd(toolCallID, status string, duration time.Duration) error
	Error(status int, message string) error
	Done(messageID int64, traceID string) error
}

// TurnRequest carries everything a pipeline needs to answer one user turn.
type TurnRequest struct {
	ConversationID int64
	TraceID        string
	Question       string
	History        []domain.Message
	EnabledFilter  index.Filter
	ConfigTag      string // "model_a" / "model_b" when running under A/B, else ""
}

// PipelineOutput is the structured result of a fixed pipeline run,
// including intermediate steps preserved for audit.
type PipelineOutput struct {
	Text              string
	SourceDocuments   []index.Scored
	Metadata          map[string]any
	IntermediateSteps map[string]string
	Partial           bool
}

// Deps bundles the shared collaborators every pipeline variant needs.
// Breaker and Limiter are optional: when set, every outbound call to
// Provider or Embedder is routed through them so a struggling model
// backend degrades by tripping the breaker rather than stacking up
// timeouts across every concurrent turn.
type Deps struct {
	Provider llm.Provider
	Embedder llm.EmbedProvider
	Search   *index.HybridSearcher
	Budget   TokenLimiter
	Breaker  *resilience.Breaker
	Limiter  *resilience.Limiter
}

// chat runs Provider.Chat guarded by the configured limiter/breaker.
func (d Deps) chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if d.Limiter != nil && !d.Limiter.Allow() {
		return nil, resilience.ErrRateLimited
	}
	if d.Breaker == nil {
		return d.Provider.Chat(ctx, req)
	}
	var resp *llm.ChatResponse
	err := d.Breaker.Call(ctx, func(ctx context.Context) error {
		r, err := d.Provider.Chat(ctx, req)
		resp = r
		return err
	})
	return resp, err
}

// stream runs Provider.Stream guarded by the configured limiter/breaker.
// Provider.Stream always closes out before returning; when this call is
// rejected before reaching the provider, stream closes out itself so
// callers ranging over it never block.
func (d Deps) stream(ctx context.Context, req llm.ChatRequest, out chan<- llm.Delta) error {
	if d.Limiter != nil && !d.Limiter.Allow() {
		close(out)
		return resilience.ErrRateLimited
	}
	if d.Breaker == nil {
		return d.Provider.Stream(ctx, req, out)
	}
	if d.Breaker.State() == resilience.StateOpen {
		close(out)
		return resilience.ErrCircuitOpen
	}
	return d.Breaker.Call(ctx, func(ctx context.Context) error {
		return d.Provider.Stream(ctx, req, out)
	})
}

// boundEmbedder returns an llm.EmbedProvider wrapping d.Embedder with the
// same breaker/limiter guards, or d.Embedder unchanged when neither is
// configured.
func (d Deps) boundEmbedder() llm.EmbedProvider {
	if d.Breaker == nil && d.Limiter == nil {
		return d.Embedder
	}
	return guardedEmbedder{inner: d.Embedder, breaker: d.Breaker, limiter: d.Limiter}
}

type guardedEmbedder struct {
	inner   llm.EmbedProvider
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

func (g guardedEmbedder) Dimensions() int { return g.inner.Dimensions() }

func (g guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return nil, resilience.ErrRateLimited
	}
	if g.breaker == nil {
		return g.inner.Embed(ctx, text)
	}
	var vec []float32
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := g.inner.Embed(ctx, text)
		vec = v
		return err
	})
	return vec, err
}

func (g guardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return nil, resilience.ErrRateLimited
	}
	if g.breaker == nil {
		return g.inner.EmbedBatch(ctx, texts)
	}
	var vecs [][]float32
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := g.inner.EmbedBatch(ctx, texts)
		vecs = v
		return err
	})
	return vecs, err
}

// TurnCancel is the cooperative cancellation token checked at suspension
// points within a turn: before each model call, between
// streamed chunks, and before each tool call. It layers on top of
// context.Context cancellation so a caller can distinguish "the whole
// request timed out" from "the user asked to stop this turn".
type TurnCancel struct {
	ch chan struct{}
}

// NewTurnCancel constructs an armed TurnCancel.
func NewTurnCancel() *TurnCancel {
	return &TurnCancel{ch: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call more than once.
func (t *TurnCancel) Cancel() {
	select {
	case <-t.ch:
	default:
		close(t.ch)
	}
}

// Cancelled reports whether Cancel has been called.
func (t *TurnCancel) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}
