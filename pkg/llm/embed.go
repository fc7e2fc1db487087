package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// EmbedProvider produces dense vectors for text. It is a capability
// distinct from Provider: a deployment may run a chat model on Anthropic
// while embedding locally through Ollama, so the two are selected and
// configured independently.
type EmbedProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

var embedRegistry = map[string]func(Config) (EmbedProvider, error){
	"ollama": newOllamaEmbedder,
	"local":  newOllamaEmbedder,
	"":       newOllamaEmbedder,
	"openai": newOpenAIEmbedder,
	"mock":   func(cfg Config) (EmbedProvider, error) { return NewMockProvider(cfg.DefaultModel), nil },
	"test":   func(cfg Config) (EmbedProvider, error) { return NewMockProvider(cfg.DefaultModel), nil },
}

// NewEmbedder constructs an EmbedProvider by the same type tag convention
// as NewProvider.
func NewEmbedder(cfg Config) (EmbedProvider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	factory, ok := embedRegistry[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("llm: unknown embedding provider type %q (supported: ollama, openai, mock)", cfg.Type)
	}
	return factory(cfg)
}

// Bind fixes ctx for an EmbedProvider so it satisfies the context-less
// single-text Embed(text) signature that engine/index.Embedder expects at
// query time, where the caller already holds a request-scoped context but
// the fan-in search path predates it.
func Bind(ctx context.Context, e EmbedProvider) *BoundEmbedder {
	return &BoundEmbedder{ctx: ctx, inner: e}
}

// BoundEmbedder adapts an EmbedProvider to engine/index.Embedder and
// engine/index.BatchEmbedder.
type BoundEmbedder struct {
	ctx   context.Context
	inner EmbedProvider
}

func (b *BoundEmbedder) Embed(text string) ([]float32, error) {
	return b.inner.Embed(b.ctx, text)
}

func (b *BoundEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return b.inner.EmbedBatch(ctx, texts)
}

// ---- Ollama embedding backend ----

type ollamaEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func newOllamaEmbedder(cfg Config) (EmbedProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = os.Getenv("OLLAMA_EMBED_MODEL")
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &ollamaEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (e *ollamaEmbedder) Dimensions() int { return e.dim }

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch uses Ollama's /api/embed endpoint, which accepts an array of
// inputs and returns one embedding per input in the same order.
func (e *ollamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{"model": e.model, "input": texts}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama embed error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}
	if len(result.Embeddings[0]) > 0 {
		e.dim = len(result.Embeddings[0])
	}
	return result.Embeddings, nil
}

// ---- OpenAI embedding backend ----

type openaiEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

func newOpenAIEmbedder(cfg Config) (EmbedProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openaiEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (e *openaiEmbedder) Dimensions() int { return e.dim }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{"model": e.model, "input": texts}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai embed error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	if len(out) > 0 && len(out[0]) > 0 {
		e.dim = len(out[0])
	}
	return out, nil
}
