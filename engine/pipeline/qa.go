package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/engine/index"
	"github.com/sablehq/sable/pkg/llm"
)

// QAPromptTemplates holds the two prompt scaffolds the QA pipeline fills
// in: one to condense conversation history plus the latest question into
// a self-contained query, one to answer using the retrieved documents.
type QAPromptTemplates struct {
	CondenseSystem string
	ChatSystem     string
}

// DefaultQAPromptTemplates is the built-in prompt set: a fixed system
// prompt per stage, no externalized template file.
func DefaultQAPromptTemplates() QAPromptTemplates {
	return QAPromptTemplates{
		CondenseSystem: "Given the conversation so far, rewrite the user's latest message as a " +
			"standalone question that can be understood without the history. Return only the question.",
		ChatSystem: "Answer the user's question using ONLY the provided context. If the context " +
			"does not contain enough information, say so. Cite sources using [resource_hash#chunk_index].",
	}
}

// QAPipeline is the condense -> hybrid_search -> chat fixed pipeline:
// the conversation history is condensed into a standalone question, the
// hybrid retriever is queried under the conversation's document filter,
// and the answer is streamed from the chat model with the retrieved
// context injected.
type QAPipeline struct {
	deps      Deps
	templates QAPromptTemplates
	condenseModel string
	chatModel     string
	topK          int
	logger        *slog.Logger
}

// NewQAPipeline constructs a QAPipeline. condenseModel/chatModel select
// the model names passed to the respective llm.ChatRequest.
func NewQAPipeline(deps Deps, condenseModel, chatModel string, topK int, logger *slog.Logger) *QAPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = 5
	}
	return &QAPipeline{
		deps:          deps,
		templates:     DefaultQAPromptTemplates(),
		condenseModel: condenseModel,
		chatModel:     chatModel,
		topK:          topK,
		logger:        logger,
	}
}

// Run executes one QA turn, streaming answer chunks to sink and returning
// the final structured output.
func (p *QAPipeline) Run(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error) {
	question := req.Question

	condensed, err := p.condense(ctx, req.History, question)
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("pipeline: condense: %w", err)
	}

	docs, err := p.deps.Search.HybridSearch(ctx, llm.Bind(ctx, p.deps.boundEmbedder()), condensed, p.topK, req.EnabledFilter)
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("pipeline: hybrid search: %w", err)
	}

	pruned, err := p.deps.Budget.Prune(ctx, PromptInputs{
		Question:   question,
		Unprunable: []string{condensed},
		History:    req.History,
		Documents:  [][]string{docTexts(docs)},
		MinDocs:    1,
	})
	if err != nil {
		if IsInputSizeWarning(err) {
			return PipelineOutput{}, err
		}
		return PipelineOutput{}, fmt.Errorf("pipeline: prune: %w", err)
	}

	chatPrompt := buildChatPrompt(p.templates.ChatSystem, question, pruned.Documents[0])
	var text strings.Builder
	out := make(chan llm.Delta, 16)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- p.deps.stream(ctx, llm.ChatRequest{
			Messages: chatPrompt,
			Model:    p.chatModel,
		}, out)
	}()
	for delta := range out {
		if delta.Content == "" {
			continue
		}
		text.WriteString(delta.Content)
		if err := sink.Chunk(delta.Content); err != nil {
			return PipelineOutput{}, err
		}
	}
	if err := <-streamErr; err != nil {
		return PipelineOutput{}, fmt.Errorf("pipeline: chat stream: %w", err)
	}

	// Ordered parallel to SourceDocuments; an empty corpus yields [].
	retrieverScores := make([]float64, len(docs))
	for i, d := range docs {
		retrieverScores[i] = d.Score
	}

	return PipelineOutput{
		Text:            text.String(),
		SourceDocuments: docs,
		Metadata: map[string]any{
			"retriever_scores": retrieverScores,
			"condensed":        condensed,
			"question":         question,
		},
	}, nil
}

// condense renders the condensation prompt over history and returns the
// standalone question. An empty history condenses to the question
// unchanged — there is nothing to resolve.
func (p *QAPipeline) condense(ctx context.Context, history []domain.Message, question string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: p.templates.CondenseSystem})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: historyRole(m.Sender), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})

	resp, err := p.deps.chat(ctx, llm.ChatRequest{Messages: messages, Model: p.condenseModel})
	if err != nil {
		return "", err
	}
	q := strings.TrimSpace(resp.Message.Content)
	if q == "" {
		return question, nil
	}
	return q, nil
}

func historyRole(s domain.Sender) string {
	switch s {
	case domain.SenderAssistant:
		return "assistant"
	case domain.SenderSystem:
		return "system"
	default:
		return "user"
	}
}

func buildChatPrompt(systemPrompt, question string, docs []string) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	if len(docs) > 0 {
		var ctxBuilder strings.Builder
		ctxBuilder.WriteString("Context:\n")
		for _, d := range docs {
			ctxBuilder.WriteString(d)
			ctxBuilder.WriteString("\n---\n")
		}
		messages = append(messages, llm.Message{Role: "system", Content: ctxBuilder.String()})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return messages
}

func docTexts(docs []index.Scored) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = fmt.Sprintf("[%s] %s", docKey(d), d.Document.Text)
	}
	return out
}

func docKey(d index.Scored) string {
	return fmt.Sprintf("%s#%d", d.Document.ResourceHash, d.Document.ChunkIndex)
}
