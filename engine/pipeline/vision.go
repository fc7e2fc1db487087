package pipeline

import (
	"context"
	"fmt"

	"github.com/sablehq/sable/pkg/llm"
)

// VisionRequest carries a vision-model turn: a prompt plus a set of
// images. Images bypass token budgeting entirely —
// TokenLimiter is never consulted for this pipeline.
type VisionRequest struct {
	Prompt string
	Images []llm.Image
}

// VisionPipeline forwards images[] through a vision-capable model
// alongside a prompt and returns the extracted text. It
// has no retrieval or history stage — it is the simplest of the fixed
// pipelines.
type VisionPipeline struct {
	deps  Deps
	model string
}

// NewVisionPipeline constructs a VisionPipeline bound to model, a vision-
// capable model name understood by deps.Provider.
func NewVisionPipeline(deps Deps, model string) *VisionPipeline {
	return &VisionPipeline{deps: deps, model: model}
}

// Run sends req to the vision model and returns the extracted text.
func (p *VisionPipeline) Run(ctx context.Context, req VisionRequest) (PipelineOutput, error) {
	if len(req.Images) == 0 {
		return PipelineOutput{}, fmt.Errorf("pipeline: vision request has no images")
	}

	resp, err := p.deps.chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: req.Prompt, Images: req.Images}},
		Model:    p.model,
	})
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("pipeline: vision chat: %w", err)
	}

	return PipelineOutput{
		Text: resp.Message.Content,
		Metadata: map[string]any{
			"image_count": len(req.Images),
		},
	}, nil
}
