package pipeline

import (
	"context"
	"testing"

	"github.com/sablehq/sable/pkg/llm"
)

func TestVisionPipelineRun(t *testing.T) {
	provider := llm.NewMockProvider("vision-model")
	deps := Deps{Provider: provider}
	p := NewVisionPipeline(deps, "vision-model")

	req := VisionRequest{
		Prompt: "What does this gauge read?",
		Images: []llm.Image{{MimeType: "image/png", Data: []byte("fake-png-bytes")}},
	}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected extracted text")
	}
	if out.Metadata["image_count"] != 1 {
		t.Fatalf("expected image_count=1, got %v", out.Metadata["image_count"])
	}
}

func TestVisionPipelineRejectsNoImages(t *testing.T) {
	provider := llm.NewMockProvider("vision-model")
	deps := Deps{Provider: provider}
	p := NewVisionPipeline(deps, "vision-model")

	_, err := p.Run(context.Background(), VisionRequest{Prompt: "describe this"})
	if err == nil {
		t.Fatal("expected error when no images are supplied")
	}
}
