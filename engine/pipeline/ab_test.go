package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestRunPairedTagsBothVariants(t *testing.T) {
	var tagsUsed []string
	sinkFor := func(tag string) Sink {
		tagsUsed = append(tagsUsed, tag)
		return &fakeSink{}
	}

	a := Variant{
		ConfigTag: "model_a",
		Run: func(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error) {
			return PipelineOutput{Text: "answer from a"}, nil
		},
	}
	b := Variant{
		ConfigTag: "model_b",
		Run: func(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error) {
			return PipelineOutput{Text: "answer from b"}, nil
		},
	}

	result, err := RunPaired(context.Background(), TurnRequest{Question: "q"}, a, b, sinkFor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.A.Text != "answer from a" || result.B.Text != "answer from b" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(tagsUsed) != 2 {
		t.Fatalf("expected a sink to be requested for each variant, got %v", tagsUsed)
	}
}

func TestRunPairedPropagatesEitherSideError(t *testing.T) {
	a := Variant{
		ConfigTag: "model_a",
		Run: func(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error) {
			return PipelineOutput{}, errors.New("model a exploded")
		},
	}
	b := Variant{
		ConfigTag: "model_b",
		Run: func(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error) {
			return PipelineOutput{Text: "fine"}, nil
		},
	}

	_, err := RunPaired(context.Background(), TurnRequest{Question: "q"}, a, b, func(string) Sink { return &fakeSink{} })
	if err == nil {
		t.Fatal("expected an error when one variant fails")
	}
}
