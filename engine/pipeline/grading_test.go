package pipeline

import (
	"context"
	"testing"

	"github.com/sablehq/sable/pkg/llm"
)

func TestGradingPipelineFullChain(t *testing.T) {
	provider := llm.NewMockProvider("grader-model")
	deps := Deps{Provider: provider, Embedder: provider, Search: newTestSearcher(t)}
	p := NewGradingPipeline(deps, "grader-model")

	req := GradingRequest{
		Submission:  "The ECU reads sensor input and adjusts the fuel map accordingly.",
		Rubric:      GradingRubric{Name: "ECU Basics", Criteria: "Explains sensor feedback loop"},
		RunSummary:  true,
		RunRefs:     true,
		RunAnalysis: true,
	}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected a final grade")
	}
	for _, key := range []string{"summary", "refs", "analysis", "final_grade"} {
		if _, ok := out.IntermediateSteps[key]; !ok {
			t.Fatalf("expected intermediate step %q to be recorded", key)
		}
	}
}

func TestGradingPipelineOnlyFinalGradeRequired(t *testing.T) {
	provider := llm.NewMockProvider("grader-model")
	deps := Deps{Provider: provider, Embedder: provider}
	p := NewGradingPipeline(deps, "grader-model")

	req := GradingRequest{
		Submission: "minimal submission",
		Rubric:     GradingRubric{Name: "basic", Criteria: "covers the topic"},
	}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text == "" {
		t.Fatal("expected a final grade even with every optional chain disabled")
	}
	if len(out.IntermediateSteps) != 1 {
		t.Fatalf("expected only final_grade recorded, got %v", out.IntermediateSteps)
	}
}
