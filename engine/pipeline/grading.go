package pipeline

import (
	"context"
	"fmt"

	"github.com/sablehq/sable/pkg/llm"
)

// GradingRubric is the evaluation criteria supplied for one grading run.
type GradingRubric struct {
	Name     string
	Criteria string
}

// GradingRequest carries the submission to grade plus the rubric it is
// graded against. Each chain in the sequence is optional
// except FinalGrade, which is always run.
type GradingRequest struct {
	Submission    string
	Rubric        GradingRubric
	RunSummary    bool
	RunRefs       bool
	RunAnalysis   bool
	RefsTopK      int
}

// GradingPipeline chains summary_chain -> semantic_search ->
// analysis_chain -> final_grade_chain, with every intermediate output
// preserved for audit.
type GradingPipeline struct {
	deps  Deps
	model string
}

// NewGradingPipeline constructs a GradingPipeline using model for every
// chain; there is no per-chain model selection.
func NewGradingPipeline(deps Deps, model string) *GradingPipeline {
	return &GradingPipeline{deps: deps, model: model}
}

// Run executes the grading chain sequence and returns the final grade
// plus every intermediate step for audit.
func (p *GradingPipeline) Run(ctx context.Context, req GradingRequest) (PipelineOutput, error) {
	steps := map[string]string{}

	summary := ""
	if req.RunSummary {
		s, err := p.chatOnce(ctx, "Summarize the following submission concisely.", req.Submission)
		if err != nil {
			return PipelineOutput{}, fmt.Errorf("pipeline: summary_chain: %w", err)
		}
		summary = s
		steps["summary"] = summary
	}

	var refs []string
	if req.RunRefs && p.deps.Search != nil {
		k := req.RefsTopK
		if k <= 0 {
			k = 5
		}
		docs, err := p.deps.Search.HybridSearch(ctx, llm.Bind(ctx, p.deps.boundEmbedder()), req.Submission, k, nil)
		if err != nil {
			return PipelineOutput{}, fmt.Errorf("pipeline: semantic_search: %w", err)
		}
		refs = docTexts(docs)
		steps["refs"] = joinLines(refs)
	}

	analysis := ""
	if req.RunAnalysis {
		prompt := fmt.Sprintf("Rubric: %s\n\nSummary: %s\n\nSubmission: %s\n\nAnalyze how well the submission satisfies the rubric.",
			req.Rubric.Criteria, summary, req.Submission)
		a, err := p.chatOnce(ctx, "You are an expert grader producing a structured rubric analysis.", prompt)
		if err != nil {
			return PipelineOutput{}, fmt.Errorf("pipeline: analysis_chain: %w", err)
		}
		analysis = a
		steps["analysis"] = analysis
	}

	gradePrompt := fmt.Sprintf("Rubric: %s\n\nSubmission: %s\n\nAnalysis: %s\n\nProduce a final grade with comments.",
		req.Rubric.Criteria, req.Submission, analysis)
	grade, err := p.chatOnce(ctx, "You are a grading assistant. Output the final grade and comments.", gradePrompt)
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("pipeline: final_grade_chain: %w", err)
	}
	steps["final_grade"] = grade

	return PipelineOutput{
		Text:              grade,
		IntermediateSteps: steps,
		Metadata: map[string]any{
			"rubric": req.Rubric.Name,
		},
	}, nil
}

func (p *GradingPipeline) chatOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := p.deps.chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Model: p.model,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
