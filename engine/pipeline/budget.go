package pipeline

import (
	"context"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/llm"
)

// PromptInputs is the set of prompt components TokenLimiter prunes: the
// question is always unprunable, history/documents are pruned in the
// large-then-oldest order, and extras are truncated last.
type PromptInputs struct {
	Question    string
	Unprunable  []string // additional inputs that must never be pruned
	History     []domain.Message
	Documents   [][]string // one list per document group, round-robin pruned
	Extras      map[string]string
	MinHistory  int // floor for history pruning, default 2
	MinDocs     int // floor per document group
}

// TokenLimiter enforces the budget described in §4.4.1: reserved tokens
// and a prompt-scaffold allowance are carved out of max_tokens, then
// history, then documents, then extras are pruned in that order until the
// remaining input fits.
type TokenLimiter struct {
	MaxTokens            int
	Reserved             int
	PromptScaffoldTokens int
	Provider             llm.Provider
}

// EffectiveMax is max_tokens minus reserved minus the prompt scaffold.
func (b TokenLimiter) EffectiveMax() int {
	m := b.MaxTokens - b.Reserved - b.PromptScaffoldTokens
	if m < 0 {
		return 0
	}
	return m
}

// inputSizeWarning signals an unprunable input alone exceeds the
// budget; callers must skip the model call and surface the warning.
type inputSizeWarning struct{ field string }

func (e *inputSizeWarning) Error() string {
	return "pipeline: unprunable input exceeds token budget: " + e.field
}

// IsInputSizeWarning reports whether err is the INPUT_SIZE_WARNING case.
func IsInputSizeWarning(err error) bool {
	_, ok := err.(*inputSizeWarning)
	return ok
}

// countTokens delegates to the model handle's tokenizer, falling back to
// len(text)/4 on failure.
func (b TokenLimiter) countTokens(ctx context.Context, text string) int {
	if b.Provider != nil {
		if n, err := b.Provider.CountTokens(ctx, text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// Prune applies the four-step pruning algorithm in place and returns the
// (possibly reduced) inputs, or an *inputSizeWarning if an unprunable
// input alone exceeds the budget.
func (b TokenLimiter) Prune(ctx context.Context, in PromptInputs) (PromptInputs, error) {
	if in.MinHistory == 0 {
		in.MinHistory = 2
	}
	budget := b.EffectiveMax()

	unprunableTokens := b.countTokens(ctx, in.Question)
	for _, u := range in.Unprunable {
		unprunableTokens += b.countTokens(ctx, u)
	}
	if unprunableTokens > budget {
		return in, &inputSizeWarning{field: "question/unprunable"}
	}

	used := unprunableTokens
	large := int(float64(budget) * 0.5)

	// Step 2a: drop history messages individually exceeding the large-message
	// threshold.
	filtered := in.History[:0:0]
	for _, m := range in.History {
		if b.countTokens(ctx, m.Content) > large {
			continue
		}
		filtered = append(filtered, m)
	}
	in.History = filtered

	historyTokens := func() int {
		t := 0
		for _, m := range in.History {
			t += b.countTokens(ctx, m.Content)
		}
		return t
	}

	// Step 2b: drop oldest history messages down to MinHistory.
	for used+historyTokens() > budget && len(in.History) > in.MinHistory {
		in.History = in.History[1:]
	}

	// Step 3: round-robin drop the last document of each document list
	// until within budget or every list is at MinDocs.
	docTokens := func() int {
		t := 0
		for _, group := range in.Documents {
			for _, d := range group {
				t += b.countTokens(ctx, d)
			}
		}
		return t
	}
	for used+historyTokens()+docTokens() > budget {
		trimmedAny := false
		for i := range in.Documents {
			if len(in.Documents[i]) > in.MinDocs {
				in.Documents[i] = in.Documents[i][:len(in.Documents[i])-1]
				trimmedAny = true
			}
		}
		if !trimmedAny {
			break
		}
	}

	// Step 4: truncate extras last — history and documents are already at
	// their floors, so any remaining overage comes out of extras entirely.
	if used+historyTokens()+docTokens() > budget {
		for k := range in.Extras {
			in.Extras[k] = ""
		}
	}

	return in, nil
}
