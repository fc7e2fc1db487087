package pipeline

import (
	"context"
	"strings"
)

// SafetyVerdict is the tagged result of a safety check: either Safe, or
// Unsafe carrying the reason a checker rejected the content. An explicit
// result type, checked by the executor, rather than an exception-style
// short-circuit.
type SafetyVerdict struct {
	Safe   bool
	Reason string
}

// SafetyChecker inspects prompt or generated output and returns a
// verdict. Implementations wrap a moderation model, a keyword blocklist,
// or any external policy service.
type SafetyChecker interface {
	Check(ctx context.Context, text string) (SafetyVerdict, error)
}

// CheckAll runs every checker against text and returns the first Unsafe
// verdict, or Safe if all pass.
func CheckAll(ctx context.Context, checkers []SafetyChecker, text string) (SafetyVerdict, error) {
	for _, c := range checkers {
		v, err := c.Check(ctx, text)
		if err != nil {
			return SafetyVerdict{}, err
		}
		if !v.Safe {
			return v, nil
		}
	}
	return SafetyVerdict{Safe: true}, nil
}

// BlocklistChecker is the built-in SafetyChecker: a case-insensitive
// substring blocklist. Deployments wanting a moderation model implement
// SafetyChecker over their provider instead.
type BlocklistChecker struct {
	Terms []string
}

func (c BlocklistChecker) Check(_ context.Context, text string) (SafetyVerdict, error) {
	lower := strings.ToLower(text)
	for _, term := range c.Terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return SafetyVerdict{Safe: false, Reason: "blocklisted term: " + term}, nil
		}
	}
	return SafetyVerdict{Safe: true}, nil
}

// SafeCannedMessage is the fixed assistant message substituted when a
// safety checker blocks a turn: the executor skips
// model/tool execution for the output path entirely.
const SafeCannedMessage = "I'm not able to help with that request."

// ApplySafety runs CheckAll against prompt. When it returns Unsafe,
// callers short-circuit the turn: emit SafeCannedMessage as the assistant
// message, set the trace status to completed with a safety_blocked flag,
// and skip model/tool execution.
func ApplySafety(ctx context.Context, checkers []SafetyChecker, prompt string) (PipelineOutput, bool, error) {
	if len(checkers) == 0 {
		return PipelineOutput{}, false, nil
	}
	verdict, err := CheckAll(ctx, checkers, prompt)
	if err != nil {
		return PipelineOutput{}, false, err
	}
	if verdict.Safe {
		return PipelineOutput{}, false, nil
	}
	return PipelineOutput{
		Text: SafeCannedMessage,
		Metadata: map[string]any{
			"safety_blocked": true,
			"safety_reason":  verdict.Reason,
		},
	}, true, nil
}
