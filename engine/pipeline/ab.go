package pipeline

import (
	"context"
	"fmt"

	"github.com/sablehq/sable/pkg/fn"
)

// Variant is one side of an A/B comparison: a pipeline run bound to a
// distinct config tag ("model_a" / "model_b") and a Sink that tags every
// emitted event accordingly.
type Variant struct {
	ConfigTag string
	Run       func(ctx context.Context, req TurnRequest, sink Sink) (PipelineOutput, error)
}

// ABResult pairs the two variants' outputs, keyed by their config tags.
type ABResult struct {
	A PipelineOutput
	B PipelineOutput
}

// RunPaired runs a and b concurrently against the same conversation
// history and user prompt, using fn.FanOutResult rather than a bespoke
// goroutine pair.
func RunPaired(ctx context.Context, req TurnRequest, a, b Variant, sinkFor func(tag string) Sink) (ABResult, error) {
	run := func(v Variant) func() fn.Result[PipelineOutput] {
		return func() fn.Result[PipelineOutput] {
			sink := sinkFor(v.ConfigTag)
			sub := req
			sub.ConfigTag = v.ConfigTag
			out, err := v.Run(ctx, sub, sink)
			if err != nil {
				return fn.Err[PipelineOutput](fmt.Errorf("pipeline: ab variant %s: %w", v.ConfigTag, err))
			}
			return fn.Ok(out)
		}
	}

	result := fn.FanOutResult(run(a), run(b))
	outs, err := result.Unwrap()
	if err != nil {
		return ABResult{}, err
	}
	return ABResult{A: outs[0], B: outs[1]}, nil
}
