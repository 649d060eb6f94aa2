// Package engine abstracts the analysis engine that turns instructions and
// transcript content into structured output. The production implementation
// speaks NATS request/reply to an external analysis service; tests inject
// deterministic fakes. Callers parse the raw response themselves and treat
// malformed output as a recoverable condition.
package engine

import "context"

// Engine executes one unit of analysis work. Calls may be slow, rate
// limited, or return unparsable output.
type Engine interface {
	Analyze(ctx context.Context, instructions, content string) (string, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, instructions, content string) (string, error)

func (f Func) Analyze(ctx context.Context, instructions, content string) (string, error) {
	return f(ctx, instructions, content)
}
