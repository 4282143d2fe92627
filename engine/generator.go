package engine

import (
	"context"

	"github.com/becomeliminal/nim-recall/core"
)

// GenerationRequest is everything a Generator needs for one reply.
type GenerationRequest struct {
	SystemPrompt string

	// History is the recent conversation window, oldest first. It does not
	// include UserInput.
	History []core.Message

	UserInput string

	// Model, Temperature and MaxTokens override the generator's defaults when set.
	Model       string
	Temperature *float64
	MaxTokens   int64
}

// Generator produces the assistant's reply. Implementations must honour ctx.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}
