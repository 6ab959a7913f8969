// Package ai defines the request/response shape a live LLM provider client
// would satisfy. No concrete provider is wired in this repo — AI generation
// is out of core scope — but collaborators.Generator mirrors this shape so a
// real provider client could be dropped in without changing the generator
// contract.
package ai

import (
	"context"
	"errors"
)

// ErrStreamPartiallyCompleted indicates a streaming response was cut off
// after producing at least one chunk (e.g. context canceled mid-stream).
var ErrStreamPartiallyCompleted = errors.New("ai: stream partially completed")

// TokenUsage reports token accounting for a single generation call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// AIOptions configures a single GenerateResponse call.
type AIOptions struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// AIResponse is the result of a single GenerateResponse call.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// StreamChunk is one piece of a streamed generation response.
type StreamChunk struct {
	Content string
	Done    bool
}

// AIClient is the interface a live LLM provider client satisfies. Nothing
// in this repo implements it against a real backend; it exists so
// collaborators.Generator's FallbackGenerator can be described as "the same
// shape, without a live provider behind it".
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}
