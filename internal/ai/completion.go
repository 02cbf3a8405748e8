package ai

import "context"

// Request defaults used by both the locale and the analysis calls
const (
	DefaultMaxTokens   = 3000
	DefaultTemperature = 0.05
)

// CompletionRequest is one chat completion round trip
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
}

// CompletionResponse carries the model's text
type CompletionResponse struct {
	Content string
	Model   string
}

// Completer is implemented by every completion provider. Failures are *UpstreamError.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f(ctx, req)
}
