package domain

import "context"

// ProviderResult is a provider adapter's normalized response: just the
// text and token counts, before any cost or cache bookkeeping.
type ProviderResult struct {
	Text      string
	Model     string // resolved model identifier
	TokensIn  int
	TokensOut int
}

// ModelProvider is the interface for any LLM backend adapter.
// Adapters do transport and response normalization only.
type ModelProvider interface {
	// Complete sends the prompt and returns the normalized response.
	// The call must honor ctx cancellation and deadline.
	Complete(ctx context.Context, req CompletionRequest) (*ProviderResult, error)
	// Name returns the adapter's registry identifier (e.g. "openai").
	Name() string
	// Model returns the default model the adapter targets.
	Model() string
}
