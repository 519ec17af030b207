// Package llmport defines the narrow `complete(prompt) -> text` LLM
// port the Prompt Service programs against, plus AnthropicPort, one
// concrete implementation over the Anthropic Messages API that sends a
// single HTTP request per call.
package llmport

import "context"

// Port is the LLM provider contract. Implementations must not retry
// internally; transport
// failures are reported via UnavailableError.
type Port interface {
	// Complete sends prompt to modelID and returns the raw completion text.
	Complete(ctx context.Context, modelID, prompt string) (CompletionResult, error)
}

// CompletionResult carries the raw text plus token accounting the Prompt
// Service logs per call.
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// UnavailableError is returned by Port implementations when the
// provider cannot be reached or rejects the call outright.
// The Prompt Service wraps this into kernerr.Envelope;
// this type only carries the provider-specific diagnostic fields.
type UnavailableError struct {
	ProviderStatus string // e.g. "rate_limited", "http_503"
	RetryHint      string // e.g. "retry after 30s", "" if not retryable
	DiagnosticID   string // provider-assigned request id, for support tickets
	Cause          error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return "llm unavailable (" + e.ProviderStatus + "): " + e.Cause.Error()
	}
	return "llm unavailable (" + e.ProviderStatus + ")"
}

func (e *UnavailableError) Unwrap() error { return e.Cause }
