package llmport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnthropicPort is the concrete Port against the Anthropic Messages API.
// It performs exactly one request per Complete call — retry policy
// belongs to the caller, and the Prompt Service deliberately has none.
type AnthropicPort struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicPort builds a Port for the given API key. baseURL is
// overridable for tests and proxies; empty means the public endpoint.
func NewAnthropicPort(apiKey, baseURL string) *AnthropicPort {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicPort{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicPort) Complete(ctx context.Context, modelID, prompt string) (CompletionResult, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     modelID,
		MaxTokens: 4096,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return CompletionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return CompletionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return CompletionResult{}, &UnavailableError{ProviderStatus: "transport_error", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResult{}, &UnavailableError{ProviderStatus: "read_error", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return CompletionResult{}, &UnavailableError{
			ProviderStatus: fmt.Sprintf("http_%d", resp.StatusCode),
			RetryHint:      resp.Header.Get("Retry-After"),
			DiagnosticID:   resp.Header.Get("Request-Id"),
			Cause:          fmt.Errorf("anthropic: %s", bytes.TrimSpace(raw)),
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResult{}, &UnavailableError{ProviderStatus: "invalid_response", Cause: err}
	}

	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return CompletionResult{
		Text:             text,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}, nil
}
