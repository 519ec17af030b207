package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/llmport"
)

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, modelID, prompt string) (llmport.CompletionResult, error) {
	if f.err != nil {
		return llmport.CompletionResult{}, f.err
	}
	return llmport.CompletionResult{Text: f.text, PromptTokens: 10, CompletionTokens: 5}, nil
}

func qualityVars() map[string]any {
	return map[string]any{
		"nwb_file_path":  "mouse_001_attempt1_abcd1234.nwb",
		"overall_status": "PASSED",
		"issue_counts":   map[string]int{},
		"issues":         []any{},
		"file_info":      map[string]any{"nwb_version": "2.6.0"},
		"attempt_number": 1,
	}
}

func TestRender_MissingVariable(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	svc := NewService(reg, &fakeLLM{})

	vars := qualityVars()
	delete(vars, "issues")
	_, err = svc.Render(TemplateEvaluationQuality, vars)
	require.Error(t, err)
	var env *kernerr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, kernerr.CodePromptBindingError, env.ErrorCode)
}

func TestRender_ExtraVariable(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	svc := NewService(reg, &fakeLLM{})

	vars := qualityVars()
	vars["unexpected"] = "oops"
	_, err = svc.Render(TemplateEvaluationQuality, vars)
	require.Error(t, err)
	var env *kernerr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, kernerr.CodePromptBindingError, env.ErrorCode)
}

func TestInvoke_ValidResponse(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	llm := &fakeLLM{text: `{"executive_summary":"ok","quality_assessment":"clean","recommendations":[]}`}
	svc := NewService(reg, llm)

	out, err := svc.Invoke(context.Background(), TemplateEvaluationQuality, qualityVars())
	require.NoError(t, err)
	assert.Equal(t, "ok", out["executive_summary"])
}

func TestInvoke_InvalidJSON(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	llm := &fakeLLM{text: `not json`}
	svc := NewService(reg, llm)

	_, err = svc.Invoke(context.Background(), TemplateEvaluationQuality, qualityVars())
	require.Error(t, err)
	var env *kernerr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, kernerr.CodeLLMResponseInvalid, env.ErrorCode)
}

func TestInvoke_SchemaViolation(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	llm := &fakeLLM{text: `{"executive_summary":"ok"}`}
	svc := NewService(reg, llm)

	_, err = svc.Invoke(context.Background(), TemplateEvaluationQuality, qualityVars())
	require.Error(t, err)
	var env *kernerr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, kernerr.CodeLLMResponseInvalid, env.ErrorCode)
}

func TestInvoke_LLMUnavailable(t *testing.T) {
	reg, err := LoadBuiltin()
	require.NoError(t, err)
	llm := &fakeLLM{err: &llmport.UnavailableError{ProviderStatus: "http_503", RetryHint: "retry in 30s"}}
	svc := NewService(reg, llm)

	_, err = svc.Invoke(context.Background(), TemplateEvaluationQuality, qualityVars())
	require.Error(t, err)
	var env *kernerr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, kernerr.CodeLLMUnavailable, env.ErrorCode)
}
