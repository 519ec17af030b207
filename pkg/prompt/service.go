package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/llmport"
)

// Service implements render(template_id, variables) -> text and
// invoke(template_id, variables) -> parsed_object: a stateless service
// wrapping the template registry plus the stateless LLM port.
type Service struct {
	templates *Registry
	llm       llmport.Port
	log       *slog.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema // cache keyed by "id@version"
}

// NewService builds a Prompt Service bound to a loaded template Registry
// and the LLM port.
func NewService(templates *Registry, llm llmport.Port) *Service {
	return &Service{
		templates: templates,
		llm:       llm,
		log:       slog.Default().With("component", "prompt_service"),
		schemas:   map[string]*jsonschema.Schema{},
	}
}

// bindingError builds a PromptBindingError for a variable mismatch.
func bindingError(templateID string, missing, extra []string) error {
	msg := fmt.Sprintf("template %q variable mismatch", templateID)
	if len(missing) > 0 {
		msg += fmt.Sprintf("; missing: %s", strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		msg += fmt.Sprintf("; extra: %s", strings.Join(extra, ", "))
	}
	return kernerr.New("prompt_service", kernerr.CodePromptBindingError, msg,
		map[string]any{"template_id": templateID, "missing": missing, "extra": extra})
}

// checkVariables validates vars against the template's declared
// context_variables — an exact match is required; missing or extra
// variables raise PromptBindingError.
func checkVariables(tpl *Template, vars map[string]any) error {
	declared := make(map[string]struct{}, len(tpl.ContextVariables))
	for _, v := range tpl.ContextVariables {
		declared[v] = struct{}{}
	}

	var missing, extra []string
	for _, v := range tpl.ContextVariables {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	for v := range vars {
		if _, ok := declared[v]; !ok {
			extra = append(extra, v)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		return bindingError(tpl.ID, missing, extra)
	}
	return nil
}

// resolve looks up template id/version, returning PromptBindingError if
// it is not found.
func (s *Service) resolve(id string, version int) (*Template, error) {
	tpl, ok := s.templates.Get(id, version)
	if !ok {
		return nil, kernerr.New("prompt_service", kernerr.CodePromptBindingError,
			fmt.Sprintf("template %q (version %d) not found", id, version),
			map[string]any{"template_id": id, "version": version})
	}
	return tpl, nil
}

// Render renders templateID against variables.
func (s *Service) Render(templateID string, variables map[string]any) (string, error) {
	tpl, err := s.resolve(templateID, 0)
	if err != nil {
		return "", err
	}
	return renderTemplate(tpl, variables)
}

func renderTemplate(tpl *Template, variables map[string]any) (string, error) {
	if err := checkVariables(tpl, variables); err != nil {
		return "", err
	}
	t, err := template.New(tpl.ID).Parse(tpl.TemplateBody)
	if err != nil {
		return "", kernerr.Wrap(err, "prompt_service", kernerr.CodePromptBindingError,
			fmt.Sprintf("template %q failed to parse", tpl.ID),
			map[string]any{"template_id": tpl.ID})
	}
	var buf strings.Builder
	if err := t.Execute(&buf, variables); err != nil {
		return "", kernerr.Wrap(err, "prompt_service", kernerr.CodePromptBindingError,
			fmt.Sprintf("template %q failed to render", tpl.ID),
			map[string]any{"template_id": tpl.ID})
	}
	return buf.String(), nil
}

// schemaFor compiles (and caches) the jsonschema.Schema for a template.
func (s *Service) schemaFor(tpl *Template) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("%s@%d", tpl.ID, tpl.Version)

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if cached, ok := s.schemas[key]; ok {
		return cached, nil
	}

	b, err := json.Marshal(tpl.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("prompt: marshal output_schema for %s: %w", tpl.ID, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(key, strings.NewReader(string(b))); err != nil {
		return nil, fmt.Errorf("prompt: add schema resource for %s: %w", tpl.ID, err)
	}
	schema, err := c.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("prompt: compile schema for %s: %w", tpl.ID, err)
	}
	s.schemas[key] = schema
	return schema, nil
}

// Invoke renders templateID, calls the LLM port, parses the response as
// JSON, and validates it against the template's output_schema.
// Returns the parsed object as map[string]any.
func (s *Service) Invoke(ctx context.Context, templateID string, variables map[string]any) (map[string]any, error) {
	tpl, err := s.resolve(templateID, 0)
	if err != nil {
		return nil, err
	}

	rendered, err := renderTemplate(tpl, variables)
	if err != nil {
		return nil, err
	}
	fullPrompt := tpl.SystemRole + "\n\n" + rendered

	result, err := s.llm.Complete(ctx, tpl.ModelID, fullPrompt)
	if err != nil {
		var unavail *llmport.UnavailableError
		if asUnavailable(err, &unavail) {
			return nil, kernerr.Wrap(err, "prompt_service", kernerr.CodeLLMUnavailable, "LLM provider unavailable",
				map[string]any{
					"template_id":     tpl.ID,
					"provider_status": unavail.ProviderStatus,
					"retry_hint":      unavail.RetryHint,
					"diagnostic_id":   unavail.DiagnosticID,
				})
		}
		return nil, kernerr.Wrap(err, "prompt_service", kernerr.CodeLLMUnavailable, "LLM call failed",
			map[string]any{"template_id": tpl.ID})
	}

	s.log.Info("llm call", "template_id", tpl.ID, "model_id", tpl.ModelID,
		"prompt_tokens", result.PromptTokens, "completion_tokens", result.CompletionTokens)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return nil, kernerr.Wrap(err, "prompt_service", kernerr.CodeLLMResponseInvalid,
			"LLM response was not valid JSON", map[string]any{"template_id": tpl.ID, "raw_response": result.Text})
	}

	schema, err := s.schemaFor(tpl)
	if err != nil {
		return nil, kernerr.Wrap(err, "prompt_service", kernerr.CodeLLMResponseInvalid,
			"failed to compile output schema", map[string]any{"template_id": tpl.ID})
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, kernerr.Wrap(err, "prompt_service", kernerr.CodeLLMResponseInvalid,
			"LLM response failed schema validation",
			map[string]any{"template_id": tpl.ID, "raw_response": result.Text})
	}

	return parsed, nil
}

func asUnavailable(err error, target **llmport.UnavailableError) bool {
	for err != nil {
		if u, ok := err.(*llmport.UnavailableError); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
