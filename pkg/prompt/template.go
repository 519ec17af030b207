// Package prompt implements the Prompt Service: versioned prompt
// templates loaded once at startup, rendered against validated
// variables, sent through the llmport.Port, and parsed back into a
// schema-validated structured object.
package prompt

// Template is one versioned prompt document: {version, model_id,
// system_role, context_variables[], template_body, output_schema}.
// OutputSchema is kept as a generic YAML value (map[string]any after
// decoding) rather than raw JSON text, then re-marshaled to JSON when a
// *jsonschema.Schema is compiled from it — YAML has no native equivalent
// of json.RawMessage.
type Template struct {
	ID               string   `yaml:"id"`
	Version          int      `yaml:"version"`
	ModelID          string   `yaml:"model_id"`
	SystemRole       string   `yaml:"system_role"`
	ContextVariables []string `yaml:"context_variables"`
	TemplateBody     string   `yaml:"template_body"`
	OutputSchema     any      `yaml:"output_schema"`
}

// Canonical template ids.
const (
	TemplateEvaluationQuality    = "evaluation_quality"
	TemplateEvaluationCorrection = "evaluation_correction"
	TemplateFormatDetection      = "format_detection"
	TemplateCorrectionUserPrompt = "correction_user_prompt"
)
