package conversation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/agent/evaluation"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/session"
)

// UserPrompt is one user-facing input request: question, why it's
// needed, an example value, and the validation rule.
type UserPrompt struct {
	Field          string `json:"field"`
	Question       string `json:"question"`
	WhyNeeded      string `json:"why_needed"`
	ExampleValue   string `json:"example_value"`
	ValidationRule string `json:"validation_rule"`
}

// requiredInputFields derives the deduplicated, sorted field list from
// the context's user-input-required issues. Sorting groups related
// fields so the prompts arrive in a stable order.
func requiredInputFields(cc session.CorrectionContext) []string {
	seen := map[string]bool{}
	var fields []string
	for _, issue := range cc.UserInputRequiredIssues {
		field := evaluation.FieldForCheck(issue.CheckName)
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// generateInputPrompts builds one UserPrompt per distinct field among the
// user-input-required issues (a later issue for an already-prompted field
// is skipped) via the correction_user_prompt template. The template is
// optional at launch: when it is absent the static fallback
// text is used. LLM transport failures propagate — the system does not
// degrade to heuristic-only operation.
func (a *Agent) generateInputPrompts(ctx context.Context, cc session.CorrectionContext) ([]UserPrompt, error) {
	byField := map[string]UserPrompt{}
	for _, issue := range cc.UserInputRequiredIssues {
		field := evaluation.FieldForCheck(issue.CheckName)
		if _, done := byField[field]; done {
			continue
		}

		out, err := a.prompts.Invoke(ctx, prompt.TemplateCorrectionUserPrompt, map[string]any{
			"field_name":    field,
			"check_name":    issue.CheckName,
			"issue_message": issue.Message,
		})
		if err != nil {
			if isBindingError(err) {
				byField[field] = staticPrompt(field, issue)
				continue
			}
			return nil, err
		}
		byField[field] = UserPrompt{
			Field:          field,
			Question:       stringField(out, "question"),
			WhyNeeded:      stringField(out, "why_needed"),
			ExampleValue:   stringField(out, "example_value"),
			ValidationRule: stringField(out, "validation_rule"),
		}
	}

	prompts := make([]UserPrompt, 0, len(byField))
	for _, p := range byField {
		prompts = append(prompts, p)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Field < prompts[j].Field })
	return prompts, nil
}

func staticPrompt(field string, issue session.ValidationIssue) UserPrompt {
	return UserPrompt{
		Field:          field,
		Question:       fmt.Sprintf("Please provide a value for %s.", field),
		WhyNeeded:      issue.Message,
		ExampleValue:   exampleFor(field),
		ValidationRule: ruleFor(field),
	}
}

var agePattern = regexp.MustCompile(`^P(\d+Y)?(\d+M)?(\d+W)?(\d+D)?$`)
var weightPattern = regexp.MustCompile(`^\d+(\.\d+)?\s*(g|kg|mg)?$`)

// ValidateField checks one user-supplied value: it must be non-empty,
// and subject_id, session_start_time, age, and weight must match their
// format while species and sex must be one of their allowed values. No
// numeric range is checked, and any other field only needs to be
// non-empty. Returns "" when
// the value is acceptable, or the re-prompt message otherwise.
func ValidateField(field, value string) string {
	if value == "" {
		return fmt.Sprintf("%s must not be empty", field)
	}
	switch field {
	case "subject_id":
		m := session.Metadata{SubjectID: value, Species: "Mus musculus", SessionDescription: "x", SessionStartTime: "2025-01-01T00:00:00Z"}
		if _, errs := conversion.ValidateMetadata(m); len(errs) > 0 {
			return "subject_id must be alphanumeric (with - or _)"
		}
	case "species":
		if _, ok := conversion.ApprovedSpecies[value]; !ok {
			return fmt.Sprintf("species %q is not in the approved taxonomy; allowed: %s", value, joinComma(conversion.ApprovedSpeciesList()))
		}
	case "session_start_time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "session_start_time must be ISO-8601 UTC, e.g. 2025-01-15T09:00:00Z"
		}
	case "age":
		if !agePattern.MatchString(value) {
			return "age must be an ISO-8601 duration, e.g. P90D"
		}
	case "sex":
		switch value {
		case "M", "F", "U", "O":
		default:
			return "sex must be one of M, F, U, O"
		}
	case "weight":
		if !weightPattern.MatchString(value) {
			return "weight must be a number with an optional unit, e.g. 22.5 g"
		}
	}
	return ""
}

func exampleFor(field string) string {
	switch field {
	case "subject_id":
		return "mouse_001"
	case "species":
		return "Mus musculus"
	case "session_start_time":
		return "2025-01-15T09:00:00Z"
	case "age":
		return "P90D"
	case "sex":
		return "F"
	case "weight":
		return "22.5 g"
	default:
		return ""
	}
}

func ruleFor(field string) string {
	switch field {
	case "subject_id":
		return "alphanumeric with - or _"
	case "species":
		return "one of the approved taxonomy entries"
	case "session_start_time":
		return "ISO-8601 UTC timestamp"
	case "age":
		return "ISO-8601 duration"
	case "sex":
		return "M, F, U, or O"
	case "weight":
		return "number with optional g/kg/mg unit"
	default:
		return "non-empty string"
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// isBindingError reports whether err is a PromptBindingError (template
// not found, variable mismatch, or a template parse/render failure) —
// the condition that permits the static fallback.
func isBindingError(err error) bool {
	for err != nil {
		if e, ok := err.(*kernerr.Envelope); ok && e.ErrorCode == kernerr.CodePromptBindingError {
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
