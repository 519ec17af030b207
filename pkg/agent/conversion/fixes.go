package conversion

import "github.com/nwbconvert/kernel/pkg/session"

// FieldFix is one safe, automatically-applied correction: defaulting
// missing optional metadata, generating a description, and similar
// fixes that need no user input.
type FieldFix struct {
	Field string
	Value string
}

// builtinFixRules maps an inspector check_name to the safe default this
// agent knows how to apply without asking the user. This static ruleset
// wins over any LLM recommendation in conflicts; the Evaluation Agent
// consults the same names when classifying an issue as auto-fixable in
// the first place.
var builtinFixRules = map[string]FieldFix{
	"check_missing_age":          {Field: "age", Value: "P0D"},
	"check_missing_experimenter": {Field: "experimenter", Value: "unknown"},
	"check_missing_institution":  {Field: "institution", Value: "unknown"},
	"check_missing_lab":          {Field: "lab", Value: "unknown"},
	"check_missing_weight":       {Field: "weight", Value: "unknown"},
	"check_description_missing":  {Field: "session_description", Value: "Recording session (auto-generated description)"},
	"check_non_si_units":         {Field: "", Value: ""}, // unit conversion happens at the conversion-library layer, not as a metadata field
}

// BuiltinAutoFixes returns the concrete field fixes this agent can apply
// for the given auto-fixable issues, skipping any check_name it doesn't
// recognize (an unrecognized name should never have been classified
// auto-fixable in the first place — see pkg/agent/evaluation/classify.go).
func BuiltinAutoFixes(issues []session.ValidationIssue) []FieldFix {
	var fixes []FieldFix
	for _, issue := range issues {
		fix, ok := builtinFixRules[issue.CheckName]
		if !ok || fix.Field == "" {
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes
}

// IsBuiltinAutoFixable reports whether check_name has a known safe default
// — used by the Evaluation Agent's classifier as the static
// half of the rules-plus-LLM blend.
func IsBuiltinAutoFixable(checkName string) bool {
	fix, ok := builtinFixRules[checkName]
	return ok && fix.Field != ""
}
