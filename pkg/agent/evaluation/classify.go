package evaluation

import (
	"strings"

	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/session"
)

// requiredFieldChecks maps inspector checks about missing *required* NWB
// metadata to the field the user must supply. Required metadata is always
// user-input-required — no safe default exists for it, whatever the LLM
// recommends.
var requiredFieldChecks = map[string]string{
	"check_missing_subject_id":         "subject_id",
	"check_missing_species":            "species",
	"check_missing_session_start_time": "session_start_time",
}

// FieldForCheck maps a check name to the metadata field a user would
// supply to address it. Falls back to stripping the "check_missing_"
// prefix for checks the static tables don't know.
func FieldForCheck(checkName string) string {
	if field, ok := requiredFieldChecks[checkName]; ok {
		return field
	}
	return strings.TrimPrefix(checkName, "check_missing_")
}

// Classify splits issues into auto-fixable and user-input-required sets.
// The static ruleset is consulted first and wins every conflict with the
// LLM's recommendation: required metadata is always user-input-required,
// and a check with a known safe default is always auto-fixable. Only
// checks the static tables say nothing about fall through to the LLM's
// auto_fixable / user_input_needed lists. Issues in neither set are
// informational and need no correction input.
func Classify(issues []session.ValidationIssue, llmAutoFixable, llmUserInput []string) (auto, user []session.ValidationIssue) {
	llmAuto := toSet(llmAutoFixable)
	llmUser := toSet(llmUserInput)

	for _, issue := range issues {
		switch {
		case requiredFieldChecks[issue.CheckName] != "":
			user = append(user, issue)
		case conversion.IsBuiltinAutoFixable(issue.CheckName):
			auto = append(auto, issue)
		case llmAuto[issue.CheckName]:
			auto = append(auto, issue)
		case llmUser[issue.CheckName]:
			user = append(user, issue)
		}
	}
	return auto, user
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// CheckNames projects a slice of issues to their check names, for the
// JSON report's categorization lists.
func CheckNames(issues []session.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.CheckName)
	}
	return out
}
