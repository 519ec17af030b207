package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nwbconvert/kernel/pkg/session"
)

func issue(check string, sev session.Severity) session.ValidationIssue {
	return session.ValidationIssue{CheckName: check, Severity: sev, Location: "/general"}
}

func TestClassify_RequiredMetadataAlwaysUserInput(t *testing.T) {
	issues := []session.ValidationIssue{issue("check_missing_subject_id", session.SeverityError)}

	// Even when the LLM claims it can auto-fix, the static rule wins.
	auto, user := Classify(issues, []string{"check_missing_subject_id"}, nil)
	assert.Empty(t, auto)
	assert.Len(t, user, 1)
}

func TestClassify_BuiltinSafeDefaultIsAutoFixable(t *testing.T) {
	issues := []session.ValidationIssue{issue("check_missing_age", session.SeverityWarning)}

	// LLM disagreement does not override the static safe-default rule.
	auto, user := Classify(issues, nil, []string{"check_missing_age"})
	assert.Len(t, auto, 1)
	assert.Empty(t, user)
}

func TestClassify_UnknownCheckFallsThroughToLLM(t *testing.T) {
	issues := []session.ValidationIssue{
		issue("check_unit_ambiguous", session.SeverityWarning),
		issue("check_electrode_position", session.SeverityWarning),
		issue("check_informational_only", session.SeverityBestPractice),
	}

	auto, user := Classify(issues, []string{"check_unit_ambiguous"}, []string{"check_electrode_position"})
	assert.Equal(t, []string{"check_unit_ambiguous"}, CheckNames(auto))
	assert.Equal(t, []string{"check_electrode_position"}, CheckNames(user))
}

func TestFieldForCheck(t *testing.T) {
	assert.Equal(t, "subject_id", FieldForCheck("check_missing_subject_id"))
	assert.Equal(t, "species", FieldForCheck("check_missing_species"))
	assert.Equal(t, "experimenter", FieldForCheck("check_missing_experimenter"))
}
