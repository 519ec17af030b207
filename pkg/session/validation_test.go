package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mkIssue(check string, sev Severity, location string) ValidationIssue {
	return ValidationIssue{CheckName: check, Severity: sev, Location: location}
}

func TestDeriveOverallStatus(t *testing.T) {
	cases := []struct {
		name   string
		issues []ValidationIssue
		want   OverallStatus
	}{
		{"no issues", nil, OverallPassed},
		{"only warnings", []ValidationIssue{mkIssue("a", SeverityWarning, "/x")}, OverallPassedWithIssues},
		{"only best practice", []ValidationIssue{mkIssue("a", SeverityBestPractice, "/x")}, OverallPassedWithIssues},
		{"one error", []ValidationIssue{mkIssue("a", SeverityWarning, "/x"), mkIssue("b", SeverityError, "/y")}, OverallFailed},
		{"one critical", []ValidationIssue{mkIssue("a", SeverityCritical, "/x")}, OverallFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveOverallStatus(tc.issues))
		})
	}
}

func TestNewValidationResult_CountsSumToIssueLength(t *testing.T) {
	issues := []ValidationIssue{
		mkIssue("a", SeverityWarning, "/x"),
		mkIssue("b", SeverityWarning, "/y"),
		mkIssue("c", SeverityError, "/z"),
	}
	vr := NewValidationResult("/outputs/x.nwb", "abc", FileInfo{}, issues, time.Now())

	total := 0
	for _, n := range vr.IssueCounts {
		total += n
	}
	assert.Equal(t, len(vr.Issues), total)
	assert.Equal(t, OverallFailed, vr.OverallStatus)
}

func TestFingerprint_EqualIsSetEquality(t *testing.T) {
	a := IssueFingerprint([]ValidationIssue{mkIssue("a", SeverityError, "/x"), mkIssue("b", SeverityWarning, "/y")})
	b := IssueFingerprint([]ValidationIssue{mkIssue("b", SeverityCritical, "/y"), mkIssue("a", SeverityWarning, "/x")})
	assert.True(t, a.Equal(b), "fingerprint ignores severity and order")

	c := IssueFingerprint([]ValidationIssue{mkIssue("a", SeverityError, "/other")})
	assert.False(t, a.Equal(c))
}

func TestCorrectionContext_SubsetInvariant(t *testing.T) {
	issues := []ValidationIssue{mkIssue("a", SeverityError, "/x")}
	vr := NewValidationResult("/outputs/x.nwb", "abc", FileInfo{}, issues, time.Now())

	ok := CorrectionContext{ValidationResult: vr, UserInputRequiredIssues: issues}
	assert.Empty(t, ok.ValidateInvariant())

	bad := CorrectionContext{ValidationResult: vr, AutoFixableIssues: []ValidationIssue{mkIssue("ghost", SeverityWarning, "/y")}}
	assert.NotEmpty(t, bad.ValidateInvariant())
}
