package session

import "time"

// Severity is the NWB Inspector severity scale.
type Severity string

const (
	SeverityCritical     Severity = "CRITICAL"
	SeverityError        Severity = "ERROR"
	SeverityWarning      Severity = "WARNING"
	SeverityBestPractice Severity = "BEST_PRACTICE"
)

// ValidationIssue is a single inspector finding.
type ValidationIssue struct {
	CheckName  string   `json:"check_name"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Location   string   `json:"location"`
	FilePath   string   `json:"file_path"`
	Importance string   `json:"importance,omitempty"`
}

// Fingerprint is the identity used by the no-progress guard: the set
// of (check_name, location) pairs.
type Fingerprint map[string]struct{}

// key formats a single issue's fingerprint key.
func key(i ValidationIssue) string { return i.CheckName + "\x00" + i.Location }

// IssueFingerprint builds the Fingerprint for a slice of issues.
func IssueFingerprint(issues []ValidationIssue) Fingerprint {
	fp := make(Fingerprint, len(issues))
	for _, i := range issues {
		fp[key(i)] = struct{}{}
	}
	return fp
}

// Equal reports whether two fingerprints describe the same issue set —
// used by the no-progress guard to compare consecutive attempts.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	if len(fp) != len(other) {
		return false
	}
	for k := range fp {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// OverallStatus is the validation outcome classification.
type OverallStatus string

const (
	OverallPassed           OverallStatus = "PASSED"
	OverallPassedWithIssues OverallStatus = "PASSED_WITH_ISSUES"
	OverallFailed           OverallStatus = "FAILED"
)

// FileInfo carries auto-extracted technical metadata about an NWB file.
type FileInfo struct {
	NWBVersion     string  `json:"nwb_version"`
	SamplingRateHz float64 `json:"sampling_rate_hz,omitempty"`
	ChannelCount   int     `json:"channel_count,omitempty"`
	DurationSec    float64 `json:"duration_sec,omitempty"`
	DType          string  `json:"dtype,omitempty"`
}

// ValidationResult is the Evaluation Agent's output.
type ValidationResult struct {
	OverallStatus  OverallStatus     `json:"overall_status"`
	Issues         []ValidationIssue `json:"issues"`
	IssueCounts    map[Severity]int  `json:"issue_counts"`
	FileInfo       FileInfo          `json:"file_info"`
	Timestamp      time.Time         `json:"timestamp"`
	NWBFilePath    string            `json:"nwb_file_path"`
	ChecksumSHA256 string            `json:"checksum_sha256"`
}

// DeriveOverallStatus applies the mandatory derivation rule:
// FAILED iff any CRITICAL/ERROR issue exists; else PASSED_WITH_ISSUES iff
// issues is non-empty; else PASSED.
func DeriveOverallStatus(issues []ValidationIssue) OverallStatus {
	if len(issues) == 0 {
		return OverallPassed
	}
	for _, i := range issues {
		if i.Severity == SeverityCritical || i.Severity == SeverityError {
			return OverallFailed
		}
	}
	return OverallPassedWithIssues
}

// CountBySeverity builds the issue_counts map satisfying
// sum(issue_counts.values()) == len(issues).
func CountBySeverity(issues []ValidationIssue) map[Severity]int {
	counts := map[Severity]int{}
	for _, i := range issues {
		counts[i.Severity]++
	}
	return counts
}

// NewValidationResult builds a ValidationResult applying the derivation rule,
// so callers cannot construct an internally-inconsistent result.
func NewValidationResult(nwbPath, checksum string, fileInfo FileInfo, issues []ValidationIssue, at time.Time) ValidationResult {
	return ValidationResult{
		OverallStatus:  DeriveOverallStatus(issues),
		Issues:         issues,
		IssueCounts:    CountBySeverity(issues),
		FileInfo:       fileInfo,
		Timestamp:      at,
		NWBFilePath:    nwbPath,
		ChecksumSHA256: checksum,
	}
}

// EffortLevel is the estimated effort to apply a FixStrategy.
type EffortLevel string

const (
	EffortEasy   EffortLevel = "easy"
	EffortMedium EffortLevel = "medium"
	EffortHard   EffortLevel = "hard"
)

// FixStrategy describes one proposed remediation for one issue.
type FixStrategy struct {
	IssueRef          string      `json:"issue_ref"`
	StrategyText      string      `json:"strategy_text"`
	AutoFixable       bool        `json:"auto_fixable"`
	UserInputRequired bool        `json:"user_input_required"`
	UserPrompt        string      `json:"user_prompt,omitempty"`
	EstimatedEffort   EffortLevel `json:"estimated_effort,omitempty"`
}

// CorrectionContext is handed from Evaluation to Conversation whenever
// validation surfaces issues.
type CorrectionContext struct {
	ValidationResult        ValidationResult  `json:"validation_result"`
	AutoFixableIssues       []ValidationIssue `json:"auto_fixable_issues"`
	UserInputRequiredIssues []ValidationIssue `json:"user_input_required_issues"`
	SuggestedFixes          []FixStrategy     `json:"suggested_fixes"`
	AttemptNumber           int               `json:"attempt_number"`
	PreviousIssues          []ValidationIssue `json:"previous_issues,omitempty"`
	LLMAnalysis             string            `json:"llm_analysis,omitempty"`
}

// issueSet returns a lookup set keyed the same way as Fingerprint, used to
// verify the CorrectionContext subset invariant.
func issueSet(issues []ValidationIssue) map[string]struct{} {
	set := make(map[string]struct{}, len(issues))
	for _, i := range issues {
		set[key(i)] = struct{}{}
	}
	return set
}

// ValidateInvariant checks that auto_fixable_issues ∪ user_input_required_issues
// ⊆ validation_result.issues. Returns the first
// violating issue's key, or "" if the invariant holds.
func (c CorrectionContext) ValidateInvariant() string {
	all := issueSet(c.ValidationResult.Issues)
	for _, i := range append(append([]ValidationIssue{}, c.AutoFixableIssues...), c.UserInputRequiredIssues...) {
		if _, ok := all[key(i)]; !ok {
			return key(i)
		}
	}
	return ""
}
