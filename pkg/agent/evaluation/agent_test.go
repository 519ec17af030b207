package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/llmport"
	"github.com/nwbconvert/kernel/pkg/nwbport"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/report"
	"github.com/nwbconvert/kernel/pkg/session"
)

func vrTime() time.Time { return time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC) }

type fakeNWB struct {
	openErr    error
	issues     []session.ValidationIssue
	inspectErr error
}

func (f *fakeNWB) Open(_ context.Context, _ string) (nwbport.OpenResult, error) {
	if f.openErr != nil {
		return nwbport.OpenResult{}, f.openErr
	}
	return nwbport.OpenResult{NWBVersion: "2.6.0", Info: session.FileInfo{NWBVersion: "2.6.0", ChannelCount: 16}}, nil
}

func (f *fakeNWB) Inspect(_ context.Context, _ string) ([]session.ValidationIssue, error) {
	return f.issues, f.inspectErr
}

type fakeLLM struct {
	respond func(prompt string) string
}

func (f *fakeLLM) Complete(_ context.Context, _ string, prompt string) (llmport.CompletionResult, error) {
	return llmport.CompletionResult{Text: f.respond(prompt)}, nil
}

type fakePDF struct{}

func (fakePDF) RenderPDF(_ report.PassedDocument) ([]byte, error) { return []byte("%PDF-fake"), nil }

func newTestAgent(t *testing.T, nwb nwbport.Port, respond func(string) string) *Agent {
	t.Helper()
	registry, err := prompt.LoadBuiltin()
	require.NoError(t, err)
	prompts := prompt.NewService(registry, &fakeLLM{respond: respond})
	reports := report.NewService(fakePDF{}, t.TempDir())
	return New(nwb, prompts, reports, session.NewStore())
}

func TestEvaluate_ZeroIssuesIsPassed(t *testing.T) {
	a := newTestAgent(t, &fakeNWB{}, nil)

	vr, err := a.evaluate(context.Background(), "/outputs/x.nwb", "abc")
	require.NoError(t, err)
	assert.Equal(t, session.OverallPassed, vr.OverallStatus)
	assert.Empty(t, vr.Issues)
	assert.Equal(t, "2.6.0", vr.FileInfo.NWBVersion)
}

func TestEvaluate_UnreadableFileReportsSyntheticCritical(t *testing.T) {
	a := newTestAgent(t, &fakeNWB{openErr: errors.New("not an HDF5 file")}, nil)

	vr, err := a.evaluate(context.Background(), "/outputs/x.nwb", "abc")
	require.NoError(t, err)
	assert.Equal(t, session.OverallFailed, vr.OverallStatus)
	require.Len(t, vr.Issues, 1)
	assert.Equal(t, "check_file_readable", vr.Issues[0].CheckName)
	assert.Equal(t, session.SeverityCritical, vr.Issues[0].Severity)
	assert.Contains(t, vr.Issues[0].Message, "not an HDF5 file")
}

func TestEvaluate_InspectorFailureRaisesEvaluationError(t *testing.T) {
	a := newTestAgent(t, &fakeNWB{inspectErr: errors.New("inspector crashed")}, nil)

	_, err := a.evaluate(context.Background(), "/outputs/x.nwb", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EvaluationError")
}

func TestGenerateFailedContext_BuildsSubsetRespectingContext(t *testing.T) {
	issues := []session.ValidationIssue{
		issue("check_missing_subject_id", session.SeverityError),
		issue("check_missing_age", session.SeverityWarning),
	}
	respond := func(p string) string {
		if strings.Contains(p, "fix roadmap") || strings.Contains(p, "roadmap") {
			return `{"issue_analysis":[{"check_name":"check_missing_subject_id","explanation":"subject id absent"}],` +
				`"fix_roadmap":["supply subject id"],"auto_fixable":[],"user_input_needed":["check_missing_subject_id"]}`
		}
		return `{}`
	}
	a := newTestAgent(t, &fakeNWB{issues: issues}, respond)

	vr := session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{}, issues, vrTime())
	resp, err := a.generateFailedContext(context.Background(), vr, 1)
	require.NoError(t, err)

	cc, ok := resp["correction_context"].(session.CorrectionContext)
	require.True(t, ok)
	assert.Equal(t, "", cc.ValidateInvariant())
	assert.Equal(t, []string{"check_missing_subject_id"}, CheckNames(cc.UserInputRequiredIssues))
	assert.Equal(t, []string{"check_missing_age"}, CheckNames(cc.AutoFixableIssues))
	assert.Equal(t, 1, cc.AttemptNumber)
	assert.NotEmpty(t, resp["artifact_path"])
}

func TestGeneratePassedReport_WithIssuesAlsoBuildsContext(t *testing.T) {
	issues := []session.ValidationIssue{issue("check_missing_age", session.SeverityWarning)}
	respond := func(string) string {
		return `{"executive_summary":"looks fine","quality_assessment":"good","recommendations":["add age"]}`
	}
	a := newTestAgent(t, &fakeNWB{issues: issues}, respond)

	vr := session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{}, issues, vrTime())
	resp, err := a.generatePassedReport(context.Background(), vr, 1)
	require.NoError(t, err)

	cc, ok := resp["correction_context"].(session.CorrectionContext)
	require.True(t, ok)
	assert.Equal(t, "looks fine", cc.LLMAnalysis)
	assert.Equal(t, []string{"check_missing_age"}, CheckNames(cc.AutoFixableIssues))
}

func TestGeneratePassedReport_CleanPassHasNoContext(t *testing.T) {
	respond := func(string) string {
		return `{"executive_summary":"clean","quality_assessment":"excellent","recommendations":[]}`
	}
	a := newTestAgent(t, &fakeNWB{}, respond)

	vr := session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{}, nil, vrTime())
	resp, err := a.generatePassedReport(context.Background(), vr, 1)
	require.NoError(t, err)

	_, hasContext := resp["correction_context"]
	assert.False(t, hasContext)
}
