package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/llmport"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/session"
)

func vrTime() time.Time { return time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC) }

type fakeLLM struct{}

func (fakeLLM) Complete(_ context.Context, _ string, _ string) (llmport.CompletionResult, error) {
	return llmport.CompletionResult{
		Text: `{"question":"What is the subject id?","why_needed":"required by NWB","example_value":"mouse_001","validation_rule":"alphanumeric"}`,
	}, nil
}

func newTestAgent(t *testing.T) (*Agent, *session.Store, *[]session.Event) {
	t.Helper()
	registry, err := prompt.LoadBuiltin()
	require.NoError(t, err)
	store := session.NewStore()
	var events []session.Event
	store.Subscribe(func(ev session.Event) { events = append(events, ev) })
	return New(prompt.NewService(registry, fakeLLM{}), store), store, &events
}

func failedContext(attempt int, checks ...string) session.CorrectionContext {
	var issues []session.ValidationIssue
	for _, c := range checks {
		issues = append(issues, session.ValidationIssue{CheckName: c, Severity: session.SeverityError, Location: "/general"})
	}
	vr := session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{}, issues, vrTime())
	_, user := splitByRequired(issues)
	return session.CorrectionContext{
		ValidationResult:        vr,
		UserInputRequiredIssues: user,
		AttemptNumber:           attempt,
	}
}

func splitByRequired(issues []session.ValidationIssue) (auto, user []session.ValidationIssue) {
	for _, i := range issues {
		user = append(user, i)
	}
	return nil, user
}

func withIssuesContext(attempt int) session.CorrectionContext {
	issues := []session.ValidationIssue{{CheckName: "check_missing_age", Severity: session.SeverityWarning, Location: "/general/subject"}}
	vr := session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{}, issues, vrTime())
	return session.CorrectionContext{
		ValidationResult:  vr,
		AutoFixableIssues: issues,
		AttemptNumber:     attempt,
	}
}

func TestValidateInitialMetadata_UserVisibleSpeciesError(t *testing.T) {
	a, _, _ := newTestAgent(t)
	resp := a.validateInitialMetadata(session.Metadata{
		SubjectID: "m1", Species: "Canis familiaris",
		SessionDescription: "d", SessionStartTime: "2025-01-15T09:00:00Z",
	})
	assert.Equal(t, false, resp["valid"])
	errs := resp["errors"].([]map[string]string)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["message"], "Allowed species")
}

func TestHandleOutcome_PassedFirstAttemptFinalizesPassed(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	resp, err := a.handleEvaluationOutcome(session.OverallPassed, session.CorrectionContext{}, "/reports/r.pdf", store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, true, resp["terminal"])

	snap := store.GetSnapshot()
	assert.Equal(t, session.ValidationPassed, snap.ValidationStatus)
	assert.Equal(t, session.StatusCompleted, snap.Status)
}

func TestHandleOutcome_PassedLaterAttemptIsPassedImproved(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()
	store.BeginAttempt()

	resp, err := a.handleEvaluationOutcome(session.OverallPassed, session.CorrectionContext{}, "", store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, session.ValidationPassedImproved, resp["validation_status"])
}

func TestDecision_AcceptAsIsEndsPassedAccepted(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	_, err := a.handleEvaluationOutcome(session.OverallPassedWithIssues, withIssuesContext(1), "", store.GetSnapshot())
	require.NoError(t, err)
	assert.True(t, store.GetSnapshot().AwaitingUserDecision)

	resp, err := a.receiveUserDecision(context.Background(), false, true, store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, true, resp["terminal"])

	snap := store.GetSnapshot()
	assert.Equal(t, session.ValidationPassedAccepted, snap.ValidationStatus)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.False(t, snap.AwaitingUserDecision)
}

func TestDecision_DeclinedRetryEndsFailedUserDeclined(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	_, err := a.handleEvaluationOutcome(session.OverallFailed, failedContext(1, "check_missing_subject_id"), "", store.GetSnapshot())
	require.NoError(t, err)

	resp, err := a.receiveUserDecision(context.Background(), false, false, store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, session.ValidationFailedUserDeclined, resp["validation_status"])
	assert.Equal(t, session.StatusFailed, store.GetSnapshot().Status)
}

func TestDecision_WithoutAwaitingIsRejected(t *testing.T) {
	a, store, _ := newTestAgent(t)
	_, err := a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	assert.Error(t, err)
}

func TestApprovedRetry_RequestsInputThenProceeds(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	_, err := a.handleEvaluationOutcome(session.OverallFailed, failedContext(1, "check_missing_subject_id"), "", store.GetSnapshot())
	require.NoError(t, err)

	resp, err := a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "input", resp["awaiting"])
	prompts := resp["prompts"].([]UserPrompt)
	require.Len(t, prompts, 1)
	assert.Equal(t, "subject_id", prompts[0].Field)
	assert.True(t, store.GetSnapshot().AwaitingUserInput)

	// Invalid value is re-prompted, not raised.
	resp, err = a.receiveUserInput("subject_id", "has spaces!", store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, false, resp["accepted"])
	assert.NotEmpty(t, resp["reprompt"])

	resp, err = a.receiveUserInput("subject_id", "mouse_007", store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, true, resp["complete"])
	assert.Equal(t, true, resp["proceed"])
	inputs := resp["user_inputs"].(map[string]string)
	assert.Equal(t, "mouse_007", inputs["subject_id"])
	assert.False(t, store.GetSnapshot().AwaitingUserInput)
}

func TestInput_UnrequestedFieldIsRejected(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	_, err := a.handleEvaluationOutcome(session.OverallFailed, failedContext(1, "check_missing_subject_id"), "", store.GetSnapshot())
	require.NoError(t, err)
	_, err = a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	require.NoError(t, err)

	_, err = a.receiveUserInput("weight", "20 g", store.GetSnapshot())
	assert.Error(t, err)
}

func TestAbandonInput_EndsFailedUserAbandoned(t *testing.T) {
	a, store, _ := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	_, err := a.handleEvaluationOutcome(session.OverallFailed, failedContext(1, "check_missing_subject_id"), "", store.GetSnapshot())
	require.NoError(t, err)
	_, err = a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	require.NoError(t, err)

	resp, err := a.abandonInput(store.GetSnapshot())
	require.NoError(t, err)
	assert.Equal(t, session.ValidationFailedUserAbandoned, resp["validation_status"])
	assert.Equal(t, session.StatusFailed, store.GetSnapshot().Status)
}

func TestNoProgressGuard_EmitsWarningOnIdenticalFingerprint(t *testing.T) {
	a, store, events := newTestAgent(t)
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.BeginAttempt()

	// Attempt 1: auto-fixable-free failure, approved with no input fields.
	cc := session.CorrectionContext{
		ValidationResult: session.NewValidationResult("/outputs/x.nwb", "abc", session.FileInfo{},
			[]session.ValidationIssue{{CheckName: "check_custom", Severity: session.SeverityError, Location: "/acquisition"}}, vrTime()),
		AttemptNumber: 1,
	}
	_, err := a.handleEvaluationOutcome(session.OverallFailed, cc, "", store.GetSnapshot())
	require.NoError(t, err)
	_, err = a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	require.NoError(t, err)

	// Attempt 2 surfaces the identical issue set, user supplies nothing.
	store.BeginAttempt()
	cc2 := cc
	cc2.AttemptNumber = 2
	_, err = a.handleEvaluationOutcome(session.OverallFailed, cc2, "", store.GetSnapshot())
	require.NoError(t, err)
	_, err = a.receiveUserDecision(context.Background(), true, false, store.GetSnapshot())
	require.NoError(t, err)

	found := false
	for _, ev := range *events {
		if ev.Kind == session.EventNotification && ev.Message == "No changes detected since last attempt. Retry will likely produce the same errors." {
			found = true
		}
	}
	assert.True(t, found, "expected NoProgressWarning notification")
}
