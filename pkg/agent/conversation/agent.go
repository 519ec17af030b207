// Package conversation implements the Conversation Agent (C7): the
// user-facing side of metadata validation, the approval/input cycles of
// the correction loop, the no-progress guard, and session finalization.
package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Actions the Conversation Agent declares to the bus.
const (
	ActionValidateInitialMetadata = "validate_initial_metadata"
	ActionHandleEvaluationOutcome = "handle_evaluation_outcome"
	ActionReceiveUserDecision     = "receive_user_decision"
	ActionReceiveUserInput        = "receive_user_input"
	ActionFinalize                = "finalize"
)

// pendingCorrection is the in-flight correction-loop state between
// handle_evaluation_outcome and the user's decision/input responses.
type pendingCorrection struct {
	cc          session.CorrectionContext
	outcome     session.OverallStatus
	inputFields []string
	inputs      map[string]string
	approved    bool
}

// Agent implements the Conversation Agent (C7).
type Agent struct {
	prompts *prompt.Service
	store   *session.Store
	log     *slog.Logger

	// Correction-loop state between handler invocations. The bus lane
	// already serializes handlers; the mutex covers snapshot readers.
	mu       sync.Mutex
	pending  *pendingCorrection
	prevFP   session.Fingerprint
	prevAuto session.Fingerprint
}

// New builds a Conversation Agent.
func New(prompts *prompt.Service, store *session.Store) *Agent {
	return &Agent{prompts: prompts, store: store,
		log: slog.Default().With("component", "conversation_agent")}
}

// Handler returns the bus.AgentHandler registration for this agent.
func (a *Agent) Handler() bus.AgentHandler {
	return bus.NewAgentHandler(a.handle,
		ActionValidateInitialMetadata, ActionHandleEvaluationOutcome,
		ActionReceiveUserDecision, ActionReceiveUserInput, ActionFinalize)
}

func (a *Agent) handle(action string, ctx map[string]any, snapshot *session.State) (bus.Response, error) {
	switch action {
	case ActionValidateInitialMetadata:
		m, _ := ctx["metadata"].(session.Metadata)
		return a.validateInitialMetadata(m), nil

	case ActionHandleEvaluationOutcome:
		cc, _ := ctx["correction_context"].(session.CorrectionContext)
		outcome, _ := ctx["outcome"].(session.OverallStatus)
		artifactPath, _ := ctx["artifact_path"].(string)
		return a.handleEvaluationOutcome(outcome, cc, artifactPath, snapshot)

	case ActionReceiveUserDecision:
		approved, _ := ctx["approved"].(bool)
		acceptAsIs, _ := ctx["accept_as_is"].(bool)
		return a.receiveUserDecision(contextOrBackground(ctx), approved, acceptAsIs, snapshot)

	case ActionReceiveUserInput:
		if abandon, _ := ctx["abandon"].(bool); abandon {
			return a.abandonInput(snapshot)
		}
		field, _ := ctx["field_name"].(string)
		value, _ := ctx["value"].(string)
		return a.receiveUserInput(field, value, snapshot)

	case ActionFinalize:
		vs, _ := ctx["validation_status"].(session.ValidationStatus)
		terminal, _ := ctx["terminal_status"].(session.Status)
		a.finalize(vs, terminal, "")
		return bus.Response{"finalized": true}, nil
	}
	return nil, kernerr.New("conversation_agent", kernerr.CodeUnknownAction, "unhandled action", map[string]any{"action": action})
}

func contextOrBackground(ctx map[string]any) context.Context {
	if c, ok := ctx["ctx"].(context.Context); ok {
		return c
	}
	return context.Background()
}

// validateInitialMetadata mirrors the Conversion Agent's checks from the
// user-facing side: errors come back as
// user-visible prose, never raised past this agent.
func (a *Agent) validateInitialMetadata(m session.Metadata) bus.Response {
	_, errs := conversion.ValidateMetadata(m)
	if len(errs) == 0 {
		return bus.Response{"valid": true}
	}
	messages := make([]map[string]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, map[string]string{
			"field":   e.Field,
			"message": userFacingFieldError(e),
		})
	}
	return bus.Response{"valid": false, "errors": messages}
}

// userFacingFieldError rewrites a field error into text a researcher can
// act on, including the allowed values where they exist.
func userFacingFieldError(e conversion.FieldError) string {
	if e.Field == "species" {
		return e.Message + ". Allowed species: " + joinComma(conversion.ApprovedSpeciesList())
	}
	return e.Message
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// handleEvaluationOutcome branches on the attempt's overall status.
func (a *Agent) handleEvaluationOutcome(outcome session.OverallStatus, cc session.CorrectionContext, artifactPath string, snapshot *session.State) (bus.Response, error) {
	switch outcome {
	case session.OverallPassed:
		vs := session.ValidationPassed
		if snapshot.AttemptNumber > 1 {
			vs = session.ValidationPassedImproved
		}
		a.finalize(vs, session.StatusCompleted, artifactPath)
		return bus.Response{"terminal": true, "validation_status": vs}, nil

	case session.OverallPassedWithIssues:
		a.stagePending(cc, outcome)
		a.store.SetAwaitingDecision(true)
		a.store.Notify("Conversion succeeded with issues. Choose \"Improve File\" to run another attempt or \"Accept As-Is\" to keep this file.", map[string]any{
			"attempt_number":      cc.AttemptNumber,
			"issue_counts":        cc.ValidationResult.IssueCounts,
			"auto_fixable":        len(cc.AutoFixableIssues),
			"user_input_required": len(cc.UserInputRequiredIssues),
			"improvement_summary": cc.LLMAnalysis,
			"options":             []string{"Improve File", "Accept As-Is"},
		})
		return bus.Response{"terminal": false, "awaiting": "decision"}, nil

	case session.OverallFailed:
		a.stagePending(cc, outcome)
		a.store.SetAwaitingDecision(true)
		a.store.Notify("Conversion failed validation. Choose \"Approve Retry\" to attempt corrections or \"Decline Retry\" to stop.", map[string]any{
			"attempt_number":      cc.AttemptNumber,
			"issue_counts":        cc.ValidationResult.IssueCounts,
			"failure_summary":     cc.LLMAnalysis,
			"auto_fixable":        len(cc.AutoFixableIssues),
			"user_input_required": len(cc.UserInputRequiredIssues),
			"options":             []string{"Approve Retry", "Decline Retry"},
		})
		return bus.Response{"terminal": false, "awaiting": "decision"}, nil
	}
	return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
		"unknown evaluation outcome", map[string]any{"outcome": outcome})
}

func (a *Agent) stagePending(cc session.CorrectionContext, outcome session.OverallStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = &pendingCorrection{cc: cc, outcome: outcome, inputs: map[string]string{}}
}

// receiveUserDecision consumes the user's approve/decline choice.
// All decisions are logged.
func (a *Agent) receiveUserDecision(ctx context.Context, approved, acceptAsIs bool, snapshot *session.State) (bus.Response, error) {
	if !snapshot.AwaitingUserDecision {
		return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
			"no decision is currently being awaited", map[string]any{"attempt_number": snapshot.AttemptNumber})
	}
	a.mu.Lock()
	pending := a.pending
	a.mu.Unlock()
	if pending == nil {
		return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
			"no correction context pending a decision", nil)
	}

	a.store.AppendLog("info", "user decision received", map[string]any{
		"approved": approved, "accept_as_is": acceptAsIs, "attempt_number": pending.cc.AttemptNumber,
	})
	a.store.SetAwaitingDecision(false)

	if pending.outcome == session.OverallPassedWithIssues && !approved {
		// Accept As-Is (explicit or by declining improvement): the file
		// already passed, so this terminal is success-side.
		a.finalize(session.ValidationPassedAccepted, session.StatusCompleted, "")
		return bus.Response{"terminal": true, "validation_status": session.ValidationPassedAccepted, "decision": "accept_as_is"}, nil
	}
	if pending.outcome == session.OverallFailed && !approved {
		a.finalize(session.ValidationFailedUserDeclined, session.StatusFailed, "")
		return bus.Response{"terminal": true, "validation_status": session.ValidationFailedUserDeclined, "decision": "declined"}, nil
	}

	// Approved retry/improvement.
	a.mu.Lock()
	pending.approved = true
	fields := requiredInputFields(pending.cc)
	pending.inputFields = fields
	a.mu.Unlock()

	if len(fields) > 0 {
		prompts, err := a.generateInputPrompts(ctx, pending.cc)
		if err != nil {
			return nil, err
		}
		a.store.SetAwaitingInput(true, fields)
		a.store.Notify("Additional information is needed before the next attempt.", map[string]any{
			"fields": fields,
		})
		return bus.Response{"terminal": false, "awaiting": "input", "prompts": prompts}, nil
	}

	a.noProgressGuard(pending)
	return a.proceedResponse(pending), nil
}

// receiveUserInput validates and records one field value; invalid
// values come back as a re-prompt, not an error.
func (a *Agent) receiveUserInput(field, value string, snapshot *session.State) (bus.Response, error) {
	if !snapshot.AwaitingUserInput {
		return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
			"no input is currently being awaited", nil)
	}
	a.mu.Lock()
	pending := a.pending
	a.mu.Unlock()
	if pending == nil || !contains(pending.inputFields, field) {
		return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
			"field is not one of the currently requested inputs", map[string]any{"field": field})
	}

	if msg := ValidateField(field, value); msg != "" {
		a.store.AppendLog("info", "user input rejected", map[string]any{"field": field, "reason": msg})
		return bus.Response{"accepted": false, "field": field, "reprompt": msg}, nil
	}

	a.mu.Lock()
	pending.inputs[field] = value
	remaining := remove(pending.inputFields, field)
	pending.inputFields = remaining
	a.mu.Unlock()

	a.store.AppendLog("info", "user input accepted", map[string]any{"field": field})
	a.store.SetAwaitingInput(len(remaining) > 0, remaining)

	if len(remaining) > 0 {
		return bus.Response{"accepted": true, "field": field, "remaining_fields": remaining}, nil
	}

	a.noProgressGuard(pending)
	resp := a.proceedResponse(pending)
	resp["accepted"] = true
	resp["complete"] = true
	return resp, nil
}

// abandonInput terminates the session when the user walks away from an
// input request.
func (a *Agent) abandonInput(snapshot *session.State) (bus.Response, error) {
	if !snapshot.AwaitingUserInput {
		return nil, kernerr.New("conversation_agent", kernerr.CodeValidationError,
			"no input request to abandon", nil)
	}
	a.store.AppendLog("info", "user abandoned input request", nil)
	a.finalize(session.ValidationFailedUserAbandoned, session.StatusFailed, "")
	return bus.Response{"terminal": true, "validation_status": session.ValidationFailedUserAbandoned}, nil
}

// proceedResponse packages the approved correction for the Conversion
// Agent and rolls the no-progress baseline forward.
func (a *Agent) proceedResponse(pending *pendingCorrection) bus.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevFP = session.IssueFingerprint(pending.cc.ValidationResult.Issues)
	a.prevAuto = session.IssueFingerprint(pending.cc.AutoFixableIssues)
	a.pending = nil
	return bus.Response{
		"terminal":           false,
		"proceed":            true,
		"correction_context": pending.cc,
		"user_inputs":        pending.inputs,
	}
}

// noProgressGuard emits an advisory warning when the new
// context's issue fingerprint matches the previous attempt's, no user
// input was supplied since, and no new auto-fix became available. The
// retry still proceeds — the guard applies pressure, never blocks.
func (a *Agent) noProgressGuard(pending *pendingCorrection) {
	a.mu.Lock()
	prevFP, prevAuto := a.prevFP, a.prevAuto
	a.mu.Unlock()

	if prevFP == nil {
		return
	}
	fp := session.IssueFingerprint(pending.cc.ValidationResult.Issues)
	autoFP := session.IssueFingerprint(pending.cc.AutoFixableIssues)
	if fp.Equal(prevFP) && len(pending.inputs) == 0 && autoFP.Equal(prevAuto) {
		a.store.Notify("No changes detected since last attempt. Retry will likely produce the same errors.", map[string]any{
			"error_code":     string(kernerr.CodeNoProgressWarning),
			"attempt_number": pending.cc.AttemptNumber,
		})
	}
}

// finalize sets the terminal validation_status, marks the session
// completed or failed, and surfaces the final artifact paths.
func (a *Agent) finalize(vs session.ValidationStatus, terminal session.Status, artifactPath string) {
	a.store.SetValidation(vs, "")
	a.store.Finalize(terminal)
	fields := map[string]any{"validation_status": string(vs)}
	if artifactPath != "" {
		fields["report_path"] = artifactPath
	}
	a.store.Notify("Session finalized.", fields)
	a.log.Info("session finalized", "validation_status", vs, "terminal_status", terminal)
}

// Forget clears the correction-loop memory; called on session reset.
func (a *Agent) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.prevFP = nil
	a.prevAuto = nil
}

func contains(items []string, s string) bool {
	for _, i := range items {
		if i == s {
			return true
		}
	}
	return false
}

func remove(items []string, s string) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		if i != s {
			out = append(out, i)
		}
	}
	return out
}
