// Package orchestrator drives the full pipeline of one conversion
// session as a single background task: conversion, evaluation, report,
// outcome, looping through the user-approved correction cycle until a
// terminal status. Stages are opened and closed around each step.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nwbconvert/kernel/pkg/agent/conversation"
	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/agent/evaluation"
	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Registered agent names on the bus.
const (
	AgentConversion   = "conversion"
	AgentEvaluation   = "evaluation"
	AgentConversation = "conversation"
)

// resumeSignal is pushed by the decision/input submission path when the
// Conversation Agent either terminated the session or approved the next
// attempt.
type resumeSignal struct {
	terminal   bool
	decision   string
	cc         session.CorrectionContext
	userInputs map[string]string
}

// Orchestrator owns the background pipeline task and the gates through
// which user decisions and inputs re-enter it.
type Orchestrator struct {
	bus   *bus.Registry
	store *session.Store
	log   *slog.Logger

	resume chan resumeSignal
	done   chan struct{}

	// resetHooks clear per-session agent memory on Reset.
	resetHooks []func()
}

// New builds an Orchestrator over a registry with the three agents
// registered under the canonical names.
func New(b *bus.Registry, store *session.Store) *Orchestrator {
	return &Orchestrator{
		bus:    b,
		store:  store,
		log:    slog.Default().With("component", "orchestrator"),
		resume: make(chan resumeSignal, 1),
	}
}

// OnReset registers a hook run when the session is reset (agents clear
// their correction-loop memory).
func (o *Orchestrator) OnReset(hook func()) {
	o.resetHooks = append(o.resetHooks, hook)
}

// StartSession validates the upload's metadata through the Conversation
// Agent, atomically claims the single session slot, and launches the
// pipeline as a background task. Metadata errors are returned as
// user-visible field messages without touching session state; a busy
// session raises SessionBusy.
func (o *Orchestrator) StartSession(ctx context.Context, req session.UploadRequest) ([]map[string]string, error) {
	resp, err := o.bus.Dispatch(bus.New(AgentConversation, conversation.ActionValidateInitialMetadata, map[string]any{
		"metadata": req.Metadata,
	}))
	if err != nil {
		return nil, err
	}
	if valid, _ := resp["valid"].(bool); !valid {
		fieldErrs, _ := resp["errors"].([]map[string]string)
		return fieldErrs, nil
	}

	if !o.store.Begin(req) {
		return nil, kernerr.New("orchestrator", kernerr.CodeSessionBusy,
			"a conversion session is already in flight", map[string]any{"session_id": o.store.SessionID()})
	}

	// The pipeline outlives the upload request: there is no preemptive
	// cancellation, so the background task runs on its own
	// context until a terminal status.
	o.done = make(chan struct{})
	go o.run(context.Background())
	return nil, nil
}

// Done returns a channel closed when the current background pipeline
// exits. Nil if no session was started this lifetime.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// run is the single background task. It exits only at a
// terminal status or on a fatal error.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error("pipeline panicked", "panic", rec)
			o.failSession(kernerr.New("orchestrator", kernerr.CodeAgentInvocationError,
				"pipeline panicked", map[string]any{"panic": rec}))
		}
	}()

	snap := o.store.GetSnapshot()
	meta := snap.Metadata
	inputPath := snap.InputPath

	var cc session.CorrectionContext
	var userInputs map[string]string
	prevIssueCount := 0
	firstAttempt := true

	for {
		// Conversion stage.
		o.stage(session.StageConversion, session.StageInProgress, "", "")
		var convResp bus.Response
		var err error
		if firstAttempt {
			convResp, err = o.dispatch(AgentConversion, conversion.ActionConvertFile, map[string]any{
				"ctx": ctx, "input_path": inputPath, "metadata": meta,
			})
		} else {
			convResp, err = o.dispatch(AgentConversion, conversion.ActionReconvertWithCorrections, map[string]any{
				"ctx": ctx, "correction_context": cc, "user_inputs": userInputs, "metadata": meta,
			})
		}
		if err != nil {
			o.failStage(session.StageConversion, err)
			return
		}
		outputPath, _ := convResp["output_path"].(string)
		checksum, _ := convResp["checksum"].(string)
		attempt, _ := convResp["attempt_number"].(int)
		o.stage(session.StageConversion, session.StageCompleted, outputPath, "")

		// Evaluation stage.
		o.stage(session.StageEvaluation, session.StageInProgress, "", "")
		evalResp, err := o.dispatch(AgentEvaluation, evaluation.ActionEvaluate, map[string]any{
			"ctx": ctx, "nwb_path": outputPath, "checksum": checksum,
		})
		if err != nil {
			o.failStage(session.StageEvaluation, err)
			return
		}
		vr, _ := evalResp["validation_result"].(session.ValidationResult)
		o.store.SetIssueCounts(vr.IssueCounts)
		o.stage(session.StageEvaluation, session.StageCompleted, "", "")

		// Report stage.
		o.stage(session.StageReportGeneration, session.StageInProgress, "", "")
		reportAction := evaluation.ActionGeneratePassedReport
		if vr.OverallStatus == session.OverallFailed {
			reportAction = evaluation.ActionGenerateFailedContext
		}
		repResp, err := o.dispatch(AgentEvaluation, reportAction, map[string]any{
			"ctx": ctx, "validation_result": vr,
		})
		if err != nil {
			o.failStage(session.StageReportGeneration, err)
			return
		}
		artifactPath, _ := repResp["artifact_path"].(string)
		o.stage(session.StageReportGeneration, session.StageCompleted, artifactPath, "")

		newCC, _ := repResp["correction_context"].(session.CorrectionContext)

		// Outcome handling.
		outResp, err := o.dispatch(AgentConversation, conversation.ActionHandleEvaluationOutcome, map[string]any{
			"ctx": ctx, "outcome": vr.OverallStatus, "correction_context": newCC, "artifact_path": artifactPath,
		})
		if err != nil {
			o.failSession(err)
			return
		}
		if terminal, _ := outResp["terminal"].(bool); terminal {
			o.store.RecordAttempt(session.AttemptSummary{
				AttemptNumber: attempt,
				IssuesBefore:  prevIssueCount,
				IssuesAfter:   len(vr.Issues),
			})
			return
		}

		// Suspended on the user.
		var sig resumeSignal
		select {
		case sig = <-o.resume:
		case <-ctx.Done():
			o.log.Warn("pipeline context cancelled while awaiting user", "attempt_number", attempt)
			return
		}

		o.store.RecordAttempt(session.AttemptSummary{
			AttemptNumber: attempt,
			IssuesBefore:  prevIssueCount,
			IssuesAfter:   len(vr.Issues),
			UserDecision:  sig.decision,
		})
		if sig.terminal {
			return
		}

		cc = sig.cc
		userInputs = sig.userInputs
		prevIssueCount = len(vr.Issues)
		firstAttempt = false
	}
}

// SubmitDecision forwards the user's approve/decline choice to the
// Conversation Agent. Rejected when
// the session is not awaiting a decision.
func (o *Orchestrator) SubmitDecision(ctx context.Context, approved, acceptAsIs bool) (bus.Response, error) {
	if !o.store.GetSnapshot().AwaitingUserDecision {
		return nil, kernerr.New("orchestrator", kernerr.CodeValidationError,
			"session is not awaiting a decision", map[string]any{"session_id": o.store.SessionID()})
	}
	resp, err := o.bus.Dispatch(bus.New(AgentConversation, conversation.ActionReceiveUserDecision, map[string]any{
		"ctx": ctx, "approved": approved, "accept_as_is": acceptAsIs,
	}))
	if err != nil {
		return nil, err
	}
	o.forwardResume(resp)
	return resp, nil
}

// SubmitInput forwards one {field_name, value} pair.
// Rejected when the session is not awaiting input or the
// field is not currently requested.
func (o *Orchestrator) SubmitInput(ctx context.Context, field, value string) (bus.Response, error) {
	if !o.store.GetSnapshot().AwaitingUserInput {
		return nil, kernerr.New("orchestrator", kernerr.CodeValidationError,
			"session is not awaiting input", map[string]any{"session_id": o.store.SessionID()})
	}
	resp, err := o.bus.Dispatch(bus.New(AgentConversation, conversation.ActionReceiveUserInput, map[string]any{
		"ctx": ctx, "field_name": field, "value": value,
	}))
	if err != nil {
		return nil, err
	}
	o.forwardResume(resp)
	return resp, nil
}

// AbandonInput terminates the session from an open input request.
func (o *Orchestrator) AbandonInput(ctx context.Context) (bus.Response, error) {
	resp, err := o.bus.Dispatch(bus.New(AgentConversation, conversation.ActionReceiveUserInput, map[string]any{
		"ctx": ctx, "abandon": true,
	}))
	if err != nil {
		return nil, err
	}
	o.forwardResume(resp)
	return resp, nil
}

// forwardResume translates a Conversation Agent response into the signal
// that wakes the suspended pipeline. Responses that leave the session
// awaiting further user interaction forward nothing.
func (o *Orchestrator) forwardResume(resp bus.Response) {
	terminal, _ := resp["terminal"].(bool)
	proceed, _ := resp["proceed"].(bool)
	if !terminal && !proceed {
		return
	}
	sig := resumeSignal{terminal: terminal}
	if decision, ok := resp["decision"].(string); ok {
		sig.decision = decision
	} else if vs, ok := resp["validation_status"].(session.ValidationStatus); ok && terminal {
		sig.decision = string(vs)
	} else if proceed {
		sig.decision = "retry"
	}
	if proceed {
		sig.cc, _ = resp["correction_context"].(session.CorrectionContext)
		sig.userInputs, _ = resp["user_inputs"].(map[string]string)
	}
	select {
	case o.resume <- sig:
	default:
		o.log.Error("resume channel full; dropping signal", "terminal", terminal)
	}
}

// Reset returns the session to idle and clears the
// agents' per-session memory. Rejected mid-processing.
func (o *Orchestrator) Reset() error {
	if err := o.store.Reset(); err != nil {
		return kernerr.Wrap(err, "orchestrator", kernerr.CodeSessionBusy,
			"cannot reset while a session is processing", nil)
	}
	for _, hook := range o.resetHooks {
		hook()
	}
	return nil
}

func (o *Orchestrator) dispatch(agent, action string, ctx map[string]any) (bus.Response, error) {
	return o.bus.Dispatch(bus.New(agent, action, ctx).From("orchestrator"))
}

func (o *Orchestrator) stage(name session.StageName, status session.StageStatus, outputPath, stageErr string) {
	if err := o.store.UpdateStageFields(name, status, outputPath, stageErr); err != nil {
		o.log.Error("stage transition rejected", "stage", name, "status", status, "error", err)
	}
}

// failStage marks the in-flight stage failed, then fails the session.
// The stage and session both end failed; there are no automatic retries.
func (o *Orchestrator) failStage(name session.StageName, err error) {
	o.stage(name, session.StageFailed, "", err.Error())
	o.failSession(err)
}

func (o *Orchestrator) failSession(err error) {
	code := kernerr.CodeAgentInvocationError
	var envelope *kernerr.Envelope
	if errors.As(err, &envelope) {
		code = envelope.ErrorCode
	}
	o.store.RaiseError(string(code), err.Error())
	o.store.Finalize(session.StatusFailed)
	o.log.Error("session failed", "error_code", code, "error", err)
}
