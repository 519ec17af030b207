// Package evaluation implements the Evaluation Agent (C6): opening the
// produced NWB file, running the inspector, deriving the overall status,
// and turning the outcome into either a PDF quality report or a JSON
// correction context.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/nwbport"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/report"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Actions the Evaluation Agent declares to the bus.
const (
	ActionEvaluate              = "evaluate"
	ActionGeneratePassedReport  = "generate_passed_report"
	ActionGenerateFailedContext = "generate_failed_context"
)

// inspectTimeout bounds one full evaluate pass; inspector timeouts
// surface as EvaluationError.
const inspectTimeout = 2 * time.Minute

// Agent implements the Evaluation Agent (C6).
type Agent struct {
	nwb     nwbport.Port
	prompts *prompt.Service
	reports *report.Service
	store   *session.Store
	log     *slog.Logger

	// prevIssues remembers the previous attempt's issue list for
	// CorrectionContext.PreviousIssues. SessionState.history carries only
	// per-attempt counts; the raw issues live here, guarded for the rare
	// snapshot-reader despite the bus lane already serializing handlers.
	mu         sync.Mutex
	prevIssues []session.ValidationIssue
}

// New builds an Evaluation Agent.
func New(nwb nwbport.Port, prompts *prompt.Service, reports *report.Service, store *session.Store) *Agent {
	return &Agent{nwb: nwb, prompts: prompts, reports: reports, store: store,
		log: slog.Default().With("component", "evaluation_agent")}
}

// Handler returns the bus.AgentHandler registration for this agent.
func (a *Agent) Handler() bus.AgentHandler {
	return bus.NewAgentHandler(a.handle, ActionEvaluate, ActionGeneratePassedReport, ActionGenerateFailedContext)
}

func (a *Agent) handle(action string, ctx map[string]any, snapshot *session.State) (bus.Response, error) {
	reqCtx := contextOrBackground(ctx)
	switch action {
	case ActionEvaluate:
		nwbPath, _ := ctx["nwb_path"].(string)
		checksum, _ := ctx["checksum"].(string)
		vr, err := a.evaluate(reqCtx, nwbPath, checksum)
		if err != nil {
			return nil, err
		}
		return bus.Response{"validation_result": vr}, nil

	case ActionGeneratePassedReport:
		vr, _ := ctx["validation_result"].(session.ValidationResult)
		return a.generatePassedReport(reqCtx, vr, snapshot.AttemptNumber)

	case ActionGenerateFailedContext:
		vr, _ := ctx["validation_result"].(session.ValidationResult)
		return a.generateFailedContext(reqCtx, vr, snapshot.AttemptNumber)
	}
	return nil, kernerr.New("evaluation_agent", kernerr.CodeUnknownAction, "unhandled action", map[string]any{"action": action})
}

func contextOrBackground(ctx map[string]any) context.Context {
	if c, ok := ctx["ctx"].(context.Context); ok {
		return c
	}
	return context.Background()
}

// evaluate opens the NWB file and runs the inspector with all checks.
// An unreadable file is not an error: the schema
// gate is violated, so the attempt is reported FAILED with one synthetic
// CRITICAL issue describing the unreadable file.
func (a *Agent) evaluate(ctx context.Context, nwbPath, checksum string) (session.ValidationResult, error) {
	evalCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	opened, err := a.nwb.Open(evalCtx, nwbPath)
	if err != nil {
		a.log.Warn("NWB file failed to open, reporting synthetic CRITICAL", "nwb_path", nwbPath, "error", err)
		issues := []session.ValidationIssue{{
			CheckName: "check_file_readable",
			Severity:  session.SeverityCritical,
			Message:   fmt.Sprintf("NWB file could not be opened: %v", err),
			Location:  "/",
			FilePath:  nwbPath,
		}}
		return session.NewValidationResult(nwbPath, checksum, session.FileInfo{}, issues, time.Now()), nil
	}

	issues, err := a.nwb.Inspect(evalCtx, nwbPath)
	if err != nil {
		return session.ValidationResult{}, kernerr.Wrap(err, "evaluation_agent", kernerr.CodeEvaluationError,
			"NWB inspector run failed", map[string]any{"nwb_path": nwbPath, "timeout": inspectTimeout.String()})
	}

	vr := session.NewValidationResult(nwbPath, checksum, opened.Info, issues, time.Now())
	a.log.Info("evaluation complete", "nwb_path", nwbPath, "overall_status", vr.OverallStatus, "issue_count", len(vr.Issues))
	return vr, nil
}

// generatePassedReport runs the quality analysis and PDF rendering for
// PASSED / PASSED_WITH_ISSUES. For
// PASSED_WITH_ISSUES it additionally builds a CorrectionContext — same
// construction as the failure branch, with the quality summary standing
// in for the correction analysis.
func (a *Agent) generatePassedReport(ctx context.Context, vr session.ValidationResult, attemptNumber int) (bus.Response, error) {
	llmQuality, err := a.prompts.Invoke(ctx, prompt.TemplateEvaluationQuality, map[string]any{
		"nwb_file_path":  vr.NWBFilePath,
		"overall_status": string(vr.OverallStatus),
		"issue_counts":   mustJSON(vr.IssueCounts),
		"issues":         mustJSON(vr.Issues),
		"file_info":      mustJSON(vr.FileInfo),
		"attempt_number": attemptNumber,
	})
	if err != nil {
		return nil, err
	}

	artifact, err := a.reports.RenderPassed(vr, llmQuality)
	if err != nil {
		return nil, err
	}

	resp := bus.Response{"artifact_path": artifact.Path, "artifact_checksum": artifact.ChecksumSHA256}
	if vr.OverallStatus == session.OverallPassedWithIssues {
		summary, _ := llmQuality["executive_summary"].(string)
		cc := a.buildContext(vr, attemptNumber, nil, nil, summary, nil)
		resp["correction_context"] = cc
	}
	a.rememberIssues(vr.Issues)
	return resp, nil
}

// generateFailedContext runs the correction analysis, renders the JSON
// artifact, and builds the CorrectionContext for the Conversation Agent.
func (a *Agent) generateFailedContext(ctx context.Context, vr session.ValidationResult, attemptNumber int) (bus.Response, error) {
	llmCorrection, err := a.prompts.Invoke(ctx, prompt.TemplateEvaluationCorrection, map[string]any{
		"nwb_file_path":   vr.NWBFilePath,
		"overall_status":  string(vr.OverallStatus),
		"issues":          mustJSON(vr.Issues),
		"attempt_number":  attemptNumber,
		"previous_issues": mustJSON(a.previousIssues()),
	})
	if err != nil {
		return nil, err
	}

	llmAuto := stringSlice(llmCorrection["auto_fixable"])
	llmUser := stringSlice(llmCorrection["user_input_needed"])
	analysis := joinAnalysis(llmCorrection)

	cc := a.buildContext(vr, attemptNumber, llmAuto, llmUser, analysis, llmCorrection)

	artifact, err := a.reports.RenderFailed(vr, llmCorrection, CheckNames(cc.AutoFixableIssues), CheckNames(cc.UserInputRequiredIssues), attemptNumber)
	if err != nil {
		return nil, err
	}

	a.rememberIssues(vr.Issues)
	return bus.Response{
		"artifact_path":      artifact.Path,
		"artifact_checksum":  artifact.ChecksumSHA256,
		"correction_context": cc,
	}, nil
}

// buildContext combines the validation result, the previous attempt's
// issues, the LLM analysis, and the static-rules-first classification
// into a CorrectionContext.
func (a *Agent) buildContext(vr session.ValidationResult, attemptNumber int, llmAuto, llmUser []string, analysis string, llmCorrection map[string]any) session.CorrectionContext {
	auto, user := Classify(vr.Issues, llmAuto, llmUser)
	cc := session.CorrectionContext{
		ValidationResult:        vr,
		AutoFixableIssues:       auto,
		UserInputRequiredIssues: user,
		SuggestedFixes:          suggestedFixes(auto, user, llmCorrection),
		AttemptNumber:           attemptNumber,
		PreviousIssues:          a.previousIssues(),
		LLMAnalysis:             analysis,
	}
	if violation := cc.ValidateInvariant(); violation != "" {
		// Classification only ever selects from vr.Issues, so this is a
		// programming error; it is logged at error level and the context
		// is still returned.
		a.log.Error("correction context subset invariant violated", "key", violation)
	}
	return cc
}

func (a *Agent) rememberIssues(issues []session.ValidationIssue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevIssues = append([]session.ValidationIssue(nil), issues...)
}

func (a *Agent) previousIssues() []session.ValidationIssue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]session.ValidationIssue(nil), a.prevIssues...)
}

// Forget clears the previous-issue memory; called when a session resets.
func (a *Agent) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevIssues = nil
}

// suggestedFixes assembles FixStrategy entries from the classification
// plus whatever per-issue explanations the LLM produced.
func suggestedFixes(auto, user []session.ValidationIssue, llmCorrection map[string]any) []session.FixStrategy {
	explanations := analysisByCheck(llmCorrection)
	var fixes []session.FixStrategy
	for _, i := range auto {
		fixes = append(fixes, session.FixStrategy{
			IssueRef:        i.CheckName,
			StrategyText:    firstNonEmpty(explanations[i.CheckName], "apply built-in safe default"),
			AutoFixable:     true,
			EstimatedEffort: session.EffortEasy,
		})
	}
	for _, i := range user {
		fixes = append(fixes, session.FixStrategy{
			IssueRef:          i.CheckName,
			StrategyText:      firstNonEmpty(explanations[i.CheckName], "supply the missing value"),
			UserInputRequired: true,
			UserPrompt:        fmt.Sprintf("Please provide a value for %s", FieldForCheck(i.CheckName)),
			EstimatedEffort:   session.EffortMedium,
		})
	}
	return fixes
}

func analysisByCheck(llm map[string]any) map[string]string {
	out := map[string]string{}
	raw, ok := llm["issue_analysis"].([]any)
	if !ok {
		return out
	}
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		check, _ := m["check_name"].(string)
		explanation, _ := m["explanation"].(string)
		if check != "" {
			out[check] = explanation
		}
	}
	return out
}

func joinAnalysis(llm map[string]any) string {
	byCheck := analysisByCheck(llm)
	out := ""
	for _, v := range byCheck {
		if out != "" {
			out += " "
		}
		out += v
	}
	return out
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
