package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/agent/conversation"
	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/agent/evaluation"
	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/convertport"
	"github.com/nwbconvert/kernel/pkg/llmport"
	"github.com/nwbconvert/kernel/pkg/nwbport"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/report"
	"github.com/nwbconvert/kernel/pkg/session"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

// fakeConvert writes the merged metadata (plus a per-run attempt
// counter, standing in for the embedded timestamps that make real NWB
// bytes differ between attempts) as the output file's content.
type fakeConvert struct {
	mu       sync.Mutex
	attempts int
}

func (f *fakeConvert) DetectFormat(_ context.Context, _ string) ([]convertport.CandidateInterface, error) {
	return []convertport.CandidateInterface{{InterfaceName: "SpikeGLXRecordingInterface", Confidence: 0.95}}, nil
}

func (f *fakeConvert) Convert(_ context.Context, req convertport.ConvertRequest) (convertport.ConvertResult, error) {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	f.mu.Unlock()

	content, _ := json.Marshal(map[string]any{"metadata": req.Metadata, "run": n})
	if err := os.WriteFile(req.OutputPath, content, 0o644); err != nil {
		return convertport.ConvertResult{}, err
	}
	return convertport.ConvertResult{
		OutputPath: req.OutputPath,
		Technical:  convertport.TechnicalMetadata{SamplingRateHz: 30000, ChannelCount: 16, DurationSec: 5, DType: "int16"},
	}, nil
}

// fakeNWB derives inspector issues from the metadata the fake converter
// embedded in the file, via a per-test rules function.
type fakeNWB struct {
	rules func(meta map[string]string) []session.ValidationIssue
}

func (f *fakeNWB) Open(_ context.Context, nwbPath string) (nwbport.OpenResult, error) {
	if _, err := os.Stat(nwbPath); err != nil {
		return nwbport.OpenResult{}, err
	}
	return nwbport.OpenResult{NWBVersion: "2.6.0", Info: session.FileInfo{NWBVersion: "2.6.0", ChannelCount: 16, SamplingRateHz: 30000}}, nil
}

func (f *fakeNWB) Inspect(_ context.Context, nwbPath string) ([]session.ValidationIssue, error) {
	raw, err := os.ReadFile(nwbPath)
	if err != nil {
		return nil, err
	}
	var content struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	issues := f.rules(content.Metadata)
	for i := range issues {
		issues[i].FilePath = nwbPath
	}
	return issues, nil
}

type fakeLLM struct{}

func (fakeLLM) Complete(_ context.Context, _ string, p string) (llmport.CompletionResult, error) {
	var text string
	switch {
	case strings.Contains(p, "fix roadmap") || strings.Contains(p, "roadmap"):
		userNeeded := "[]"
		analysis := "[]"
		if strings.Contains(p, "check_missing_electrode_location") {
			userNeeded = `["check_missing_electrode_location"]`
			analysis = `[{"check_name":"check_missing_electrode_location","explanation":"electrode location is absent"}]`
		}
		text = fmt.Sprintf(`{"issue_analysis":%s,"fix_roadmap":["address each issue"],"auto_fixable":[],"user_input_needed":%s}`, analysis, userNeeded)
	case strings.Contains(p, "Field needed"):
		text = `{"question":"Where were the electrodes implanted?","why_needed":"NWB requires electrode locations","example_value":"CA1","validation_rule":"non-empty string"}`
	default:
		text = `{"executive_summary":"The conversion looks good.","quality_assessment":"High quality.","recommendations":[]}`
	}
	return llmport.CompletionResult{Text: text}, nil
}

type fakePDF struct{}

func (fakePDF) RenderPDF(_ report.PassedDocument) ([]byte, error) { return []byte("%PDF-fake"), nil }

type kernel struct {
	orch  *Orchestrator
	store *session.Store

	mu     sync.Mutex
	events []session.Event
}

func (k *kernel) eventsSnapshot() []session.Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]session.Event(nil), k.events...)
}

func newKernel(t *testing.T, rules func(map[string]string) []session.ValidationIssue) *kernel {
	t.Helper()

	k := &kernel{}
	store := session.NewStore()
	store.Subscribe(func(ev session.Event) {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.events = append(k.events, ev)
	})

	registry, err := prompt.LoadBuiltin()
	require.NoError(t, err)
	prompts := prompt.NewService(registry, fakeLLM{})
	reports := report.NewService(fakePDF{}, t.TempDir())
	nwb := &fakeNWB{rules: rules}

	convAgent := conversion.New(&fakeConvert{}, nwb, prompts, store, t.TempDir())
	evalAgent := evaluation.New(nwb, prompts, reports, store)
	convoAgent := conversation.New(prompts, store)

	b := bus.NewRegistry(store)
	b.Register(AgentConversion, convAgent.Handler())
	b.Register(AgentEvaluation, evalAgent.Handler())
	b.Register(AgentConversation, convoAgent.Handler())

	orch := New(b, store)
	orch.OnReset(evalAgent.Forget)
	orch.OnReset(convoAgent.Forget)
	k.orch = orch
	k.store = store
	return k
}

func fullMetadata() session.Metadata {
	return session.Metadata{
		SubjectID:          "mouse_001",
		Species:            "Mus musculus",
		SessionDescription: "Test recording",
		SessionStartTime:   "2025-01-15T09:00:00Z",
		Age:                "P90D",
	}
}

// missingAgeRule flags a single WARNING when age is absent (Scenario B/C
// shape).
func missingAgeRule(meta map[string]string) []session.ValidationIssue {
	if meta["age"] == "" {
		return []session.ValidationIssue{{
			CheckName: "check_missing_age", Severity: session.SeverityWarning,
			Message: "age is missing from Subject", Location: "/general/subject",
		}}
	}
	return nil
}

// missingElectrodeRule flags one ERROR until electrode_location is
// supplied (Scenario D/E shape — a user-input-required failure).
func missingElectrodeRule(meta map[string]string) []session.ValidationIssue {
	if meta["electrode_location"] == "" {
		return []session.ValidationIssue{{
			CheckName: "check_missing_electrode_location", Severity: session.SeverityError,
			Message: "electrode location is required", Location: "/general/extracellular_ephys",
		}}
	}
	return nil
}

// corruptAcquisitionRule flags an ERROR nothing can fix (Scenario F).
func corruptAcquisitionRule(_ map[string]string) []session.ValidationIssue {
	return []session.ValidationIssue{{
		CheckName: "check_acquisition_corrupt", Severity: session.SeverityError,
		Message: "acquisition series is corrupt", Location: "/acquisition",
	}}
}

func (k *kernel) start(t *testing.T, meta session.Metadata) {
	t.Helper()
	fieldErrs, err := k.orch.StartSession(context.Background(), session.UploadRequest{InputPath: t.TempDir(), Metadata: meta})
	require.NoError(t, err)
	require.Empty(t, fieldErrs)
}

func (k *kernel) awaitDecision(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return k.store.GetSnapshot().AwaitingUserDecision }, waitFor, tick)
}

func (k *kernel) awaitTerminal(t *testing.T) *session.State {
	t.Helper()
	select {
	case <-k.orch.Done():
	case <-time.After(waitFor):
		t.Fatal("pipeline did not reach a terminal status")
	}
	return k.store.GetSnapshot()
}

func TestScenarioA_CleanPass(t *testing.T) {
	k := newKernel(t, missingAgeRule)
	k.start(t, fullMetadata())

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, session.ValidationPassed, snap.ValidationStatus)
	assert.Equal(t, 1, snap.AttemptNumber)
	assert.Len(t, snap.Checksums, 1)
	assert.Len(t, snap.History, 1)
	assert.Contains(t, snap.OutputPath, "mouse_001_attempt1_")
	assert.Contains(t, snap.OutputPath, ".nwb")

	stageNames := map[session.StageName]bool{}
	for _, st := range snap.Stages {
		assert.Equal(t, session.StageCompleted, st.Status)
		stageNames[st.Name] = true
	}
	assert.True(t, stageNames[session.StageConversion])
	assert.True(t, stageNames[session.StageEvaluation])
	assert.True(t, stageNames[session.StageReportGeneration])
}

func TestScenarioB_PassWithIssuesUserAccepts(t *testing.T) {
	k := newKernel(t, missingAgeRule)
	meta := fullMetadata()
	meta.Age = ""
	k.start(t, meta)

	k.awaitDecision(t)
	_, err := k.orch.SubmitDecision(context.Background(), false, true)
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, session.ValidationPassedAccepted, snap.ValidationStatus)
	assert.Equal(t, 1, snap.AttemptNumber)
	assert.Len(t, snap.Checksums, 1)
	require.Len(t, snap.History, 1)
	assert.Equal(t, 1, snap.History[0].IssuesAfter)
}

func TestScenarioC_PassWithIssuesUserImproves(t *testing.T) {
	k := newKernel(t, missingAgeRule)
	meta := fullMetadata()
	meta.Age = ""
	k.start(t, meta)

	k.awaitDecision(t)
	// check_missing_age has a built-in safe default, so approval alone
	// carries the improvement into attempt 2.
	_, err := k.orch.SubmitDecision(context.Background(), true, false)
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, session.ValidationPassedImproved, snap.ValidationStatus)
	assert.Equal(t, 2, snap.AttemptNumber)
	assert.Len(t, snap.Checksums, 2)
	assert.Len(t, snap.History, 2)
	assert.NotEqual(t, snap.Checksums[1], snap.Checksums[2], "a new attempt must change the artifact")
}

func TestScenarioD_FailedUserRetriesWithInputAndSucceeds(t *testing.T) {
	k := newKernel(t, missingElectrodeRule)
	k.start(t, fullMetadata())

	k.awaitDecision(t)
	resp, err := k.orch.SubmitDecision(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, "input", resp["awaiting"])
	require.Eventually(t, func() bool { return k.store.GetSnapshot().AwaitingUserInput }, waitFor, tick)

	_, err = k.orch.SubmitInput(context.Background(), "electrode_location", "CA1")
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, session.ValidationPassedImproved, snap.ValidationStatus)
	assert.Equal(t, 2, snap.AttemptNumber)
	assert.Len(t, snap.Checksums, 2)
	assert.Len(t, snap.History, 2)
}

func TestScenarioE_FailedUserDeclines(t *testing.T) {
	k := newKernel(t, missingElectrodeRule)
	k.start(t, fullMetadata())

	k.awaitDecision(t)
	_, err := k.orch.SubmitDecision(context.Background(), false, false)
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Equal(t, session.ValidationFailedUserDeclined, snap.ValidationStatus)
	assert.Equal(t, 1, snap.AttemptNumber)
	assert.Len(t, snap.Checksums, 1)
	assert.NotEmpty(t, snap.OutputPath, "failed-QA NWB remains downloadable")
}

func TestScenarioF_NoProgressGuardFiresOnSecondIdenticalAttempt(t *testing.T) {
	k := newKernel(t, corruptAcquisitionRule)
	k.start(t, fullMetadata())

	k.awaitDecision(t)
	_, err := k.orch.SubmitDecision(context.Background(), true, false)
	require.NoError(t, err)

	// Attempt 2 reproduces the identical fingerprint and asks again.
	k.awaitDecision(t)
	_, err = k.orch.SubmitDecision(context.Background(), true, false)
	require.NoError(t, err)

	// The guard fires when forwarding the second retry with nothing new.
	require.Eventually(t, func() bool {
		for _, ev := range k.eventsSnapshot() {
			if ev.Kind == session.EventNotification && strings.HasPrefix(ev.Message, "No changes detected") {
				return true
			}
		}
		return false
	}, waitFor, tick)

	// Let the third attempt fail again and decline to finish the session.
	k.awaitDecision(t)
	_, err = k.orch.SubmitDecision(context.Background(), false, false)
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Equal(t, session.ValidationFailedUserDeclined, snap.ValidationStatus)
}

func TestUploadWhileBusyIsRejected(t *testing.T) {
	k := newKernel(t, missingElectrodeRule)
	k.start(t, fullMetadata())

	_, err := k.orch.StartSession(context.Background(), session.UploadRequest{InputPath: t.TempDir(), Metadata: fullMetadata()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SessionBusy")

	k.awaitDecision(t)
	_, err = k.orch.SubmitDecision(context.Background(), false, false)
	require.NoError(t, err)
	k.awaitTerminal(t)
}

func TestUploadWithInvalidMetadataLeavesSessionIdle(t *testing.T) {
	k := newKernel(t, missingAgeRule)
	fieldErrs, err := k.orch.StartSession(context.Background(), session.UploadRequest{
		InputPath: t.TempDir(),
		Metadata:  session.Metadata{Species: "Mus musculus"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fieldErrs)
	assert.Equal(t, session.StatusIdle, k.store.GetSnapshot().Status)
}

func TestAbandonInputEndsFailedUserAbandoned(t *testing.T) {
	k := newKernel(t, missingElectrodeRule)
	k.start(t, fullMetadata())

	k.awaitDecision(t)
	_, err := k.orch.SubmitDecision(context.Background(), true, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return k.store.GetSnapshot().AwaitingUserInput }, waitFor, tick)

	_, err = k.orch.AbandonInput(context.Background())
	require.NoError(t, err)

	snap := k.awaitTerminal(t)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Equal(t, session.ValidationFailedUserAbandoned, snap.ValidationStatus)
}

func TestResetAfterTerminalReturnsToIdle(t *testing.T) {
	k := newKernel(t, missingAgeRule)
	k.start(t, fullMetadata())
	k.awaitTerminal(t)

	require.NoError(t, k.orch.Reset())
	snap := k.store.GetSnapshot()
	assert.Equal(t, session.StatusIdle, snap.Status)
	assert.Equal(t, session.ValidationUnset, snap.ValidationStatus)
	assert.Empty(t, snap.Checksums)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Logs)
}
