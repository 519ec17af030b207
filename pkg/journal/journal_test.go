package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/session"
)

// driveTerminalSession runs a store through a two-attempt session ending
// in passed_improved, mirroring the mutations the orchestrator performs.
func driveTerminalSession(store *session.Store) {
	store.Begin(session.UploadRequest{
		InputPath: "/uploads/rec",
		Metadata:  session.Metadata{SubjectID: "mouse_001", Species: "Mus musculus"},
	})

	store.BeginAttempt()
	store.UpdateStageFields(session.StageConversion, session.StageInProgress, "", "")
	store.UpdateStageFields(session.StageConversion, session.StageCompleted, "/outputs/a1.nwb", "")
	store.RecordChecksum(1, "aaaa1111", "/outputs/a1.nwb")
	store.UpdateStageFields(session.StageEvaluation, session.StageInProgress, "", "")
	store.UpdateStageFields(session.StageEvaluation, session.StageCompleted, "", "")
	store.RecordAttempt(session.AttemptSummary{AttemptNumber: 1, IssuesBefore: 0, IssuesAfter: 2, UserDecision: "improve"})

	store.BeginAttempt()
	store.UpdateStageFields(session.StageConversion, session.StageInProgress, "", "")
	store.UpdateStageFields(session.StageConversion, session.StageCompleted, "/outputs/a2.nwb", "")
	store.RecordChecksum(2, "bbbb2222", "/outputs/a2.nwb")
	store.UpdateStageFields(session.StageEvaluation, session.StageInProgress, "", "")
	store.UpdateStageFields(session.StageEvaluation, session.StageCompleted, "", "")
	store.RecordAttempt(session.AttemptSummary{AttemptNumber: 2, IssuesBefore: 2, IssuesAfter: 0})

	store.SetValidation(session.ValidationPassedImproved, "")
	store.Finalize(session.StatusCompleted)
}

func TestReplay_ReconstructsTerminalState(t *testing.T) {
	logDir := t.TempDir()
	w := NewWriter(logDir)
	defer w.Close()

	store := session.NewStore()
	store.Subscribe(w.Observe)
	driveTerminalSession(store)
	w.Close()

	replayed, err := Replay(w.Path(store.SessionID()))
	require.NoError(t, err)

	want := store.GetSnapshot()
	assert.Equal(t, want.Status, replayed.Status)
	assert.Equal(t, want.ValidationStatus, replayed.ValidationStatus)
	assert.Equal(t, want.AttemptNumber, replayed.AttemptNumber)
	assert.Equal(t, want.Checksums, replayed.Checksums)
	require.Len(t, replayed.Stages, len(want.Stages))
	for i := range want.Stages {
		assert.Equal(t, want.Stages[i].Name, replayed.Stages[i].Name)
		assert.Equal(t, want.Stages[i].Status, replayed.Stages[i].Status)
	}
	assert.Equal(t, want.History, replayed.History)
}

func TestReplay_MissingFile(t *testing.T) {
	_, err := Replay(filepath.Join(t.TempDir(), "nope", "session.jsonl"))
	assert.Error(t, err)
}

func TestWriter_NewFilePerSessionLifetime(t *testing.T) {
	logDir := t.TempDir()
	w := NewWriter(logDir)
	defer w.Close()

	store := session.NewStore()
	store.Subscribe(w.Observe)

	firstID := store.SessionID()
	store.Begin(session.UploadRequest{InputPath: "/uploads/x"})
	store.Finalize(session.StatusFailed)
	require.NoError(t, store.Reset())

	secondID := store.SessionID()
	require.NotEqual(t, firstID, secondID)
	store.Begin(session.UploadRequest{InputPath: "/uploads/y"})

	assert.FileExists(t, w.Path(firstID))
	assert.FileExists(t, w.Path(secondID))
}
