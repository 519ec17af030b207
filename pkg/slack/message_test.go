package slack

import (
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbconvert/kernel/pkg/session"
)

func sectionText(t *testing.T, block goslack.Block) string {
	t.Helper()
	section, ok := block.(*goslack.SectionBlock)
	require.True(t, ok, "expected section block")
	return section.Text.Text
}

func TestBuildStartedMessage(t *testing.T) {
	blocks := BuildStartedMessage("sess-1", "mouse_001", "https://dash.example")
	require.Len(t, blocks, 1)
	text := sectionText(t, blocks[0])
	assert.Contains(t, text, "mouse_001")
	assert.Contains(t, text, "https://dash.example/sessions/sess-1")
}

func TestBuildStartedMessage_NoDashboard(t *testing.T) {
	blocks := BuildStartedMessage("sess-1", "mouse_001", "")
	text := sectionText(t, blocks[0])
	assert.NotContains(t, text, "View in Dashboard")
}

func TestBuildTerminalMessage_Passed(t *testing.T) {
	blocks := BuildTerminalMessage(TerminalInput{
		SessionID:        "sess-1",
		ValidationStatus: session.ValidationPassedImproved,
		AttemptNumber:    2,
		OutputPath:       "/outputs/mouse_001_attempt2_abcd1234.nwb",
	}, "https://dash.example")
	require.Len(t, blocks, 2)
	text := sectionText(t, blocks[0])
	assert.Contains(t, text, "Conversion Improved and Passed")
	assert.Contains(t, text, "2 attempt(s)")
	assert.Contains(t, text, "mouse_001_attempt2_abcd1234.nwb")
}

func TestBuildTerminalMessage_UnknownStatusFallsBackToFailed(t *testing.T) {
	blocks := BuildTerminalMessage(TerminalInput{
		SessionID:     "sess-1",
		AttemptNumber: 1,
		ErrorMessage:  "inspector crashed",
	}, "")
	require.Len(t, blocks, 1)
	text := sectionText(t, blocks[0])
	assert.Contains(t, text, "Conversion Failed")
	assert.Contains(t, text, "inspector crashed")
}

func TestTruncateForSlack(t *testing.T) {
	long := make([]byte, maxBlockTextLength+100)
	for i := range long {
		long[i] = 'a'
	}
	out := truncateForSlack(string(long))
	assert.Contains(t, out, "truncated")
	assert.Less(t, len(out), maxBlockTextLength+200)
}
