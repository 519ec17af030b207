package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/nwbconvert/kernel/pkg/session"
)

const maxBlockTextLength = 2900

var statusEmoji = map[session.ValidationStatus]string{
	session.ValidationPassed:              ":white_check_mark:",
	session.ValidationPassedAccepted:      ":white_check_mark:",
	session.ValidationPassedImproved:      ":sparkles:",
	session.ValidationFailedUserDeclined:  ":x:",
	session.ValidationFailedUserAbandoned: ":no_entry_sign:",
}

var statusLabel = map[session.ValidationStatus]string{
	session.ValidationPassed:              "Conversion Passed",
	session.ValidationPassedAccepted:      "Conversion Accepted With Issues",
	session.ValidationPassedImproved:      "Conversion Improved and Passed",
	session.ValidationFailedUserDeclined:  "Conversion Failed — Retry Declined",
	session.ValidationFailedUserAbandoned: "Conversion Failed — Input Abandoned",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/sessions/%s", dashboardURL, sessionID)
}

// BuildStartedMessage creates Block Kit blocks for a "conversion
// started" notification.
func BuildStartedMessage(sessionID, subjectID, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *NWB conversion started* for subject `%s` — this may take a few minutes.", subjectID)
	if dashboardURL != "" {
		text += fmt.Sprintf("\n<%s|View in Dashboard>", sessionURL(sessionID, dashboardURL))
	}
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// TerminalInput is the data for a terminal-status notification.
type TerminalInput struct {
	SessionID        string
	ValidationStatus session.ValidationStatus
	AttemptNumber    int
	OutputPath       string
	ErrorMessage     string
}

// BuildTerminalMessage creates Block Kit blocks for a terminal session
// notification.
func BuildTerminalMessage(input TerminalInput, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[input.ValidationStatus]
	if emoji == "" {
		emoji = ":x:"
	}
	label := statusLabel[input.ValidationStatus]
	if label == "" {
		label = "Conversion Failed"
	}

	text := fmt.Sprintf("%s *%s* after %d attempt(s)", emoji, label, input.AttemptNumber)
	if input.OutputPath != "" {
		text += fmt.Sprintf("\nLatest NWB artifact: `%s`", input.OutputPath)
	}
	if input.ErrorMessage != "" {
		text += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.ErrorMessage))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Session", false, false))
		btn.URL = sessionURL(input.SessionID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view full details in dashboard)_"
}
