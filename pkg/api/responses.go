package api

import (
	"time"

	"github.com/nwbconvert/kernel/pkg/session"
)

// logTail bounds the status projection's log excerpt.
const logTail = 50

// StatusResponse is the read-only session projection served by the
// status endpoint.
type StatusResponse struct {
	Status               session.Status           `json:"status"`
	ValidationStatus     session.ValidationStatus `json:"validation_status"`
	CurrentStage         string                   `json:"current_stage,omitempty"`
	Stages               []session.Stage          `json:"stages"`
	Metadata             session.Metadata         `json:"metadata"`
	Logs                 []session.LogEntry       `json:"logs"`
	ValidationDetails    map[string]int           `json:"validation_details,omitempty"`
	OutputPath           string                   `json:"output_path,omitempty"`
	ErrorMessage         string                   `json:"error_message,omitempty"`
	AttemptNumber        int                      `json:"attempt_number"`
	AwaitingUserDecision bool                     `json:"awaiting_user_decision"`
	AwaitingUserInput    bool                     `json:"awaiting_user_input"`
	PendingInputFields   []string                 `json:"pending_input_fields,omitempty"`
}

func statusFromSnapshot(snap *session.State) StatusResponse {
	resp := StatusResponse{
		Status:               snap.Status,
		ValidationStatus:     snap.ValidationStatus,
		Stages:               snap.Stages,
		Metadata:             snap.Metadata,
		Logs:                 tail(snap.Logs, logTail),
		OutputPath:           snap.OutputPath,
		ErrorMessage:         snap.ErrorMessage,
		AttemptNumber:        snap.AttemptNumber,
		AwaitingUserDecision: snap.AwaitingUserDecision,
		AwaitingUserInput:    snap.AwaitingUserInput,
		PendingInputFields:   snap.PendingInputFields,
	}
	if cur := snap.CurrentStage(); cur != nil {
		resp.CurrentStage = string(cur.Name)
	}
	if len(snap.IssueCounts) > 0 {
		resp.ValidationDetails = make(map[string]int, len(snap.IssueCounts))
		for sev, n := range snap.IssueCounts {
			resp.ValidationDetails[string(sev)] = n
		}
	}
	return resp
}

func tail(logs []session.LogEntry, n int) []session.LogEntry {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}

// UploadResponse acknowledges an accepted upload.
type UploadResponse struct {
	Accepted  bool      `json:"accepted"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MetadataErrorResponse carries the user-visible field errors of a
// rejected upload.
type MetadataErrorResponse struct {
	Accepted bool                `json:"accepted"`
	Errors   []map[string]string `json:"errors"`
}

// AttemptArtifactResponse lists one prior attempt's NWB artifact and
// checksum.
type AttemptArtifactResponse struct {
	AttemptNumber  int    `json:"attempt_number"`
	Path           string `json:"path"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// HealthResponse reports bus/session-store readiness.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	SessionStatus string `json:"session_status"`
	Agents        int    `json:"agents"`
	Subscribers   int    `json:"subscribers"`
}
