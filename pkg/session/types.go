// Package session holds the single global SessionState for an
// in-flight NWB conversion and the Store that serializes all mutation
// to it.
package session

import "time"

// Status is the top-level conversion lifecycle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidationStatus is the terminal classification set by the Conversation
// Agent only.
type ValidationStatus string

const (
	ValidationUnset               ValidationStatus = "unset"
	ValidationPassed              ValidationStatus = "passed"
	ValidationPassedAccepted      ValidationStatus = "passed_accepted"
	ValidationPassedImproved      ValidationStatus = "passed_improved"
	ValidationFailedUserDeclined  ValidationStatus = "failed_user_declined"
	ValidationFailedUserAbandoned ValidationStatus = "failed_user_abandoned"
)

// StageName enumerates the allowed stage names.
type StageName string

const (
	StageConversion       StageName = "conversion"
	StageEvaluation       StageName = "evaluation"
	StageReportGeneration StageName = "report_generation"
)

// StageStatus is the per-stage lifecycle.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Stage tracks one step of one attempt.
type Stage struct {
	Name       StageName   `json:"name"`
	Status     StageStatus `json:"status"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end,omitempty"`
	OutputPath string      `json:"output_path,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// LogEntry is one append-only structured log line.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AttemptSummary is one per-attempt history record.
type AttemptSummary struct {
	AttemptNumber int    `json:"attempt_number"`
	IssuesBefore  int    `json:"issues_before"`
	IssuesAfter   int    `json:"issues_after"`
	UserDecision  string `json:"user_decision,omitempty"`
}

// Metadata is the user-supplied NWB metadata bundle.
type Metadata struct {
	SubjectID          string `json:"subject_id,omitempty"`
	Species            string `json:"species,omitempty"`
	SessionDescription string `json:"session_description,omitempty"`
	SessionStartTime   string `json:"session_start_time,omitempty"`
	Experimenter       string `json:"experimenter,omitempty"`
	Institution        string `json:"institution,omitempty"`
	Lab                string `json:"lab,omitempty"`
	Age                string `json:"age,omitempty"`
	Sex                string `json:"sex,omitempty"`
	Weight             string `json:"weight,omitempty"`
}

// State is the singleton SessionState for the process.
// Zero value is not useful; construct with New().
type State struct {
	Status           Status               `json:"status"`
	ValidationStatus ValidationStatus     `json:"validation_status"`
	InputPath        string               `json:"input_path"`
	OutputPath       string               `json:"output_path,omitempty"`
	Metadata         Metadata             `json:"metadata"`
	Stages           []Stage              `json:"stages"`
	Logs             []LogEntry           `json:"logs"`
	Timestamps       map[string]time.Time `json:"timestamps"`
	AttemptNumber    int                  `json:"attempt_number"`
	Checksums        map[int]string       `json:"checksums"`
	History          []AttemptSummary     `json:"history"`
	ErrorMessage     string               `json:"error_message,omitempty"`

	// IssueCounts mirrors the most recent attempt's ValidationResult
	// issue_counts for the status projection.
	IssueCounts map[Severity]int `json:"issue_counts,omitempty"`

	// AwaitingUserDecision/AwaitingUserInput/PendingInputFields are set and
	// cleared explicitly by the Conversation Agent rather than
	// derived, since "what is the user being asked for right now" is a fact
	// only the Conversation Agent's handler knows at the moment it suspends.
	AwaitingUserDecision bool     `json:"awaiting_user_decision"`
	AwaitingUserInput    bool     `json:"awaiting_user_input"`
	PendingInputFields   []string `json:"pending_input_fields,omitempty"`
}

// New returns a freshly reset State in the idle status.
func New() *State {
	return &State{
		Status:           StatusIdle,
		ValidationStatus: ValidationUnset,
		Stages:           []Stage{},
		Logs:             []LogEntry{},
		Timestamps:       map[string]time.Time{},
		Checksums:        map[int]string{},
		History:          []AttemptSummary{},
	}
}

// Clone returns a deep copy safe for callers to read without holding
// the Store's lock.
func (s *State) Clone() *State {
	out := &State{
		Status:           s.Status,
		ValidationStatus: s.ValidationStatus,
		InputPath:        s.InputPath,
		OutputPath:       s.OutputPath,
		Metadata:         s.Metadata,
		AttemptNumber:    s.AttemptNumber,
		ErrorMessage:     s.ErrorMessage,
	}
	out.Stages = append([]Stage(nil), s.Stages...)
	out.Logs = append([]LogEntry(nil), s.Logs...)
	out.History = append([]AttemptSummary(nil), s.History...)
	out.Timestamps = make(map[string]time.Time, len(s.Timestamps))
	for k, v := range s.Timestamps {
		out.Timestamps[k] = v
	}
	out.Checksums = make(map[int]string, len(s.Checksums))
	for k, v := range s.Checksums {
		out.Checksums[k] = v
	}
	if s.IssueCounts != nil {
		out.IssueCounts = make(map[Severity]int, len(s.IssueCounts))
		for k, v := range s.IssueCounts {
			out.IssueCounts[k] = v
		}
	}
	out.AwaitingUserDecision = s.AwaitingUserDecision
	out.AwaitingUserInput = s.AwaitingUserInput
	out.PendingInputFields = append([]string(nil), s.PendingInputFields...)
	return out
}

// CurrentStage returns the in-progress stage, if any (invariant: at most one).
func (s *State) CurrentStage() *Stage {
	for i := range s.Stages {
		if s.Stages[i].Status == StageInProgress {
			return &s.Stages[i]
		}
	}
	return nil
}
