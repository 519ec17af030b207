package session

import "time"

// EventKind enumerates the mutation events the Store announces to its
// observer. The set covers every Store mutation except SetIssueCounts,
// so that replaying a session's event journal into a fresh State
// reconstructs {status, validation_status, attempt_number, stages,
// checksums} — see pkg/journal.
type EventKind string

const (
	EventSessionBegan     EventKind = "session_began"
	EventAttemptStarted   EventKind = "attempt_started"
	EventStageUpdated     EventKind = "stage_updated"
	EventLogAppended      EventKind = "log_appended"
	EventChecksumRecorded EventKind = "checksum_recorded"
	EventValidationSet    EventKind = "validation_set"
	EventAttemptRecorded  EventKind = "attempt_recorded"
	EventAwaitingChanged  EventKind = "awaiting_changed"
	EventNotification     EventKind = "notification"
	EventErrorRaised      EventKind = "error_raised"
	EventFinalized        EventKind = "finalized"
	EventReset            EventKind = "reset"
)

// Event is one observed Store mutation. Only the fields relevant to the
// Kind are populated.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	Message string    `json:"message,omitempty"`
	Stage   *Stage    `json:"stage,omitempty"`
	Log     *LogEntry `json:"log,omitempty"`

	InputPath        string           `json:"input_path,omitempty"`
	Metadata         *Metadata        `json:"metadata,omitempty"`
	AttemptNumber    int              `json:"attempt_number,omitempty"`
	Checksum         string           `json:"checksum,omitempty"`
	OutputPath       string           `json:"output_path,omitempty"`
	Status           Status           `json:"status,omitempty"`
	ValidationStatus ValidationStatus `json:"validation_status,omitempty"`
	Summary          *AttemptSummary  `json:"summary,omitempty"`

	AwaitingDecision bool     `json:"awaiting_decision,omitempty"`
	AwaitingInput    bool     `json:"awaiting_input,omitempty"`
	PendingFields    []string `json:"pending_fields,omitempty"`
}

// Observer receives every Store mutation event, in the order the
// mutations were applied. Observers run
// on the mutating goroutine after the Store's lock is released and must
// not call back into the Store.
type Observer func(Event)

// Apply folds one event into the State — the replay half of the journal
// round-trip law. Events Apply does not recognize are ignored, so a
// journal from a newer build replays losslessly for the fields it knows.
func (s *State) Apply(ev Event) {
	switch ev.Kind {
	case EventSessionBegan:
		s.Status = StatusProcessing
		s.InputPath = ev.InputPath
		if ev.Metadata != nil {
			s.Metadata = *ev.Metadata
		}
		s.Timestamps["accepted"] = ev.Timestamp
	case EventAttemptStarted:
		s.AttemptNumber = ev.AttemptNumber
	case EventStageUpdated:
		if ev.Stage == nil {
			return
		}
		for i := range s.Stages {
			st := &s.Stages[i]
			if st.Name == ev.Stage.Name && st.Status != StageCompleted && st.Status != StageFailed {
				*st = *ev.Stage
				return
			}
		}
		s.Stages = append(s.Stages, *ev.Stage)
	case EventLogAppended:
		if ev.Log != nil {
			s.Logs = append(s.Logs, *ev.Log)
		}
	case EventChecksumRecorded:
		s.Checksums[ev.AttemptNumber] = ev.Checksum
		s.OutputPath = ev.OutputPath
	case EventValidationSet:
		s.ValidationStatus = ev.ValidationStatus
		if ev.Message != "" {
			s.ErrorMessage = ev.Message
		}
	case EventAttemptRecorded:
		if ev.Summary != nil {
			s.History = append(s.History, *ev.Summary)
		}
	case EventAwaitingChanged:
		s.AwaitingUserDecision = ev.AwaitingDecision
		s.AwaitingUserInput = ev.AwaitingInput
		s.PendingInputFields = append([]string(nil), ev.PendingFields...)
	case EventFinalized:
		s.Status = ev.Status
		s.AwaitingUserDecision = false
		s.AwaitingUserInput = false
		s.Timestamps["finalized"] = ev.Timestamp
	}
}
