// Store serializes all mutation of the single process-global
// SessionState behind one mutex: one mutation lane, one in-flight
// conversion.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadRequest is the minimal input accepted by Begin.
// The adapter is responsible for staging the files; the
// Store only needs the resolved input path and the user-supplied metadata.
type UploadRequest struct {
	InputPath string
	Metadata  Metadata
}

// Store owns the singleton State and its mutation lane. Every mutation
// except SetIssueCounts (which emits no event) is announced to the
// registered Observers after the lock is released, in
// mutation order, so the journal and the WebSocket stream see the same
// sequence the State itself went through.
type Store struct {
	mu    sync.Mutex
	state *State
	id    string

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore returns a Store holding a freshly reset, idle State.
func NewStore() *Store {
	return &Store{state: New(), id: uuid.NewString()}
}

// Subscribe registers an observer for mutation events. Subscribe is meant
// for startup wiring; it is safe but not expected to be called mid-session.
func (st *Store) Subscribe(obs Observer) {
	st.obsMu.Lock()
	defer st.obsMu.Unlock()
	st.observers = append(st.observers, obs)
}

func (st *Store) emit(ev Event) {
	st.obsMu.RLock()
	observers := st.observers
	st.obsMu.RUnlock()
	for _, obs := range observers {
		obs(ev)
	}
}

func (st *Store) event(kind EventKind) Event {
	return Event{Kind: kind, Timestamp: time.Now(), SessionID: st.id}
}

// SessionID returns the identifier of the current session lifetime. It
// changes on Reset so that log directories (LOG_DIR/<session_id>/) never
// collide across lifetimes sharing one process.
func (st *Store) SessionID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.id
}

// GetSnapshot returns an immutable deep copy of the current state.
func (st *Store) GetSnapshot() *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.Clone()
}

// Begin atomically tests status==idle and flips to processing.
// Returns false without mutation if the session is busy.
func (st *Store) Begin(req UploadRequest) bool {
	st.mu.Lock()
	if st.state.Status != StatusIdle {
		st.mu.Unlock()
		return false
	}
	st.state.Status = StatusProcessing
	st.state.InputPath = req.InputPath
	st.state.Metadata = req.Metadata
	st.state.AttemptNumber = 0
	st.state.Timestamps["accepted"] = time.Now()
	st.mu.Unlock()

	ev := st.event(EventSessionBegan)
	meta := req.Metadata
	ev.InputPath = req.InputPath
	ev.Metadata = &meta
	st.emit(ev)
	return true
}

// UpdateStageFields mutates (or appends) the stage with the given name.
// Exactly one stage may be in_progress at a time;
// callers must transition the previous in_progress stage to a terminal
// status before opening a new one, which this method enforces for the
// "entering in_progress" transition.
func (st *Store) UpdateStageFields(name StageName, status StageStatus, outputPath, stageErr string) error {
	st.mu.Lock()

	if status == StageInProgress {
		if cur := st.state.CurrentStage(); cur != nil && cur.Name != name {
			st.mu.Unlock()
			return fmt.Errorf("session: cannot start stage %q while %q is in_progress", name, cur.Name)
		}
	}

	now := time.Now()
	var updated Stage
	found := false
	for i := range st.state.Stages {
		s := &st.state.Stages[i]
		if s.Name == name && s.Status != StageCompleted && s.Status != StageFailed {
			s.Status = status
			if outputPath != "" {
				s.OutputPath = outputPath
			}
			if stageErr != "" {
				s.Error = stageErr
			}
			if status == StageCompleted || status == StageFailed {
				s.End = now
			}
			updated = *s
			found = true
			break
		}
	}
	if !found {
		updated = Stage{
			Name:       name,
			Status:     status,
			Start:      now,
			OutputPath: outputPath,
			Error:      stageErr,
		}
		st.state.Stages = append(st.state.Stages, updated)
	}
	st.mu.Unlock()

	ev := st.event(EventStageUpdated)
	ev.Stage = &updated
	st.emit(ev)
	return nil
}

// AppendLog appends one structured, append-only log entry.
func (st *Store) AppendLog(level, message string, fields map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	st.mu.Lock()
	st.state.Logs = append(st.state.Logs, entry)
	st.mu.Unlock()

	ev := st.event(EventLogAppended)
	ev.Log = &entry
	st.emit(ev)
}

// Notify emits a user-facing notification event for the WebSocket
// stream and mirrors it into the append-only log.
func (st *Store) Notify(message string, fields map[string]any) {
	st.AppendLog("notice", message, fields)
	ev := st.event(EventNotification)
	ev.Message = message
	st.emit(ev)
}

// RaiseError records a sanitized error event for the WebSocket stream
// and the append-only log.
func (st *Store) RaiseError(errorCode, message string) {
	st.AppendLog("error", message, map[string]any{"error_code": errorCode})
	ev := st.event(EventErrorRaised)
	ev.Message = message
	st.emit(ev)
}

// SetValidation sets the terminal validation_status (Conversation-Agent-only
// only) and records an optional error message.
func (st *Store) SetValidation(status ValidationStatus, errMsg string) {
	st.mu.Lock()
	st.state.ValidationStatus = status
	if errMsg != "" {
		st.state.ErrorMessage = errMsg
	}
	st.mu.Unlock()

	ev := st.event(EventValidationSet)
	ev.ValidationStatus = status
	ev.Message = errMsg
	st.emit(ev)
}

// SetIssueCounts mirrors the latest attempt's issue counts into the
// state for the status projection's validation_details.
func (st *Store) SetIssueCounts(counts map[Severity]int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.IssueCounts = make(map[Severity]int, len(counts))
	for k, v := range counts {
		st.state.IssueCounts[k] = v
	}
}

// RecordAttempt appends one append-only history entry.
func (st *Store) RecordAttempt(summary AttemptSummary) {
	st.mu.Lock()
	st.state.History = append(st.state.History, summary)
	st.mu.Unlock()

	ev := st.event(EventAttemptRecorded)
	s := summary
	ev.Summary = &s
	st.emit(ev)
}

// RecordChecksum stores the checksum for an attempt. Producing a
// changed artifact per attempt is the caller's responsibility; the
// Store only stores.
func (st *Store) RecordChecksum(attempt int, checksum, outputPath string) {
	st.mu.Lock()
	st.state.Checksums[attempt] = checksum
	st.state.OutputPath = outputPath
	st.mu.Unlock()

	ev := st.event(EventChecksumRecorded)
	ev.AttemptNumber = attempt
	ev.Checksum = checksum
	ev.OutputPath = outputPath
	st.emit(ev)
}

// BeginAttempt increments attempt_number and marks the timestamp of the
// new attempt's start.
func (st *Store) BeginAttempt() int {
	st.mu.Lock()
	st.state.AttemptNumber++
	n := st.state.AttemptNumber
	st.state.Timestamps[fmt.Sprintf("attempt_%d_start", n)] = time.Now()
	st.mu.Unlock()

	ev := st.event(EventAttemptStarted)
	ev.AttemptNumber = n
	st.emit(ev)
	return n
}

// SetAwaitingDecision flips the decision-gate flags the Conversation Agent
// uses to report "awaiting_user_decision"/"awaiting_user_input".
func (st *Store) SetAwaitingDecision(awaiting bool) {
	st.mu.Lock()
	st.state.AwaitingUserDecision = awaiting
	ev := st.awaitingEventLocked()
	st.mu.Unlock()
	st.emit(ev)
}

// SetAwaitingInput flips the awaiting-input flag and records which fields
// are currently being requested.
func (st *Store) SetAwaitingInput(awaiting bool, fields []string) {
	st.mu.Lock()
	st.state.AwaitingUserInput = awaiting
	st.state.PendingInputFields = append([]string(nil), fields...)
	ev := st.awaitingEventLocked()
	st.mu.Unlock()
	st.emit(ev)
}

func (st *Store) awaitingEventLocked() Event {
	ev := Event{Kind: EventAwaitingChanged, Timestamp: time.Now(), SessionID: st.id}
	ev.AwaitingDecision = st.state.AwaitingUserDecision
	ev.AwaitingInput = st.state.AwaitingUserInput
	ev.PendingFields = append([]string(nil), st.state.PendingInputFields...)
	return ev
}

// Finalize marks the session status terminal (completed or failed) and
// stamps the finalization timestamp.
func (st *Store) Finalize(terminal Status) {
	st.mu.Lock()
	st.state.Status = terminal
	st.state.Timestamps["finalized"] = time.Now()
	st.state.AwaitingUserDecision = false
	st.state.AwaitingUserInput = false
	validation := st.state.ValidationStatus
	attempt := st.state.AttemptNumber
	output := st.state.OutputPath
	st.mu.Unlock()

	ev := st.event(EventFinalized)
	ev.Status = terminal
	ev.ValidationStatus = validation
	ev.AttemptNumber = attempt
	ev.OutputPath = output
	st.emit(ev)
}

// Reset returns the session to idle with a full reset:
// logs, history, checksums, stages, and the session id are all cleared.
// Only permitted from idle or a terminal status.
func (st *Store) Reset() error {
	st.mu.Lock()
	if st.state.Status == StatusProcessing {
		st.mu.Unlock()
		return fmt.Errorf("session: cannot reset mid-processing")
	}
	oldID := st.id
	st.state = New()
	st.id = uuid.NewString()
	st.mu.Unlock()

	st.emit(Event{Kind: EventReset, Timestamp: time.Now(), SessionID: oldID})
	return nil
}

// AttemptNumbers returns the sorted set of attempts with recorded checksums,
// used by the download endpoint to list prior artifacts.
func (st *Store) AttemptNumbers() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]int, 0, len(st.state.Checksums))
	for n := range st.state.Checksums {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
