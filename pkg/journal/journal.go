// Package journal persists every Session Store mutation event as an
// append-only JSON-Lines file under LOG_DIR/<session_id>/session.jsonl.
// Replay folds a journal back into a fresh SessionState, reconstructing
// {status, validation_status, attempt_number, stages, checksums}. Flat
// files, not a database: the kernel carries no persistent store.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nwbconvert/kernel/pkg/session"
)

// Writer mirrors Store events into per-session JSONL files. It is an
// Observer: wire it with store.Subscribe(w.Observe).
type Writer struct {
	logDir string
	log    *slog.Logger

	mu        sync.Mutex
	file      *os.File
	sessionID string
}

// NewWriter builds a journal Writer rooted at logDir.
func NewWriter(logDir string) *Writer {
	return &Writer{logDir: logDir, log: slog.Default().With("component", "journal")}
}

// Path returns the journal file path for a session id.
func (w *Writer) Path(sessionID string) string {
	return filepath.Join(w.logDir, sessionID, "session.jsonl")
}

// Observe appends ev to the current session's journal, opening a new file
// when the session id changes (Reset starts a new lifetime). Write
// failures are logged, never raised — the journal is an audit trail, not
// a gate on the pipeline.
func (w *Writer) Observe(ev session.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Kind == session.EventReset {
		w.closeLocked()
		return
	}

	if w.file == nil || w.sessionID != ev.SessionID {
		w.closeLocked()
		if err := w.openLocked(ev.SessionID); err != nil {
			w.log.Error("failed to open session journal", "session_id", ev.SessionID, "error", err)
			return
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.log.Error("failed to marshal journal event", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.log.Error("failed to append journal event", "session_id", ev.SessionID, "error", err)
	}
}

func (w *Writer) openLocked(sessionID string) error {
	dir := filepath.Join(w.logDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "session.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.sessionID = sessionID
	return nil
}

func (w *Writer) closeLocked() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
		w.sessionID = ""
	}
}

// Close releases the open journal file, if any.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

// Replay reads a session.jsonl file and folds every event into a fresh
// State. Unknown event kinds are skipped so older binaries can replay
// newer journals for the fields they understand.
func Replay(path string) (*session.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	state := session.New()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var ev session.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("journal: parse %s line %d: %w", path, lineNo, err)
		}
		state.Apply(ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	return state, nil
}
