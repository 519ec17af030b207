// Package events republishes Session Store mutations to WebSocket
// subscribers as an ordered event stream of kinds progress,
// stage_update, notification, and error, closing the stream when the
// session reaches a terminal status. There is no per-channel fan-out:
// the single-session rule means every subscriber sees every event.
package events

import (
	"time"

	"github.com/nwbconvert/kernel/pkg/session"
)

// Kind is the wire-level event kind.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindStageUpdate  Kind = "stage_update"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// StreamEvent is one published event. Stage and Status are only set for
// stage_update and terminal events respectively.
type StreamEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Stage     *session.Stage `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	Level     string         `json:"level,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// FromStoreEvent maps a Session Store mutation to its wire event, or
// (StreamEvent{}, false) for mutations the stream does not republish.
func FromStoreEvent(ev session.Event) (StreamEvent, bool) {
	switch ev.Kind {
	case session.EventLogAppended:
		if ev.Log == nil {
			return StreamEvent{}, false
		}
		return StreamEvent{
			Timestamp: ev.Log.Timestamp,
			Kind:      KindProgress,
			Message:   ev.Log.Message,
			Level:     ev.Log.Level,
			Fields:    ev.Log.Fields,
		}, true
	case session.EventStageUpdated:
		return StreamEvent{
			Timestamp: ev.Timestamp,
			Kind:      KindStageUpdate,
			Message:   string(ev.Stage.Name) + " " + string(ev.Stage.Status),
			Stage:     ev.Stage,
		}, true
	case session.EventNotification:
		return StreamEvent{Timestamp: ev.Timestamp, Kind: KindNotification, Message: ev.Message}, true
	case session.EventErrorRaised:
		return StreamEvent{Timestamp: ev.Timestamp, Kind: KindError, Message: ev.Message}, true
	case session.EventFinalized:
		return StreamEvent{
			Timestamp: ev.Timestamp,
			Kind:      KindNotification,
			Message:   "session reached terminal status",
			Status:    string(ev.Status),
		}, true
	}
	return StreamEvent{}, false
}
