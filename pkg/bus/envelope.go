// Package bus implements the MCP-style message envelope and agent
// registry: a small map from target_agent to a registered handler, with
// every dispatch stamped with a snapshot of the current session and
// logged as a structured event.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/nwbconvert/kernel/pkg/session"
)

// Envelope is one routed message. It is immutable after
// dispatch: Dispatch takes it by value and never mutates the caller's copy.
type Envelope struct {
	MessageID     string
	TargetAgent   string
	Action        string
	Context       map[string]any
	Timestamp     time.Time
	SourceAgent   string
	CorrelationID string
}

// New builds an Envelope with a fresh MessageID and the current time.
// CorrelationID is left empty; the bus fills it in from the call stack's
// root envelope if absent.
func New(target, action string, ctx map[string]any) Envelope {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return Envelope{
		MessageID:   uuid.NewString(),
		TargetAgent: target,
		Action:      action,
		Context:     ctx,
		Timestamp:   time.Now(),
	}
}

// From returns a copy of the envelope annotated with its sender, used when
// one agent dispatches to another.
func (e Envelope) From(source string) Envelope {
	e.SourceAgent = source
	return e
}

// WithSnapshot returns a copy of the envelope with context.session_snapshot
// set to snap. The original envelope's context map is
// not mutated — a new map is allocated so concurrent readers of the caller's
// envelope never observe the injected key.
func (e Envelope) WithSnapshot(snap *session.State) Envelope {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx["session_snapshot"] = snap
	e.Context = ctx
	return e
}
