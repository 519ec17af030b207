package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nwbconvert/kernel/pkg/session"
)

// Stream owns the live WebSocket connections for the single in-flight
// session. Wire it to the Session Store with store.Subscribe(s.Observe).
type Stream struct {
	writeTimeout time.Duration
	log          *slog.Logger

	mu          sync.RWMutex
	connections map[string]*conn
}

type conn struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream builds a Stream with the given per-send write timeout.
func NewStream(writeTimeout time.Duration) *Stream {
	return &Stream{
		writeTimeout: writeTimeout,
		log:          slog.Default().With("component", "event_stream"),
		connections:  make(map[string]*conn),
	}
}

// Observe maps a Store mutation onto the wire and broadcasts it. Events
// arrive in mutation order (the Store emits on the mutating goroutine),
// so subscribers see log/stage events in append order. A
// terminal status closes the stream after the final event is delivered.
func (s *Stream) Observe(ev session.Event) {
	wire, ok := FromStoreEvent(ev)
	if !ok {
		return
	}
	s.broadcast(wire)
	if ev.Kind == session.EventFinalized {
		s.CloseAll(websocket.StatusNormalClosure, "session reached terminal status")
	}
}

func (s *Stream) broadcast(wire StreamEvent) {
	payload, err := json.Marshal(wire)
	if err != nil {
		s.log.Error("failed to marshal stream event", "kind", wire.Kind, "error", err)
		return
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(c.ctx, s.writeTimeout)
		err := c.ws.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			s.log.Warn("failed to send to WebSocket client", "connection_id", c.id, "error", err)
		}
	}
}

// HandleConnection manages one upgraded WebSocket until it closes.
// Clients may send {"action":"ping"}; everything else is ignored.
func (s *Stream) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{id: uuid.NewString(), ws: ws, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()
	defer s.drop(c)

	s.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": c.id})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		if msg.Action == "ping" {
			s.sendJSON(c, map[string]string{"type": "pong"})
		}
	}
}

// ActiveConnections returns the live subscriber count.
func (s *Stream) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// CloseAll closes every live connection with the given status.
func (s *Stream) CloseAll(status websocket.StatusCode, reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(status, reason)
		c.cancel()
	}
}

func (s *Stream) drop(c *conn) {
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Stream) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, s.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.log.Warn("failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}
