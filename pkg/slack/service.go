package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nwbconvert/kernel/pkg/session"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service posts session lifecycle notifications. It observes the
// Session Store directly: wire it with store.Subscribe(svc.Observe).
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger

	mu       sync.Mutex
	threadTS map[string]string // session id → start-message ts
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL)
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return newService(client, dashboardURL)
}

func newService(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threadTS:     map[string]string{},
	}
}

// Observe reacts to session_began and finalized events. Posting happens
// on a separate goroutine so a slow Slack API never stalls the Store's
// mutation lane. Fail-open: errors are logged, never returned.
func (s *Service) Observe(ev session.Event) {
	if s == nil {
		return
	}
	switch ev.Kind {
	case session.EventSessionBegan:
		subjectID := ""
		if ev.Metadata != nil {
			subjectID = ev.Metadata.SubjectID
		}
		go s.notifyStarted(ev.SessionID, subjectID)
	case session.EventFinalized:
		go s.notifyTerminal(TerminalInput{
			SessionID:        ev.SessionID,
			ValidationStatus: ev.ValidationStatus,
			AttemptNumber:    ev.AttemptNumber,
			OutputPath:       ev.OutputPath,
		})
	}
}

func (s *Service) notifyStarted(sessionID, subjectID string) {
	blocks := BuildStartedMessage(sessionID, subjectID, s.dashboardURL)
	ts, err := s.client.PostMessage(context.Background(), blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"session_id", sessionID, "error", err)
		return
	}
	s.mu.Lock()
	s.threadTS[sessionID] = ts
	s.mu.Unlock()
}

func (s *Service) notifyTerminal(input TerminalInput) {
	s.mu.Lock()
	threadTS := s.threadTS[input.SessionID]
	delete(s.threadTS, input.SessionID)
	delete(s.threadTS, input.SessionID+"/validation")
	s.mu.Unlock()

	blocks := BuildTerminalMessage(input, s.dashboardURL)
	if _, err := s.client.PostMessage(context.Background(), blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack terminal notification",
			"session_id", input.SessionID,
			"validation_status", input.ValidationStatus,
			"error", err)
	}
}
