// Package api is the HTTP and WebSocket surface bridging clients to
// the orchestration kernel.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/config"
	"github.com/nwbconvert/kernel/pkg/events"
	"github.com/nwbconvert/kernel/pkg/orchestrator"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	store      *session.Store
	orch       *orchestrator.Orchestrator
	stream     *events.Stream
	registry   *bus.Registry
	log        *slog.Logger

	// artifactsMu guards the per-attempt NWB path cache built from Store
	// events so prior attempts stay downloadable until reset.
	artifactsMu  sync.RWMutex
	attemptPaths map[int]string
	reportPath   string
}

// NewServer creates the API server and registers its routes. Call
// TrackArtifacts to wire the download cache to the Session Store.
func NewServer(cfg *config.Config, store *session.Store, orch *orchestrator.Orchestrator, stream *events.Stream, registry *bus.Registry) *Server {
	s := &Server{
		echo:         echo.New(),
		cfg:          cfg,
		store:        store,
		orch:         orch,
		stream:       stream,
		registry:     registry,
		log:          slog.Default().With("component", "api"),
		attemptPaths: map[int]string{},
	}
	s.setupRoutes()
	return s
}

// TrackArtifacts is the Store observer maintaining the download cache.
// Wire it with store.Subscribe(s.TrackArtifacts).
func (s *Server) TrackArtifacts(ev session.Event) {
	switch ev.Kind {
	case session.EventChecksumRecorded:
		s.artifactsMu.Lock()
		s.attemptPaths[ev.AttemptNumber] = ev.OutputPath
		s.artifactsMu.Unlock()
	case session.EventStageUpdated:
		if ev.Stage != nil && ev.Stage.Name == session.StageReportGeneration &&
			ev.Stage.Status == session.StageCompleted && ev.Stage.OutputPath != "" {
			s.artifactsMu.Lock()
			s.reportPath = ev.Stage.OutputPath
			s.artifactsMu.Unlock()
		}
	case session.EventReset:
		s.artifactsMu.Lock()
		s.attemptPaths = map[int]string{}
		s.reportPath = ""
		s.artifactsMu.Unlock()
	}
}

func (s *Server) setupRoutes() {
	// Hard reject of oversized uploads (MAX_UPLOAD_SIZE_GB) at the HTTP
	// read level, before any multipart parsing.
	s.echo.Use(middleware.BodyLimit(s.cfg.MaxUploadBytes()))

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/version", s.versionHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/upload", s.uploadHandler)
	v1.GET("/status", s.statusHandler)
	v1.GET("/logs", s.logsHandler)
	v1.POST("/decision", s.decisionHandler)
	v1.POST("/input", s.inputHandler)
	v1.POST("/input/abandon", s.abandonHandler)
	v1.POST("/reset", s.resetHandler)

	v1.GET("/downloads/nwb", s.downloadNWBHandler)
	v1.GET("/downloads/report", s.downloadReportHandler)
	v1.GET("/downloads/attempts/:n", s.downloadAttemptHandler)

	v1.GET("/ws", s.wsHandler)
}

// Handler exposes the underlying router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Used by tests to
// serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
