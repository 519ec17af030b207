package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nwbconvert/kernel/pkg/session"
	"github.com/nwbconvert/kernel/pkg/version"
)

// uploadHandler accepts a multipart upload (one or more files plus the
// metadata bundle), stages it under UPLOAD_DIR, and starts the session.
// Metadata errors come back 400 with the session untouched; a busy
// session comes back 409.
func (s *Server) uploadHandler(c *echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form upload")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one input file is required")
	}

	meta := session.Metadata{
		SubjectID:          c.FormValue("subject_id"),
		Species:            c.FormValue("species"),
		SessionDescription: c.FormValue("session_description"),
		SessionStartTime:   c.FormValue("session_start_time"),
		Experimenter:       c.FormValue("experimenter"),
		Institution:        c.FormValue("institution"),
		Lab:                c.FormValue("lab"),
		Age:                c.FormValue("age"),
		Sex:                c.FormValue("sex"),
		Weight:             c.FormValue("weight"),
	}

	stagingDir := filepath.Join(s.cfg.UploadDir, uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage upload")
	}
	for _, fh := range files {
		if err := saveUploadedFile(fh, filepath.Join(stagingDir, filepath.Base(fh.Filename))); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage upload")
		}
	}

	fieldErrs, err := s.orch.StartSession(c.Request().Context(), session.UploadRequest{
		InputPath: stagingDir,
		Metadata:  meta,
	})
	if err != nil {
		return mapKernelError(err)
	}
	if len(fieldErrs) > 0 {
		return c.JSON(http.StatusBadRequest, MetadataErrorResponse{Accepted: false, Errors: fieldErrs})
	}

	return c.JSON(http.StatusAccepted, UploadResponse{
		Accepted:  true,
		SessionID: s.store.SessionID(),
		Timestamp: time.Now(),
	})
}

func saveUploadedFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

// statusHandler serves the read-only session projection.
func (s *Server) statusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, statusFromSnapshot(s.store.GetSnapshot()))
}

// logsHandler serves the full append-only log.
func (s *Server) logsHandler(c *echo.Context) error {
	snap := s.store.GetSnapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": s.store.SessionID(),
		"logs":       snap.Logs,
	})
}

// decisionHandler forwards the user's decision; rejected unless the
// session is awaiting one.
func (s *Server) decisionHandler(c *echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid decision payload")
	}
	resp, err := s.orch.SubmitDecision(c.Request().Context(), req.Approved, req.AcceptAsIs)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// inputHandler forwards one {field_name, value} pair.
func (s *Server) inputHandler(c *echo.Context) error {
	var req InputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input payload")
	}
	if req.FieldName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field_name is required")
	}
	resp, err := s.orch.SubmitInput(c.Request().Context(), req.FieldName, req.Value)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// abandonHandler abandons an open input request, ending the session
// failed_user_abandoned.
func (s *Server) abandonHandler(c *echo.Context) error {
	resp, err := s.orch.AbandonInput(c.Request().Context())
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// resetHandler returns the session to idle; rejected mid-processing.
func (s *Server) resetHandler(c *echo.Context) error {
	if err := s.orch.Reset(); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reset": true, "session_id": s.store.SessionID()})
}

// healthHandler reports bus and session-store readiness. There is no
// database here; the session store is in-memory by design.
func (s *Server) healthHandler(c *echo.Context) error {
	snap := s.store.GetSnapshot()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		SessionStatus: string(snap.Status),
		Agents:        len(s.registry.ListAgents()),
		Subscribers:   s.stream.ActiveConnections(),
	})
}

// versionHandler serves the build identity.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"app":     version.AppName,
		"version": version.Full(),
		"commit":  version.GitCommit,
	})
}
