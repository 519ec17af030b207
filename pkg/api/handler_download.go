package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// downloadNWBHandler serves the most recent successful NWB artifact.
// It keeps serving after a failed terminal status so the user can
// inspect the intermediate state.
func (s *Server) downloadNWBHandler(c *echo.Context) error {
	snap := s.store.GetSnapshot()
	if snap.OutputPath == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no NWB artifact produced yet")
	}
	if checksum, ok := snap.Checksums[snap.AttemptNumber]; ok {
		c.Response().Header().Set("X-Checksum-SHA256", checksum)
	}
	return serveFile(c, snap.OutputPath)
}

// downloadReportHandler serves the final report: PDF for success-side
// terminals, JSON for failure-side.
func (s *Server) downloadReportHandler(c *echo.Context) error {
	s.artifactsMu.RLock()
	path := s.reportPath
	s.artifactsMu.RUnlock()
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no report generated yet")
	}
	return serveFile(c, path)
}

// downloadAttemptHandler serves a specific attempt's NWB with its
// checksum, available until the session is reset.
func (s *Server) downloadAttemptHandler(c *echo.Context) error {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "attempt number must be a positive integer")
	}

	s.artifactsMu.RLock()
	path := s.attemptPaths[n]
	s.artifactsMu.RUnlock()
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no artifact recorded for this attempt")
	}

	if checksum, ok := s.store.GetSnapshot().Checksums[n]; ok {
		c.Response().Header().Set("X-Checksum-SHA256", checksum)
	}
	return serveFile(c, path)
}

// serveFile streams an absolute artifact path. Echo v5's c.File resolves
// against its internal filesystem rooted at the working directory, so
// absolute paths go through FileFS with an explicit root.
func serveFile(c *echo.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "artifact missing on disk")
	}
	dir, name := filepath.Split(path)
	c.Response().Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	return c.FileFS(name, os.DirFS(dir))
}
