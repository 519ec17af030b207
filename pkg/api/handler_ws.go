package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades the connection and hands it to the event stream.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.stream == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Single-operator tool; origin allow-listing is left to the
		// reverse proxy in front of it.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// Blocks until the WebSocket closes.
	s.stream.HandleConnection(c.Request().Context(), conn)
	return nil
}
