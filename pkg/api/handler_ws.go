package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// session manager.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.manager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config before
		// exposing the endpoint beyond the gateway.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request().Context(), conn)
	return nil
}
