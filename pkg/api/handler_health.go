package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Connections int                    `json:"connections"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only the service's own dependencies are
// checked; a broken model backend must not make the orchestrator restart us.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.brokerPinger != nil {
		if err := s.brokerPinger.Ping(reqCtx); err != nil {
			status = healthStatusDegraded
			checks["broker"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["broker"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	connections := 0
	if s.manager != nil {
		connections = s.manager.ActiveConnections()
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:      status,
		Version:     version.Get().Commit,
		Connections: connections,
		Checks:      checks,
	})
}
