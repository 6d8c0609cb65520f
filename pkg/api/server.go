// Package api exposes the HTTP surface of the service: health, the WebSocket
// upgrade endpoint, and the conversation read API.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/ws"
)

// Pinger reports broker connectivity for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires handlers onto an echo router.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	store   store.Store
	manager *ws.Manager

	brokerPinger Pinger
}

// NewServer creates the HTTP server and registers routes.
func NewServer(st store.Store, manager *ws.Manager) *Server {
	s := &Server{
		echo:    echo.New(),
		store:   st,
		manager: manager,
	}
	s.registerRoutes()
	return s
}

// SetBrokerPinger wires the broker health probe. Optional.
func (s *Server) SetBrokerPinger(p Pinger) {
	s.brokerPinger = p
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/chats/:chatID", s.getChatHandler)
	v1.GET("/chats/:chatID/messages", s.listMessagesHandler)
	v1.GET("/chats/:chatID/messages/:messageID", s.getMessageHandler)
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}
