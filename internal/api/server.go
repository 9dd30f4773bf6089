package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaypoint/portal-bridge/internal/config"
)

// Server is the webhook HTTP server.
type Server struct {
	handler  *chi.Mux
	handlers *Handlers
	server   *http.Server
}

// NewServer wires the handlers and router over the given database.
func NewServer(cfg config.Config, db *sql.DB) *Server {
	h := NewHandlers(cfg, db)
	router := SetupRoutes(h, RouteConfig{TestMode: cfg.TestMode})
	return &Server{handler: router, handlers: h}
}

// ListenAndServe starts the HTTP server. Webhook payloads are small, so
// the timeouts are tight.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	LogRoutes(s.handler)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
