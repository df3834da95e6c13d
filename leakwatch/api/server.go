// Package api serves the leakwatch REST API over net/http.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
)

// Server is the HTTP front of leakwatch.
type Server struct {
	server *http.Server
	mux    *http.ServeMux
}

// NewServer creates a server on addr serving the API, /health and /metrics.
func NewServer(addr string, svc *ingest.Service, cache *store.Cache) *Server {
	mux := http.NewServeMux()
	NewHandler(svc, cache).Register(mux)

	server := &http.Server{
		Addr:         addr,
		Handler:      withRequestID(withMetrics(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{server: server, mux: mux}
}

// Start listens until the server is stopped. A graceful stop is not an error.
func (s *Server) Start() error {
	slog.Info("Starting API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop waits for in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
