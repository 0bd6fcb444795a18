// Package server wires the HTTP API around chi with the standard error
// envelope on every non-2xx response.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/observability"
	"github.com/3leaps/stashd/internal/server/handlers"
	"github.com/3leaps/stashd/internal/server/middleware"
)

// Server is the HTTP front end.
type Server struct {
	host    string
	port    int
	router  chi.Router
	httpSrv *http.Server
}

// New builds the router and routes. h must carry every wired component.
func New(host string, port int, h *handlers.Handlers) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.NotFound(middleware.NotFoundHandler())
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler())

	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.StartJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.CancelJob)
		r.Get("/{id}/logs", h.JobLogs)
		r.Get("/{id}/progress", h.JobProgress)
		r.Get("/{id}/events", h.JobEvents)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", h.CacheStats)
		r.Get("/directories", h.ListCache)
		r.Get("/directory", h.DirectoryInfo)
		r.Post("/directories", h.RegisterDirectory)
		r.Post("/directories/touch", h.TouchDirectory)
		r.Delete("/directories", h.RemoveDirectory)
	})

	r.Route("/cleaner", func(r chi.Router) {
		r.Post("/run", h.RunCleaner)
		r.Get("/status", h.CleanerStatus)
	})

	return &Server{host: host, port: port, router: r}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.ServerLogger.Info("http server listening", zap.String("addr", s.Addr()))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	observability.ServerLogger.Info("http server stopped")
	return <-errCh
}
