// Package core provides the HTTP chassis for the hopper billing service: a
// chi router with the cross-cutting middleware chain (recovery, timeouts,
// request IDs, structured logging, CORS) applied before requests reach the
// billing handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/config"
)

// RouteRegistrar mounts a group of domain handler routes onto the router.
// The application entry point populates these; the indirection keeps core
// free of imports on the handler packages.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with its cross-cutting dependencies, so tests
// can construct one with exactly the pieces they need.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	// HealthCheckers are probed by the /health endpoint.
	HealthCheckers []HealthChecker

	// closers run during Shutdown, in registration order.
	closers []func() error

	router *chi.Mux
}

// NewServer builds a Server with an empty router. The caller mounts routes
// afterwards (MountRoutes), which lets tests register only what they
// exercise.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function (connection pool close, client
// close) to run during Shutdown.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases server-owned resources. The first close error is
// returned; later closers still run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var firstErr error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			s.Logger.ErrorContext(ctx, "shutdown cleanup failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return firstErr
}
