// Package server wires the build server's HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"buildhook/internal/config"
	"buildhook/internal/server/handlers"
	"buildhook/internal/server/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP server for the build API.
type Server struct {
	httpServer *http.Server
	handlers   *handlers.Handlers
	ssl        config.SSLConfig
	logger     *slog.Logger
}

// New creates a new server. metrics, when non-nil, is mounted at /metrics.
func New(cfg *config.Config, h *handlers.Handlers, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Port),
			Handler:           Router(cfg, h, metrics, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		handlers: h,
		ssl:      cfg.SSL,
		logger:   logger,
	}
}

// Router builds the route table.
func Router(cfg *config.Config, h *handlers.Handlers, metrics http.Handler, logger *slog.Logger) http.Handler {
	auth := middleware.NewAuthorizer(cfg.Auth)
	limiter := middleware.NewRateLimiter(cfg.Project.RateLimit, cfg.Project.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	// Mutating and query endpoints require auth_type checks.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(auth.Middleware)

		r.Post("/build", h.SubmitBuild)
		r.Post("/abort", h.AbortBuild)
		r.Post("/abort-all", h.AbortAll)
		r.Get("/pending-update", h.PendingUpdate)
		r.Get("/status", h.Status)
		r.Get("/builds", h.ListBuilds)
		r.Put("/project-token", h.SetProjectToken)
	})

	// Streams carry their own tokens.
	r.Get("/ws/build", h.BuildStream)
	r.Get("/ws/project", h.ProjectStream)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		var err error
		if s.ssl.EnableSSL {
			s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", true)
			err = s.httpServer.ListenAndServeTLS(s.ssl.CertificatePath, s.ssl.CertificateKeyPath)
		} else {
			s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", false)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown closes open streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.handlers.Close()
	return s.httpServer.Shutdown(ctx)
}
