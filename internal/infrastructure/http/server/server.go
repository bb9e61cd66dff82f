// Package server assembles the chi router, middleware chain and HTTP
// lifecycle for the emission service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	contingencyhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/contingency"
	fiscalhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/fiscal"
	healthhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/health"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/config"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http/middleware"
)

// Options carries everything the router needs. Handlers are injected so the
// server stays free of wiring concerns.
type Options struct {
	HTTP          config.HTTPSettings
	Logger        *slog.Logger
	Fiscal        *fiscalhttp.Handler
	Contingency   *contingencyhttp.Handler
	Health        *healthhttp.Handler
	Authenticator *middleware.JWTAuthenticator
}

// Server wraps the standard http.Server with context-driven shutdown.
type Server struct {
	log             *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fiscal == nil || opts.Health == nil {
		return nil, errors.New("fiscal and health handlers are required")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(opts.Logger))
	if opts.Authenticator != nil {
		r.Use(opts.Authenticator.Middleware)
	}

	r.Get("/health", opts.Health.Status)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			// Emission blocks on receipt polling, so it carries an
			// explicit context deadline matching the write timeout.
			r.With(middleware.ExtendedTimeout(opts.HTTP.WriteTimeout)).
				Post("/", opts.Fiscal.Emit)

			r.Route("/{accessKey}", func(r chi.Router) {
				r.Get("/", opts.Fiscal.Get)
				r.Post("/refresh", opts.Fiscal.Refresh)
				r.Post("/cancel", opts.Fiscal.Cancel)
				r.Post("/correct", opts.Fiscal.Correct)
				r.Get("/events", opts.Fiscal.AuditTrail)
			})
		})

		if opts.Contingency != nil {
			r.Post("/contingency/run", opts.Contingency.Run)
		}
	})

	srv := &http.Server{
		Addr:         opts.HTTP.Address(),
		Handler:      r,
		ReadTimeout:  opts.HTTP.ReadTimeout,
		WriteTimeout: opts.HTTP.WriteTimeout,
		IdleTimeout:  opts.HTTP.IdleTimeout,
	}

	return &Server{
		log:             opts.Logger,
		httpServer:      srv,
		shutdownTimeout: opts.HTTP.ShutdownTimeout,
	}, nil
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server started", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("graceful shutdown incomplete", "error", err)
			return s.httpServer.Close()
		}
		s.log.Info("HTTP server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
