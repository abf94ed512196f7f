// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/orchestrator"
)

// Service is the part of the orchestrator the API needs.
type Service interface {
	Answer(ctx context.Context, question string, patient clinical.PatientContext, opts clinical.QueryOptions) (*clinical.AnswerResult, error)
	Status(ctx context.Context) orchestrator.Status
	ReplayQueue(ctx context.Context) orchestrator.ReplayReport
}

// Server is the HTTP API.
type Server struct {
	echo    *echo.Echo
	svc     Service
	metrics http.Handler
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New builds the router.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(recovery(s.logger))
	e.Use(requestID())
	e.Use(requestLogger(s.logger))

	e.GET("/healthz", s.health)
	v1 := e.Group("/v1")
	v1.POST("/answer", s.answer)
	v1.GET("/status", s.status)
	v1.POST("/queue/replay", s.replay)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}
