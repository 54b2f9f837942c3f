// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const maxBodyBytes = 1 << 20

// Processor runs one invocation payload and returns the JSON result.
type Processor interface {
	Run(ctx context.Context, payload []byte) string
}

type Config struct {
	Addr          string
	MaxConcurrent int
	// Metrics is served at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// Server serves /invocations, /ping and the metrics endpoint. Concurrent
// invocations are bounded by a semaphore.
type Server struct {
	echo      *echo.Echo
	addr      string
	processor Processor
	sem       chan struct{}
	logger    *slog.Logger
}

func New(p Processor, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		addr:      cfg.Addr,
		processor: p,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		logger:    cfg.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			cfg.Logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.POST("/invocations", s.handleInvocation)
	e.GET("/ping", s.handlePing)
	if cfg.Metrics != nil {
		e.GET(cfg.MetricsPath, echo.WrapHandler(cfg.Metrics))
	}

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleInvocation(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"status": "error", "error_code": "invalid_payload"})
	}
	if len(body) > maxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"status": "error", "error_code": "invalid_payload"})
	}

	select {
	case s.sem <- struct{}{}:
	case <-req.Context().Done():
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "error", "error_code": "busy"})
	}
	defer func() { <-s.sem }()

	// The task outlives a dropped client connection so that its reply and
	// cleanup still happen.
	out := s.processor.Run(context.WithoutCancel(req.Context()), body)
	return c.JSONBlob(http.StatusOK, []byte(out))
}

func (s *Server) handlePing(c echo.Context) error {
	status := "Healthy"
	if len(s.sem) == cap(s.sem) {
		status = "HealthyBusy"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":              status,
		"time_of_last_update": time.Now().Unix(),
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
