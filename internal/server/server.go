// Package server exposes the pipeline's read-only monitoring surface over
// HTTP: health, Prometheus metrics, and a status snapshot. It is a passive
// query surface consumed by the external dashboard, never a control
// channel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
)

// statsTimeout bounds the broker round-trip behind /statusz.
const statsTimeout = 3 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Server is the read-only HTTP status server.
type Server struct {
	cfg  Config
	echo *echo.Echo
	mon  *monitor.Monitor
	q    queue.Queue
}

// New creates the server and registers its routes.
func New(cfg Config, mon *monitor.Monitor, q queue.Queue, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{cfg: cfg, echo: e, mon: mon, q: q}

	e.GET("/health", s.handleHealth)
	e.GET("/statusz", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "reveried"})
}

// handleStatus serves the queue depth, in-flight count, and per-worker
// status snapshot.
func (s *Server) handleStatus(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), statsTimeout)
	defer cancel()

	stats, err := s.q.Stats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, fmt.Sprintf("broker stats: %v", err))
	}
	return c.JSON(http.StatusOK, s.mon.Snapshot(stats))
}

// Echo returns the underlying router, for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port)); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
