// Package health exposes liveness and readiness probes for the orchestrator.
// The server comes up before any dependency connects, so infrastructure health
// checks pass while the background reconnection loops do their work.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v5"
)

const readHeaderTimeout = 5 * time.Second

// Server serves /healthz (liveness) and /readyz (readiness).
type Server struct {
	e     *echo.Echo
	srv   *http.Server
	ready atomic.Bool
}

func NewServer(addr string) *Server {
	s := &Server{e: echo.New()}
	s.e.GET("/healthz", s.handleHealthz)
	s.e.GET("/readyz", s.handleReadyz)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// SetReady flips the readiness flag. Liveness is unaffected.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports the current readiness flag.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Start begins serving in the background and reports fatal listen errors on
// the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops the server, failing in-flight probes fast.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(c *echo.Context) error {
	if !s.ready.Load() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
