// Package api serves the monitor status and target management over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xmonitor/pkg/models"
)

// Monitor is the part of the orchestrator the server drives
type Monitor interface {
	Snapshot() []models.Target
	Add(ctx context.Context, def models.TargetDefinition, activate bool) (models.Target, error)
	Activate(ctx context.Context, id string) (models.Target, error)
	Deactivate(ctx context.Context, id string) (models.Target, error)
	Edit(ctx context.Context, id string, def models.TargetDefinition) (models.Target, error)
	Delete(ctx context.Context, id string) error
	Reconnect(ctx context.Context) error
	TerminateAll(ctx context.Context) (string, error)
	ConnectionState() models.ConnectionState
	Halted() bool
}

// History returns delivered events for polling clients
type History interface {
	Since(seq uint64, limit int) []models.FeedEvent
	LastSeq() uint64
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	port    int
	monitor Monitor
	history History
	logger  zerolog.Logger
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(port int, monitor Monitor, history History, metrics http.Handler, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		port:    port,
		monitor: monitor,
		history: history,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s.setupRoutes(metrics)
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})
	if metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics))
	}

	v1 := s.echo.Group("/api/v1")

	v1.GET("/targets", s.listTargets)
	v1.POST("/targets", s.createTarget)
	v1.PUT("/targets/:id", s.editTarget)
	v1.DELETE("/targets/:id", s.deleteTarget)
	v1.POST("/targets/:id/activate", s.activateTarget)
	v1.POST("/targets/:id/deactivate", s.deactivateTarget)

	v1.GET("/events", s.listEvents)
	v1.GET("/connection", s.connection)
	v1.POST("/reconnect", s.reconnect)
	v1.POST("/connections/terminate", s.terminateConnections)
}

// Run serves until ctx is done and then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("Status server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
