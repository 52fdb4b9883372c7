// Package api exposes the HTTP surface: health, status, queue control,
// task triggers, settings, logs and the websocket stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/logger"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/settings"
	"github.com/anibridge/anibridge/internal/sonarr"
	"github.com/anibridge/anibridge/internal/websocket"
)

// Server handles HTTP requests for the anibridge API.
type Server struct {
	echo      *echo.Echo
	hub       *websocket.Hub
	logger    zerolog.Logger
	startedAt time.Time

	store     *library.Store
	settings  *settings.Service
	queue     *downloader.Queue
	scheduler *scheduler.Scheduler
	sonarr    *sonarr.Client
	ring      *logger.Ring
}

// NewServer creates an API server wired to the core services.
func NewServer(store *library.Store, set *settings.Service, queue *downloader.Queue,
	sched *scheduler.Scheduler, sonarrClient *sonarr.Client, ring *logger.Ring,
	hub *websocket.Hub, log zerolog.Logger) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		hub:       hub,
		logger:    log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
		store:     store,
		settings:  set,
		queue:     queue,
		scheduler: sched,
		sonarr:    sonarrClient,
		ring:      ring,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Skip compression for WebSocket
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ws", s.hub.HandleWebSocket)

	api := s.echo.Group("/api")
	api.GET("/status", s.getStatus)

	api.GET("/queue", s.getQueue)
	api.DELETE("/queue/:id", s.removeQueueItem)
	api.POST("/queue/:id/cancel", s.cancelQueueItem)

	api.GET("/tasks", s.listTasks)
	api.POST("/tasks/:id/run", s.runTask)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings/:key", s.updateSetting)

	api.GET("/logs", s.getLogs)
	api.GET("/series", s.listSeries)
}

// Start begins serving on the given address, blocking until shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("API server starting")
	return s.echo.Start(address)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
