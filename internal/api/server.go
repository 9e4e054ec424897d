// server.go - HTTP server hosting the websocket channel and health endpoints
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/metric"
)

// Dependencies holds everything the API server needs.
type Dependencies struct {
	Config   *config.AppConfig
	Channel  *Channel
	Registry *Registry
	Metrics  *metric.Metrics
	Version  string
}

// Server wraps the echo instance serving the channel endpoint.
type Server struct {
	cfg  *config.AppConfig
	echo *echo.Echo
}

// NewServer builds the echo instance, installs middleware and registers
// routes. Event handlers are bound onto the channel before the server
// starts accepting upgrades.
func NewServer(deps *Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/api/health" || path == "/metrics" ||
				strings.HasPrefix(path, "/api/channel")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.BodyLimit(deps.Config.Server.BodyLimit))

	if deps.Config.Server.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{
				"http://localhost:8000", "http://127.0.0.1:8000",
				"http://localhost:8080", "http://127.0.0.1:8080",
			},
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-Channel-Token"},
		}))
	}

	deps.Registry.Bind(deps.Channel)

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"version": deps.Version,
			"peers":   deps.Channel.PeerCount(),
		})
	})
	e.GET("/api/channel", deps.Channel.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	return &Server{cfg: deps.Config, echo: e}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := s.cfg.GetServerAddr()
	fmt.Printf("[Server] listening on %s\n", addr)

	s.echo.Server.ReadTimeout = time.Duration(s.cfg.Server.ReadTimeout) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.cfg.Server.WriteTimeout) * time.Second
	s.echo.Server.IdleTimeout = time.Duration(s.cfg.Server.IdleTimeout) * time.Second

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
