// Package http exposes the execution bridge over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/bridge"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/lifecycle"
	"github.com/agenticcoder/execbridge/internal/logging"
	"github.com/agenticcoder/execbridge/internal/results"
	"github.com/agenticcoder/execbridge/internal/telemetry"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = "1M"

// Service is the part of the bridge the API serves.
type Service interface {
	Execute(ctx context.Context, req bridge.Request) (*bridge.Outcome, error)
	Cancel(id string) error
	Status(id string) (lifecycle.Execution, error)
	Active() []lifecycle.Execution
	FindArtifact(id string) (results.ArtifactRecord, error)
	FindArtifacts(f results.Filter) []results.ArtifactRecord
}

// Server provides HTTP endpoints for the bridge.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is requests per second per client IP; zero disables
	// limiting.
	RateLimit float64
	RateBurst int

	// Telemetry, when set, is reported by /health.
	Telemetry interface{ Health() telemetry.HealthStatus }
}

// NewServer creates a new HTTP server.
func NewServer(service Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8088,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), rid)))
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", rid),
			)

			return err
		}
	})
	if cfg.RateLimit > 0 {
		e.Use(newIPLimiter(cfg.RateLimit, cfg.RateBurst, logger).Middleware())
	}

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/executions", s.handleExecute)
	v1.GET("/executions", s.handleActive)
	v1.GET("/executions/:id", s.handleStatus)
	v1.DELETE("/executions/:id", s.handleCancel)
	v1.GET("/artifacts", s.handleFindArtifacts)
	v1.GET("/artifacts/:id", s.handleGetArtifact)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Active: len(s.service.Active())}
	if s.config.Telemetry != nil {
		h := s.config.Telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid execute request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Agent == "" || req.Phase == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent and phase are required")
	}

	out, err := s.service.Execute(c.Request().Context(), bridge.Request{Request: req.lifecycleRequest()})
	if err != nil {
		return s.executeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) executeError(c echo.Context, err error) error {
	var cfgErr *transport.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:      cfgErr.Error(),
			Violations: cfgErr.Violations,
		})
	case errors.Is(err, lifecycle.ErrCapacity):
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
	case errors.Is(err, execctx.ErrMissingField):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("execution setup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleActive(c echo.Context) error {
	return c.JSON(http.StatusOK, ActiveResponse{Executions: s.service.Active()})
}

func (s *Server) handleStatus(c echo.Context) error {
	exec, err := s.service.Status(c.Param("id"))
	if errors.Is(err, lifecycle.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	err := s.service.Cancel(id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CancelResponse{ExecutionID: id, Status: string(lifecycle.StatusCancelled)})
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	rec, err := s.service.FindArtifact(c.Param("id"))
	if errors.Is(err, results.ErrArtifactNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleFindArtifacts(c echo.Context) error {
	filter := results.Filter{
		Agent: c.QueryParam("agent"),
		Phase: c.QueryParam("phase"),
		Type:  c.QueryParam("type"),
	}
	return c.JSON(http.StatusOK, ArtifactsResponse{Artifacts: s.service.FindArtifacts(filter)})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
