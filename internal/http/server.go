// Package http provides the HTTP API for matchd.
package http

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/reffielabs/matchd/internal/matcher"
	"github.com/reffielabs/matchd/internal/teamindex"
)

// Server provides HTTP endpoints for matchd.
type Server struct {
	echo     *echo.Echo
	pipeline *matcher.Pipeline
	index    *teamindex.Cache
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit caps requests per second per client IP. Zero disables
	// rate limiting.
	RateLimit float64

	// Version is reported by GET /health.
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(pipeline *matcher.Pipeline, index *teamindex.Cache, logger *zap.Logger, cfg *Config) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("match pipeline cannot be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("team index cache cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		index:    index,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/match", s.handleMatch)
	v1.DELETE("/teams/:team_id/index", s.handleInvalidate)
}

// Echo exposes the router so callers can mount additional handlers, such as
// the prometheus endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// MatchRequest is the request body for POST /api/v1/match.
type MatchRequest struct {
	ListingID   string `json:"listing_id"`
	TeamID      string `json:"team_id"`
	FullAddress string `json:"full_address"`
}

// MatchResponse is the response body for POST /api/v1/match. PropertyID is
// null when the pipeline abstained.
type MatchResponse struct {
	PropertyID *string `json:"property_id"`
	Confidence float64 `json:"confidence"`
}

// InvalidateResponse is the response body for DELETE /api/v1/teams/:team_id/index.
type InvalidateResponse struct {
	Invalidated bool `json:"invalidated"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "matchd",
		Version: s.config.Version,
	})
}

// handleMatch resolves one listing to a canonical property.
func (s *Server) handleMatch(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid match request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if strings.TrimSpace(req.ListingID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "listing_id field is required")
	}
	if strings.TrimSpace(req.TeamID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team_id field is required")
	}

	decision, err := s.pipeline.Match(c.Request().Context(), matcher.Request{
		ListingID:   req.ListingID,
		TeamID:      req.TeamID,
		FullAddress: req.FullAddress,
	})
	if err != nil {
		switch {
		case errors.Is(err, teamindex.ErrNoProperties):
			return echo.NewHTTPError(http.StatusNotFound,
				fmt.Sprintf("no properties for team %s", req.TeamID))
		case errors.Is(err, matcher.ErrInvalidRequest):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, matcher.ErrAmbiguousMatch):
			return echo.NewHTTPError(http.StatusConflict, "ambiguous match")
		default:
			s.logger.Error("match failed",
				zap.String("listing_id", req.ListingID),
				zap.String("team_id", req.TeamID),
				zap.Error(err),
			)
			return echo.NewHTTPError(http.StatusInternalServerError, "match failed")
		}
	}

	resp := MatchResponse{Confidence: round4(decision.Confidence)}
	if !decision.Abstained() {
		resp.PropertyID = &decision.PropertyID
	}

	return c.JSON(http.StatusOK, resp)
}

// handleInvalidate drops a team's cached index so the next match rebuilds it.
func (s *Server) handleInvalidate(c echo.Context) error {
	teamID := c.Param("team_id")
	if strings.TrimSpace(teamID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team_id is required")
	}

	invalidated := s.index.Invalidate(teamID)

	s.logger.Info("index invalidation requested",
		zap.String("team_id", teamID),
		zap.Bool("invalidated", invalidated),
	)

	return c.JSON(http.StatusOK, InvalidateResponse{Invalidated: invalidated})
}

// round4 rounds confidence to four decimal places at the wire boundary.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
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
