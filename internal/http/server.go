// Package http provides the HTTP API for specd.
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

	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/specstore"
)

// Store is the read side of the API.
type Store interface {
	ListSpecs(ctx context.Context) ([]*spec.Spec, error)
	GetSpec(ctx context.Context, id string) (*spec.Spec, error)
	ListAudit(ctx context.Context, specID string) ([]spec.AuditRecord, error)
	CreateSpec(ctx context.Context, sp *spec.Spec) error
}

// Machine is the transition side of the API.
type Machine interface {
	Advance(ctx context.Context, specID string) (*spec.Spec, error)
	Block(ctx context.Context, specID, reason string) error
	Unblock(ctx context.Context, specID string) error
	Rollback(ctx context.Context, specID string, toIndex int) (*spec.Spec, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "localhost",
		Port: 9290,
	}
}

// Server provides HTTP endpoints for specd.
type Server struct {
	echo    *echo.Echo
	store   Store
	machine Machine
	logger  *zap.Logger
	config  *Config
}

// NewServer creates a new HTTP server.
func NewServer(store Store, machine Machine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if machine == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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

	s := &Server{
		echo:    e,
		store:   store,
		machine: machine,
		logger:  logger,
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/specs", s.handleListSpecs)
	v1.POST("/specs", s.handleCreateSpec)
	v1.GET("/specs/:id", s.handleGetSpec)
	v1.GET("/specs/:id/audit", s.handleGetAudit)
	v1.POST("/specs/:id/advance", s.handleAdvance)
	v1.POST("/specs/:id/block", s.handleBlock)
	v1.POST("/specs/:id/unblock", s.handleUnblock)
	v1.POST("/specs/:id/rollback", s.handleRollback)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateSpecRequest is the request body for POST /api/v1/specs.
type CreateSpecRequest struct {
	Name            string `json:"name"`
	Tier            string `json:"tier"`
	ExecutionPhases int    `json:"execution_phases"`
}

// BlockRequest is the request body for POST /api/v1/specs/:id/block.
type BlockRequest struct {
	Reason string `json:"reason"`
}

// RollbackRequest is the request body for POST /api/v1/specs/:id/rollback.
type RollbackRequest struct {
	ToIndex int `json:"to_index"`
}

// ErrorResponse is the body of all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListSpecs(c echo.Context) error {
	specs, err := s.store.ListSpecs(c.Request().Context())
	if err != nil {
		return s.internalError(c, err)
	}
	if specs == nil {
		specs = []*spec.Spec{}
	}
	return c.JSON(http.StatusOK, specs)
}

func (s *Server) handleCreateSpec(c echo.Context) error {
	var req CreateSpecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sp, err := spec.New(req.Name, spec.ComplexityTier(req.Tier), req.ExecutionPhases)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.CreateSpec(c.Request().Context(), sp); err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusCreated, sp)
}

func (s *Server) handleGetSpec(c echo.Context) error {
	sp, err := s.store.GetSpec(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.specError(c, err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleGetAudit(c echo.Context) error {
	records, err := s.store.ListAudit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.internalError(c, err)
	}
	if records == nil {
		records = []spec.AuditRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleAdvance(c echo.Context) error {
	sp, err := s.machine.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.specError(c, err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleBlock(c echo.Context) error {
	var req BlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.machine.Block(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return s.specError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnblock(c echo.Context) error {
	if err := s.machine.Unblock(c.Request().Context(), c.Param("id")); err != nil {
		return s.specError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sp, err := s.machine.Rollback(c.Request().Context(), c.Param("id"), req.ToIndex)
	if err != nil {
		return s.specError(c, err)
	}
	return c.JSON(http.StatusOK, sp)
}

// specError maps domain errors onto HTTP status codes.
func (s *Server) specError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, specstore.ErrSpecNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, spec.ErrGateNotSatisfied),
		errors.Is(err, spec.ErrTasksPending),
		errors.Is(err, spec.ErrSpecNotActive),
		errors.Is(err, spec.ErrInvalidRollback),
		errors.Is(err, spec.ErrBlockReasonRequired):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		return s.internalError(c, err)
	}
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.logger.Error("request failed",
		zap.String("uri", c.Request().RequestURI),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
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
