// Package server exposes read-only health and status endpoints for operators.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/healthcheck"
)

// StatusSource is the subset of the hub registry the server reads.
type StatusSource interface {
	Statuses() []channel.ConnectionStatus
	IsAnyRunning() bool
	Types() []channel.ChannelType
}

type Server struct {
	echo *echo.Echo
	addr string
}

type healthResponse struct {
	Status    string   `json:"status"`
	Polling   bool     `json:"polling"`
	Platforms []string `json:"platforms"`
}

type projectResponse struct {
	Project string                    `json:"project"`
	Status  string                    `json:"status"`
	Checks  []healthcheck.CheckResult `json:"checks"`
}

func NewServer(log *slog.Logger, addr string, source StatusSource, checker healthcheck.Checker) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}
	log = log.With(slog.String("component", "server"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	h := &handler{source: source, checker: checker}
	e.GET("/health", h.health)
	e.GET("/status", h.statuses)
	e.GET("/status/:project", h.project)

	return &Server{echo: e, addr: addr}
}

func (s *Server) Start() error                   { return s.echo.Start(s.addr) }
func (s *Server) Stop(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

type handler struct {
	source  StatusSource
	checker healthcheck.Checker
}

func (h *handler) health(c echo.Context) error {
	platforms := make([]string, 0)
	for _, ct := range h.source.Types() {
		platforms = append(platforms, ct.String())
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:    healthcheck.StatusOK,
		Polling:   h.source.IsAnyRunning(),
		Platforms: platforms,
	})
}

func (h *handler) statuses(c echo.Context) error {
	return c.JSON(http.StatusOK, h.source.Statuses())
}

func (h *handler) project(c echo.Context) error {
	name := strings.TrimSpace(c.Param("project"))
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project is required")
	}
	checks := h.checker.ListChecks(c.Request().Context(), name)
	if len(checks) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no channels observed for project")
	}
	return c.JSON(http.StatusOK, projectResponse{
		Project: name,
		Status:  healthcheck.Overall(checks),
		Checks:  checks,
	})
}
