// Package v1 provides the HTTP handlers of the executor API.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/service"
)

const version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Team registry
	e.POST("/teams", h.CreateTeam)
	e.GET("/teams", h.ListTeams)
	e.GET("/teams/:team_id", h.GetTeam)
	e.DELETE("/teams/:team_id", h.DeleteTeam)

	// Executions; static paths are matched before parameters
	e.GET("/executions/health", h.ExecutionsHealth)
	e.GET("/executions", h.ListExecutions)
	e.POST("/executions/:team_id/execute", h.Execute)
	e.GET("/executions/:execution_id", h.GetExecution)
	e.DELETE("/executions/:execution_id", h.Cancel)
	e.POST("/executions/:execution_id/cancel", h.Cancel)
	e.GET("/executions/:execution_id/results", h.GetResults)
	e.GET("/executions/:execution_id/events", h.GetEvents)
	e.GET("/executions/:execution_id/stream", h.Stream)
	e.GET("/executions/:execution_id/ws", h.StreamWebSocket)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	health := h.service.Health(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"version":            version,
		"running_executions": health.RunningExecutions,
	})
}

// ExecutionsHealth reports the execution subsystem status.
// GET /executions/health
func (h *Handler) ExecutionsHealth(c echo.Context) error {
	health := h.service.Health(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":    0,
		"message": "success",
		"data":    health,
	})
}

// writeError maps a service error to a status code.
func writeError(c echo.Context, err error) error {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.GetLogger().WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case domain.IsConfigurationError(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsAlreadyTerminal(err),
		errors.Is(err, domain.ErrStreamingDisabled),
		errors.Is(err, domain.ErrNotFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c echo.Context, name string) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
