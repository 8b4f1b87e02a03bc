package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/catface996/aiops-executor/internal/domain"
)

// Execute starts an execution of a team.
// POST /executions/:team_id/execute
func (h *Handler) Execute(c echo.Context) error {
	ctx := c.Request().Context()

	req := domain.NewExecuteRequest()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	resp, err := h.service.Execute(ctx, c.Param("team_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"code":         0,
		"message":      "execution started",
		"data":         resp,
		"execution_id": resp.ExecutionID,
	})
}

// ListExecutions lists executions, newest first.
// GET /executions?team_id=&status=&page=&page_size=
func (h *Handler) ListExecutions(c echo.Context) error {
	page, ok := queryInt(c, "page")
	if !ok {
		return badRequest(c, "invalid page")
	}
	size, ok := queryInt(c, "page_size")
	if !ok {
		return badRequest(c, "invalid page_size")
	}

	var statuses []domain.ExecutionStatus
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.ExecutionStatus(strings.TrimSpace(s)))
		}
	}

	list, err := h.service.ListExecutions(c.Request().Context(), c.QueryParam("team_id"), statuses, page, size)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetExecution returns the status and node projection of an execution.
// GET /executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	view, err := h.service.GetExecution(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetResults returns node results of a finished execution.
// GET /executions/:execution_id/results
func (h *Handler) GetResults(c echo.Context) error {
	results, err := h.service.Results(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

// Cancel requests cancellation of a running execution.
// POST /executions/:execution_id/cancel
// DELETE /executions/:execution_id
func (h *Handler) Cancel(c echo.Context) error {
	resp, err := h.service.Cancel(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetEvents reads one page of the event log.
// GET /executions/:execution_id/events?after=&limit=
func (h *Handler) GetEvents(c echo.Context) error {
	after, err := domain.ParseCursor(c.QueryParam("after"))
	if err != nil {
		return badRequest(c, "invalid cursor")
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return badRequest(c, "invalid limit")
	}

	page, err := h.service.ReadEvents(c.Request().Context(), c.Param("execution_id"), after, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}
