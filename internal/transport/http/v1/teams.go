package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/catface996/aiops-executor/internal/domain"
)

// CreateTeam registers a hierarchical team.
// POST /teams
func (h *Handler) CreateTeam(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateTeamRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	team, err := h.service.CreateTeam(ctx, req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"code":    0,
		"message": "team created",
		"data":    team,
		"team_id": team.TeamID,
	})
}

// ListTeams lists registered teams.
// GET /teams?page=&page_size=
func (h *Handler) ListTeams(c echo.Context) error {
	page, ok := queryInt(c, "page")
	if !ok {
		return badRequest(c, "invalid page")
	}
	size, ok := queryInt(c, "page_size")
	if !ok {
		return badRequest(c, "invalid page_size")
	}

	list, err := h.service.ListTeams(c.Request().Context(), page, size)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetTeam gets a team by id.
// GET /teams/:team_id
func (h *Handler) GetTeam(c echo.Context) error {
	team, err := h.service.GetTeam(c.Request().Context(), c.Param("team_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, team)
}

// DeleteTeam removes a team.
// DELETE /teams/:team_id
func (h *Handler) DeleteTeam(c echo.Context) error {
	teamID := c.Param("team_id")
	deleted, err := h.service.DeleteTeam(c.Request().Context(), teamID)
	if err != nil {
		return writeError(c, err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "team not found"})
	}
	return c.NoContent(http.StatusNoContent)
}
