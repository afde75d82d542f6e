package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/store"
)

// SessionsHandler implements the `/sessions*` routes of §6.1.
type SessionsHandler struct {
	Store *store.Store
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.GET("/sessions", h.list)
	g.GET("/sessions/:id", h.get)
	g.GET("/sessions/:id/ideas", h.ideas)
	g.DELETE("/sessions/:id", h.delete)
}

var validStatuses = map[string]bool{
	store.StatusPending:    true,
	store.StatusProcessing: true,
	store.StatusCompleted:  true,
	store.StatusFailed:     true,
}

func (h *SessionsHandler) list(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return apperr.New(apperr.Validation, "limit must be an integer between 1 and 100")
		}
		limit = n
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return apperr.New(apperr.Validation, "offset must be a non-negative integer")
		}
		offset = n
	}
	status := c.QueryParam("status")
	if status != "" && !validStatuses[status] {
		return apperr.New(apperr.Validation, "status must be one of pending, processing, completed, failed")
	}

	sessions, total, err := h.Store.ListSessions(c.Request().Context(), limit, offset, status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions,
		"pagination": map[string]any{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

func (h *SessionsHandler) get(c echo.Context) error {
	id := c.Param("id")
	sess, found, err := h.Store.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.NotFound, "session not found").WithDetails(map[string]any{"sessionId": id})
	}
	uniqueIdeas, err := h.Store.GetUniqueIdeas(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"session": sess, "uniqueIdeas": uniqueIdeas})
}

func (h *SessionsHandler) ideas(c echo.Context) error {
	id := c.Param("id")
	uniqueOnly := c.QueryParam("unique") == "true"

	ideas, err := h.Store.ListIdeas(c.Request().Context(), id, uniqueOnly)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ideas": ideas, "count": len(ideas)})
}

func (h *SessionsHandler) delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.Store.SoftDeleteSession(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"message": "session deleted"})
}
