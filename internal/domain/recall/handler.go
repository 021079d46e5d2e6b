package recall

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/pkg/pagination"
)

// Handler serves the recall endpoints.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the recall routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/recalls", auth.RequireRole(auth.RolePharmacist, auth.RoleCompliance))
	g.GET("", h.ListRecalls)
	g.GET("/:id", h.GetRecall)
	g.GET("/:id/affected-patients", h.AffectedPatients)
	g.POST("", h.InitiateRecall)
	g.POST("/:id/notify", h.Notify)
	g.POST("/:id/resolve", h.Resolve)
}

// InitiateRecall opens a recall and traces it immediately.
func (h *Handler) InitiateRecall(c echo.Context) error {
	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rc, err := h.svc.InitiateRecall(ctx, req, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rc)
}

// ListRecalls handles GET /recalls.
func (h *Handler) ListRecalls(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRecalls(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// GetRecall handles GET /recalls/:id.
func (h *Handler) GetRecall(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rc, err := h.svc.GetRecall(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

// AffectedPatients returns the exposed and at-risk patients of a recall.
func (h *Handler) AffectedPatients(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.FindAffectedPatients(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Notify sends notices to exposed patients not yet notified.
func (h *Handler) Notify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sent, err := h.svc.NotifyPatients(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"notified": sent})
}

type resolveRequest struct {
	Notes string `json:"resolution_notes"`
}

// Resolve closes a recall.
func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rc, err := h.svc.ResolveRecall(ctx, id, req.Notes, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rc)
}
