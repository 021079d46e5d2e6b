package interaction

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/pkg/pagination"
)

// Handler serves the interaction knowledge base.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the interaction routes. Writes require the pharmacist role.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/drug-interactions", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RolePharmacist))
	read.GET("", h.ListInteractions)
	read.GET("/:id", h.GetInteraction)
	read.POST("/check", h.CheckInteractions)

	write := api.Group("/drug-interactions", auth.RequireRole(auth.RolePharmacist))
	write.POST("", h.CreateInteraction)
	write.DELETE("/:id", h.DeactivateInteraction)
}

// CreateInteraction registers a pair, or reactivates a deactivated one.
func (h *Handler) CreateInteraction(c echo.Context) error {
	var d DrugInteraction
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateInteraction(c.Request().Context(), &d); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// GetInteraction handles GET /interactions/:id.
func (h *Handler) GetInteraction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetInteraction(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// ListInteractions pages through active interactions.
func (h *Handler) ListInteractions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInteractions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// DeactivateInteraction soft-deletes an interaction.
func (h *Handler) DeactivateInteraction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateInteraction(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type checkRequest struct {
	MedicineIDs []uuid.UUID `json:"medicine_ids"`
}

type checkResponse struct {
	Interactions []*DrugInteraction `json:"interactions"`
}

// CheckInteractions answers an ad-hoc "do these medicines interact" query.
func (h *Handler) CheckInteractions(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	found, err := h.svc.FindInteractionsAmong(c.Request().Context(), req.MedicineIDs)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if found == nil {
		found = []*DrugInteraction{}
	}
	return c.JSON(http.StatusOK, checkResponse{Interactions: found})
}
