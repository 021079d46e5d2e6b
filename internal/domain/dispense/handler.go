package dispense

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
)

// Handler serves the dispense endpoints.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the dispense routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/dispenses", auth.RequireRole(auth.RolePharmacist, auth.RoleNurse, auth.RolePhysician))
	read.GET("/:id", h.GetDispense)

	write := api.Group("/dispenses", auth.RequireRole(auth.RolePharmacist))
	write.POST("", h.CreateDispense)
}

// CreateDispense handles POST /dispenses.
func (h *Handler) CreateDispense(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	d, err := h.svc.CreateDispense(ctx, &req, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// GetDispense handles GET /dispenses/:id.
func (h *Handler) GetDispense(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetDispense(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
