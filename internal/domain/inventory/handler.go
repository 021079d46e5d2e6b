package inventory

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
)

// Handler serves the stock endpoints.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the inventory routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/inventory", auth.RequireRole(auth.RolePharmacist, auth.RoleNurse, auth.RoleCompliance))
	read.GET("/medicines/:id/batches", h.ListBatches)
	read.GET("/medicines/:id/allocation", h.PreviewAllocation)

	write := api.Group("/inventory", auth.RequireRole(auth.RolePharmacist))
	write.POST("/batches", h.ReceiveBatch)
}

// ReceiveBatch records a delivered batch.
func (h *Handler) ReceiveBatch(c echo.Context) error {
	var b InventoryBatch
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ReceiveBatch(c.Request().Context(), &b); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

// ListBatches lists a medicine's batches in allocation order.
func (h *Handler) ListBatches(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid medicine id")
	}
	items, err := h.svc.ListBatches(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*InventoryBatch{}
	}
	return c.JSON(http.StatusOK, items)
}

// PreviewAllocation shows which batches a quantity would draw from without reserving stock.
func (h *Handler) PreviewAllocation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid medicine id")
	}
	qty, err := strconv.Atoi(c.QueryParam("quantity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "quantity must be an integer")
	}
	res, err := h.svc.Allocate(c.Request().Context(), id, qty)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
