package mar

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
)

// Handler serves the administration record endpoints.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the MAR routes. Only nurses record doses; overrides
// need a physician or pharmacist.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/mar", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RolePharmacist))
	read.GET("/admissions/:id/schedule", h.GetSchedule)
	read.GET("/admissions/:id/overdue", h.GetOverdue)
	read.GET("/:id", h.GetRecord)
	read.GET("/:id/safety-check", h.SafetyCheck)

	nursing := api.Group("/mar", auth.RequireRole(auth.RoleNurse))
	nursing.POST("/:id/administer", h.Administer)
	nursing.POST("/:id/self-administer", h.SelfAdminister)
	nursing.POST("/:id/hold", h.Hold)
	nursing.POST("/:id/refuse", h.Refuse)
	nursing.POST("/:id/missed", h.Missed)
	nursing.POST("/:id/effectiveness", h.Effectiveness)

	sched := api.Group("/mar", auth.RequireRole(auth.RoleNurse, auth.RolePharmacist))
	sched.POST("/schedules", h.CreateSchedule)

	approve := api.Group("/mar", auth.RequireRole(auth.RolePhysician, auth.RolePharmacist))
	approve.POST("/:id/override", h.Override)
}

type scheduleRequest struct {
	DispenseID  uuid.UUID `json:"dispense_id"`
	AdmissionID uuid.UUID `json:"admission_id"`
}

// CreateSchedule expands a dispense into scheduled doses.
func (h *Handler) CreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	recs, err := h.svc.CreateSchedule(c.Request().Context(), req.DispenseID, req.AdmissionID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, recs)
}

// GetSchedule returns an admission's records, optionally within from/to.
func (h *Handler) GetSchedule(c echo.Context) error {
	admissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid admission id")
	}
	f := ScheduleFilter{Status: Status(c.QueryParam("status"))}
	if d := c.QueryParam("date"); d != "" {
		date, err := time.ParseInLocation("2006-01-02", d, h.svc.policy.Location)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = &date
	}
	recs, err := h.svc.GetSchedule(c.Request().Context(), admissionID, f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if recs == nil {
		recs = []*AdministrationRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

// GetOverdue returns scheduled doses past the grace window.
func (h *Handler) GetOverdue(c echo.Context) error {
	admissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid admission id")
	}
	recs, err := h.svc.GetOverdue(c.Request().Context(), admissionID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

// GetRecord handles GET /mar/:id.
func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// SafetyCheck runs the pre-administration gate without recording anything.
func (h *Handler) SafetyCheck(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.PreAdminSafetyCheck(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Administer records a nurse-given dose.
func (h *Handler) Administer(c echo.Context) error {
	return h.administer(c, h.svc.RecordAdministration)
}

// SelfAdminister records a dose the patient took themselves.
func (h *Handler) SelfAdminister(c echo.Context) error {
	return h.administer(c, h.svc.RecordSelfAdministration)
}

func (h *Handler) administer(c echo.Context, fn func(ctx context.Context, id uuid.UUID, req AdministerRequest, by string) (*AdministrationRecord, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req AdministerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := fn(ctx, id, req, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type holdRequest struct {
	Reason  HoldReason `json:"hold_reason"`
	Details string     `json:"details,omitempty"`
}

// Hold puts a scheduled dose on hold.
func (h *Handler) Hold(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req holdRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.HoldMedication(ctx, id, req.Reason, req.Details, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Refuse records a patient refusal.
func (h *Handler) Refuse(c echo.Context) error {
	return h.withReason(c, h.svc.RecordRefusal)
}

// Missed marks a scheduled dose as missed.
func (h *Handler) Missed(c echo.Context) error {
	return h.withReason(c, h.svc.MarkMissed)
}

func (h *Handler) withReason(c echo.Context, fn func(ctx context.Context, id uuid.UUID, reason, by string) (*AdministrationRecord, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := fn(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Override approves a dose blocked by the safety gate.
func (h *Handler) Override(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.RecordSafetyOverride(ctx, id, auth.ActorFromContext(ctx), req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type effectivenessRequest struct {
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// Effectiveness attaches an outcome assessment to a given dose.
func (h *Handler) Effectiveness(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req effectivenessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.RecordEffectiveness(ctx, id, req.Result, req.Notes, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
