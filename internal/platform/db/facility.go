package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

var facilityIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// FacilityMiddleware pins one pooled connection per request to the schema of
// the calling facility. Each hospital facility keeps its MAR, stock and recall
// data in its own schema.
func FacilityMiddleware(pool *pgxpool.Pool, defaultFacility string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			facilityID := extractFacilityID(c, defaultFacility)

			if !facilityIDPattern.MatchString(facilityID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid facility identifier")
			}

			ctx, release, err := WithFacility(c.Request().Context(), pool, facilityID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "facility resolution failed")
			}
			defer release()
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("facility_id", facilityID)

			return next(c)
		}
	}
}

// WithFacility acquires a connection with search_path set to the facility's
// schema and stores both in the returned context. Callers must call release.
func WithFacility(ctx context.Context, pool *pgxpool.Pool, facilityID string) (context.Context, func(), error) {
	if !ValidFacilityID(facilityID) {
		return ctx, nil, fmt.Errorf("invalid facility identifier %q", facilityID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(facilityID))); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, FacilityKey, facilityID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractFacilityID(c echo.Context, defaultFacility string) string {
	if fid, ok := c.Get("jwt_facility_id").(string); ok && fid != "" {
		return fid
	}
	if fid := c.Request().Header.Get("X-Facility-ID"); fid != "" {
		return fid
	}
	return defaultFacility
}

// SchemaName returns the Postgres schema holding a facility's data.
func SchemaName(facilityID string) string {
	return "facility_" + facilityID
}

// ValidFacilityID reports whether id is usable as a schema suffix.
func ValidFacilityID(id string) bool {
	return facilityIDPattern.MatchString(id)
}

// FacilityFromContext retrieves the facility ID from context.
func FacilityFromContext(ctx context.Context) string {
	fid, _ := ctx.Value(FacilityKey).(string)
	return fid
}
