package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			var kind apperr.Kind
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
				if body, ok := he.Message.(apperr.Body); ok {
					kind = body.Kind
				}
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			evt := logger.Info()
			switch {
			case err != nil && status >= 500:
				evt = logger.Error().Err(err)
			case err != nil:
				evt = logger.Warn().Err(err)
			}
			if kind != "" {
				evt = evt.Str("error_kind", string(kind))
			}

			evt.
				Str("request_id", rid).
				Str("facility_id", db.FacilityFromContext(req.Context())).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
