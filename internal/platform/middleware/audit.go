package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/internal/platform/db"
)

// AuditEntry records one state-changing or read call against the medication
// API: who acted, on which facility, against which resource.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	FacilityID string
	Resource   string
	ResourceID string
	Operation  string
	Action     string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries beyond the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 call as a medication_audit event after the handler
// runs, so the response status is captured.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				FacilityID: db.FacilityFromContext(ctx),
				Action:     httpMethodToAction(req.Method),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.Resource, entry.ResourceID, entry.Operation = splitAPIPath(path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "medication_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("facility_id", entry.FacilityID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("medication_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitAPIPath breaks /api/v1/<resource>[/<id>[/<operation>]] apart.
//
//	/api/v1/mar/records/abc/administer -> mar/records, abc, administer
//	/api/v1/recalls/abc/notify         -> recalls, abc, notify
//	/api/v1/inventory/batches          -> inventory/batches, "", ""
func splitAPIPath(path string) (resource, id, operation string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown", "", ""
	}
	resource = segs[0]
	rest := segs[1:]
	// Grouped resources carry a collection segment after the group name.
	if (resource == "mar" || resource == "inventory") && len(rest) > 0 {
		resource += "/" + rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		id = rest[0]
	}
	if len(rest) > 1 {
		operation = strings.Join(rest[1:], "/")
	}
	return resource, id, operation
}
