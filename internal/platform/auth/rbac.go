package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin      = "admin"
	RoleNurse      = "nurse"
	RolePhysician  = "physician"
	RolePharmacist = "pharmacist"
	RoleCompliance = "compliance"
)

// Actor is the authenticated staff member performing an engine operation.
type Actor struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// HasAnyRole reports whether the actor holds one of roles. Admin holds all.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, has := range a.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

func ActorFromContext(ctx context.Context) Actor {
	return Actor{UserID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// RequireRole rejects requests whose actor holds none of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ActorFromContext(c.Request().Context()).HasAnyRole(roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
