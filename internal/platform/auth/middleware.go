package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims carried by staff access tokens.
type Claims struct {
	jwt.RegisteredClaims
	FacilityID string   `json:"facility_id"`
	Roles      []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation; development and tests only.
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keys *KeySet
	if len(cfg.SigningKey) == 0 {
		keys = NewKeySet(cfg.JWKSURL)
	}
	keyFunc := func(ctx context.Context) jwt.Keyfunc {
		return func(token *jwt.Token) (interface{}, error) {
			if keys == nil {
				return cfg.SigningKey, nil
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return keys.Key(ctx, kid)
		}
	}

	method := "RS256"
	if keys == nil {
		method = "HS256"
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc(c.Request().Context()), opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.Set("jwt_facility_id", claims.FacilityID)
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), Actor{
				UserID: claims.Subject,
				Roles:  claims.Roles,
			})))
			return next(c)
		}
	}
}

// DevAuthMiddleware grants an anonymous request a synthetic admin identity.
// Requests carrying X-Dev-User / X-Dev-Roles use those instead so witness and
// override flows can be exercised locally with distinct users.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := Actor{UserID: "dev-user", Roles: []string{RoleAdmin}}
			if u := c.Request().Header.Get("X-Dev-User"); u != "" {
				actor.UserID = u
			}
			if r := c.Request().Header.Get("X-Dev-Roles"); r != "" {
				actor.Roles = strings.Split(r, ",")
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, a.UserID)
	return context.WithValue(ctx, UserRolesKey, a.Roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
