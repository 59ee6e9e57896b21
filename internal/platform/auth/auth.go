// Package auth carries identity and role checks for the HTTP and
// WebSocket surfaces. Tokens are HMAC-signed JWTs; development mode
// substitutes a permissive identity so the API is usable without an
// issuer.
package auth

import (
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

// Roles understood by the API surface.
const (
	RoleReceptionist = "receptionist"
	RoleDoctor       = "doctor"
	RoleAdmin        = "admin"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	SigningKey []byte
}

// JWTMiddleware validates the bearer token and stashes the caller's
// identity and roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(string(UserIDKey), claims.Subject)
			c.Set(string(UserRolesKey), claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware grants a fixed identity with every role. Development
// mode only; never wired when a signing key is configured.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(string(UserIDKey), "dev-user")
			c.Set(string(UserRolesKey), []string{RoleReceptionist, RoleDoctor, RoleAdmin})
			return next(c)
		}
	}
}

// RequireRole rejects callers that hold none of the given roles. Admin
// always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			held := RolesFromContext(c)
			for _, r := range held {
				if r == RoleAdmin {
					return next(c)
				}
				for _, want := range roles {
					if r == want {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

// UserIDFromContext returns the authenticated subject, or "" when the
// request is unauthenticated.
func UserIDFromContext(c echo.Context) string {
	id, _ := c.Get(string(UserIDKey)).(string)
	return id
}

// RolesFromContext returns the caller's roles.
func RolesFromContext(c echo.Context) []string {
	roles, _ := c.Get(string(UserRolesKey)).([]string)
	return roles
}
