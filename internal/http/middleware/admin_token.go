package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxAdmin = "admin"

// IsAdmin reports whether AdminTokenMiddleware authenticated the request.
func IsAdmin(c echo.Context) bool {
	ok, _ := c.Get(ctxAdmin).(bool)
	return ok
}

// AdminTokenMiddleware authenticates requests using the X-Admin-Token header
// or an "Authorization: Bearer" token. An empty configured token disables
// the admin routes.
func AdminTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "admin api disabled"})
			}

			got := strings.TrimSpace(c.Request().Header.Get("X-Admin-Token"))
			if got == "" {
				if v, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "); ok {
					got = strings.TrimSpace(v)
				}
			}
			if got == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing admin token"})
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			}
			c.Set(ctxAdmin, true)
			return next(c)
		}
	}
}
