package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ServiceKeyHeader carries the shared secret of the main API on /internal calls.
const ServiceKeyHeader = "X-Internal-Key"

// ServiceKeyMiddleware admits only callers presenting key. User tokens are
// not accepted. An empty key disables the routes it guards.
func ServiceKeyMiddleware(key string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + ServiceKeyHeader,
		Validator: func(presented string, c echo.Context) (bool, error) {
			return key != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			slog.Warn("internal route rejected", "remote", c.RealIP(), "path", c.Path(), "error", err)
			return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
		},
	})
}
