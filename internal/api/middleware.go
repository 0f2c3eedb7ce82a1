package api

import (
	"log/slog"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders sets the standard defensive headers on every response.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// asyncErrorLogger logs any error a handler returns with method+path
// before echo's default error handler turns it into a response. Panics are
// separately caught by middleware.Recover(), registered ahead of this one.
func asyncErrorLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err != nil {
				slog.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
			}
			return err
		}
	}
}
