package middleware

import (
	"github.com/labstack/echo/v4"

	"meme-gateway/internal/model"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses produced by the gateway itself. Relayed upstream responses are
// passed through untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Before(func() {
				if c.Get(model.ContextKeyRelayed) != nil {
					return
				}
				h := c.Response().Header()
				h.Set("X-Content-Type-Options", "nosniff")
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "DENY")
				}
			})
			return next(c)
		}
	}
}
