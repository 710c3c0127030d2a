// Package middleware provides Echo middleware for logging, metrics and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"meme-gateway/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at WARN so they stand out from ordinary traffic.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Deferred so a request whose handler aborts the connection
			// mid-stream is still logged.
			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				if res.Status >= 500 {
					level = slog.LevelWarn
				}

				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"route", routeLabel(c),
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}

// routeLabel returns a bounded name for what served the request: the matched
// route prefix, a gateway endpoint path, or "local" for assets and 404s.
func routeLabel(c echo.Context) string {
	if prefix, ok := c.Get(model.ContextKeyRoute).(string); ok {
		return prefix
	}
	switch p := c.Path(); p {
	case "", "/", "/*":
		return "local"
	default:
		return p
	}
}
