package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meme-gateway/internal/config"
	"meme-gateway/internal/metrics"
	"meme-gateway/internal/model"
)

// forwardMethod stands in for request methods echo.Any does not register
// (PURGE, MKCOL, ...) while the request passes through echo's router. The
// gateway restores the original method before handling.
const forwardMethod = "GATEWAY-FORWARD"

// routedMethods are the methods echo.Any registers.
var routedMethods = map[string]bool{
	http.MethodConnect: true,
	http.MethodDelete:  true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodPost:    true,
	echo.PROPFIND:      true,
	http.MethodPut:     true,
	http.MethodTrace:   true,
	echo.REPORT:        true,
}

// RegisterRoutes wires all route handlers onto the Echo instance. Gateway
// endpoints are registered as exact paths so they take precedence over the
// catch-all that feeds the gateway pipeline.
func RegisterRoutes(e *echo.Echo, gw *Gateway, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.Pre(carryArbitraryMethods)

	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, p := range []string{"/", "/*"} {
		e.Any(p, gw.Handle)
		e.Add(forwardMethod, p, gw.Handle)
	}
}

// carryArbitraryMethods sends requests with a method echo has no route for to
// the gateway catch-all, keeping the original method on the context.
func carryArbitraryMethods(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if !routedMethods[req.Method] {
			c.Set(model.ContextKeyMethod, req.Method)
			req.Method = forwardMethod
		}
		return next(c)
	}
}
