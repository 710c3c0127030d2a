package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"meme-gateway/internal/config"
	"meme-gateway/internal/router"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *router.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, table *router.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Prefix             string `json:"prefix"`
	Upstream           string `json:"upstream"`
	VerifyUpstreamCert bool   `json:"verify_upstream_cert"`
	StripPrefix        bool   `json:"strip_prefix"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

type statusResponse struct {
	Status     string        `json:"status"`
	Version    string        `json:"version"`
	StaticRoot string        `json:"static_root"`
	Routes     []routeStatus `json:"routes"`
}

// Status returns gateway status information, including the route table.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		StaticRoot: h.cfg.Static.Root,
		Routes:     []routeStatus{},
	}
	for _, r := range h.table.Routes() {
		resp.Routes = append(resp.Routes, routeStatus{
			Prefix:             r.Prefix,
			Upstream:           r.Upstream.Redacted(),
			VerifyUpstreamCert: r.VerifyUpstreamCert,
			StripPrefix:        r.StripPrefix,
			TimeoutSeconds:     int(r.Timeout.Seconds()),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
