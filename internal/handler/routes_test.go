package handler

import (
	"net/http"
	"strings"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	g := newTestGateway(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /gateway/status", http.MethodGet, "/gateway/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET / serves index", http.MethodGet, "/", http.StatusOK},
		{"HEAD asset", http.MethodHead, "/app.js", http.StatusOK},
		{"route to closed port", http.MethodGet, "/api/meme/search", http.StatusBadGateway},
		{"PUT to route", http.MethodPut, "/api/meme/1", http.StatusBadGateway},
		{"unknown path", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(tt.method, tt.path, http.NoBody)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	g := newTestGateway(t)
	g.do(http.MethodGet, "/app.js", http.NoBody)

	rec := g.do(http.MethodGet, "/metrics", http.NoBody)
	if !strings.Contains(rec.Body.String(), `meme_gateway_assets_served_total{result="hit"} 1`) {
		t.Errorf("metrics output missing asset counter:\n%s", rec.Body.String())
	}
}
