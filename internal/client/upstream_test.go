package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"meme-gateway/internal/config"
	"meme-gateway/internal/metrics"
	"meme-gateway/internal/router"
)

var testUpstreamConfig = config.UpstreamConfig{IdleConnections: 10, DialTimeoutSeconds: 5}

func testRoute(t *testing.T, raw string, verify bool) router.Route {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return router.Route{Prefix: "/api", Upstream: u, VerifyUpstreamCert: verify, StripPrefix: true, Timeout: 10 * time.Second}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testRoute(t, srv.URL, true), testUpstreamConfig, discardLogger(), m)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/test", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "meme_gateway_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected meme_gateway_upstream_responses_total to be recorded")
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testRoute(t, srv.URL, true), testUpstreamConfig, discardLogger(), nil)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/here", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want /elsewhere", loc)
	}
}

func TestUpstreamClient_SelfSignedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Run("verification disabled", func(t *testing.T) {
		c := NewUpstreamClient(testRoute(t, srv.URL, false), testUpstreamConfig, discardLogger(), nil)
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/", http.NoBody)
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
		}
	})

	t.Run("verification enabled", func(t *testing.T) {
		c := NewUpstreamClient(testRoute(t, srv.URL, true), testUpstreamConfig, discardLogger(), nil)
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/", http.NoBody)
		if _, err := c.Do(req); err == nil {
			t.Fatal("Do() expected certificate error, got nil")
		}
	})
}

func TestUpstreamClient_Unreachable(t *testing.T) {
	c := NewUpstreamClient(testRoute(t, "http://127.0.0.1:1", true), testUpstreamConfig, discardLogger(), nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.NoBody)
	if _, err := c.Do(req); err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testRoute(t, srv.URL, true), testUpstreamConfig, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", http.NoBody)
	if _, err := c.Do(req); err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
}
