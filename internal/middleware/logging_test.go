package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"meme-gateway/internal/model"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	out := buf.String()
	for _, want := range []string{"level=INFO", "msg=request", "path=/test", "status=200", "route=/test"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestRequestLogger_BadGatewayLoggedAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/*", func(c echo.Context) error {
		c.Set(model.ContextKeyRoute, "/api")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "bad gateway"})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/meme", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("expected WARN level for 502:\n%s", out)
	}
	if !strings.Contains(out, "route=/api") {
		t.Errorf("expected matched route in log:\n%s", out)
	}
}

func TestRequestLogger_LogsAbortedRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/api/stream", func(c echo.Context) error {
		c.Set(model.ContextKeyRoute, "/api")
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	})

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recover() = %v, want http.ErrAbortHandler", r)
			}
		}()
		req := httptest.NewRequest(http.MethodGet, "/api/stream", http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}()

	out := buf.String()
	for _, want := range []string{"msg=request", "method=GET", "path=/api/stream", "route=/api", "status=200"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
