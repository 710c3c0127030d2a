package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"meme-gateway/internal/model"
	"meme-gateway/internal/router"
	"meme-gateway/internal/service"
)

// ErrorResponder writes the gateway's own error responses.
type ErrorResponder struct {
	logger *slog.Logger
}

// NewErrorResponder creates an ErrorResponder.
func NewErrorResponder(logger *slog.Logger) *ErrorResponder {
	return &ErrorResponder{logger: logger.With("component", "errors")}
}

// NotFound answers a request that matched no route and no asset.
func (e *ErrorResponder) NotFound(c echo.Context, rc *model.RequestContext) error {
	e.logger.Info("unhandled request",
		"method", rc.Method,
		"path", rc.Path,
	)
	return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
}

// BadGateway answers a request whose upstream exchange failed before any part
// of the response reached the client.
func (e *ErrorResponder) BadGateway(c echo.Context, rc *model.RequestContext, route router.Route, err error) error {
	e.logger.Error("upstream request failed",
		"method", rc.Method,
		"path", rc.Path,
		"route", route.Prefix,
		"kind", service.KindLabel(err),
		"err", err,
	)
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusBadGateway, map[string]string{"error": "bad gateway"})
}

// AbortMidStream logs a failure after the status line was sent and aborts the
// handler so the server drops the connection instead of finishing a truncated
// body as if it were complete. It does not return.
func (e *ErrorResponder) AbortMidStream(rc *model.RequestContext, route router.Route, written int64, err error) {
	reason := "upstream"
	if rc.Ctx.Err() != nil {
		reason = "client"
	}
	e.logger.Error("response aborted mid-stream",
		"method", rc.Method,
		"path", rc.Path,
		"route", route.Prefix,
		"bytes_sent", written,
		"side", reason,
		"err", err,
	)
	panic(http.ErrAbortHandler)
}
