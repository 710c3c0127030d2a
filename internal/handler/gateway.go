package handler

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"

	humanize "github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"meme-gateway/internal/metrics"
	"meme-gateway/internal/model"
	"meme-gateway/internal/router"
	"meme-gateway/internal/service"
	"meme-gateway/internal/static"
)

// relayBufferSize is the read buffer used when streaming upstream bodies.
const relayBufferSize = 32 * 1024

// Forwarder sends a request to a route's upstream.
type Forwarder interface {
	Forward(rc *model.RequestContext, route router.Route) (*model.UpstreamResponse, error)
}

// AssetServer resolves and writes files from the asset root.
type AssetServer interface {
	Lookup(urlPath string) (*static.Asset, bool)
	Serve(w http.ResponseWriter, r *http.Request, a *static.Asset) error
}

// Decision is the outcome of a pipeline stage.
type Decision int

const (
	// Continue passes the request to the next stage.
	Continue Decision = iota
	// Respond means the stage produced the response.
	Respond
)

// Stage is one step of the request pipeline.
type Stage func(c echo.Context, rc *model.RequestContext) (Decision, error)

// Gateway dispatches every request that is not a gateway endpoint: prefix
// routes are forwarded, then the asset bundle is tried, then 404.
type Gateway struct {
	table     *router.Table
	forwarder Forwarder
	assets    AssetServer
	errors    *ErrorResponder
	logger    *slog.Logger
	metrics   *metrics.Metrics
	stages    []Stage
}

// NewGateway creates a Gateway. The metrics parameter is optional; pass nil to
// disable recording.
func NewGateway(table *router.Table, fwd Forwarder, assets AssetServer, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		table:     table,
		forwarder: fwd,
		assets:    assets,
		errors:    NewErrorResponder(logger),
		logger:    logger.With("component", "gateway"),
		metrics:   m,
	}
	g.stages = []Stage{g.routeStage, g.assetStage, g.notFoundStage}
	return g
}

// Handle runs the request through the pipeline until a stage responds.
func (g *Gateway) Handle(c echo.Context) error {
	if m, ok := c.Get(model.ContextKeyMethod).(string); ok {
		c.Request().Method = m
	}
	rc := newRequestContext(c)
	for _, stage := range g.stages {
		d, err := stage(c, rc)
		if err != nil || d == Respond {
			return err
		}
	}
	return nil
}

func newRequestContext(c echo.Context) *model.RequestContext {
	req := c.Request()
	scheme := "http"
	if c.IsTLS() {
		scheme = "https"
	}
	return &model.RequestContext{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientAddr:    req.RemoteAddr,
		Host:          req.Host,
		Scheme:        scheme,
	}
}

func (g *Gateway) routeStage(c echo.Context, rc *model.RequestContext) (Decision, error) {
	route, ok := g.table.Match(rc.Path)
	if !ok {
		return Continue, nil
	}
	c.Set(model.ContextKeyRoute, route.Prefix)

	resp, err := g.forwarder.Forward(rc, route)
	if err != nil {
		return Respond, g.errors.BadGateway(c, rc, route, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return Respond, g.relay(c, rc, route, resp)
}

// relay streams resp back to the client. The status line is only committed
// once the first body byte (or a clean EOF) has arrived, so an upstream that
// fails before sending anything still yields a 502.
func (g *Gateway) relay(c echo.Context, rc *model.RequestContext, route router.Route, resp *model.UpstreamResponse) error {
	body := bufio.NewReaderSize(resp.Body, relayBufferSize)
	if _, err := body.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		return g.errors.BadGateway(c, rc, route, &service.UpstreamError{
			Kind:  service.ErrUpstreamUnreachable,
			Route: route.Prefix,
			Err:   err,
		})
	}

	w := c.Response()
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	c.Set(model.ContextKeyRelayed, true)
	w.WriteHeader(resp.StatusCode)

	n, err := copyBody(w, body, resp.ContentLength < 0)
	if err != nil {
		g.errors.AbortMidStream(rc, route, n, err)
	}

	g.logger.Debug("relayed upstream response",
		"route", route.Prefix,
		"status", resp.StatusCode,
		"size", humanize.Bytes(uint64(n)),
	)
	return nil
}

// copyBody copies src to w, flushing after every write when flush is set so
// chunked upstream responses reach the client as they arrive.
func copyBody(w http.ResponseWriter, src io.Reader, flush bool) (int64, error) {
	ctrl := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flush {
				_ = ctrl.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (g *Gateway) assetStage(c echo.Context, rc *model.RequestContext) (Decision, error) {
	if rc.Method != http.MethodGet && rc.Method != http.MethodHead {
		return Continue, nil
	}

	a, ok := g.assets.Lookup(rc.Path)
	if !ok {
		g.countAsset("miss")
		return Continue, nil
	}
	g.countAsset("hit")

	if err := g.assets.Serve(c.Response(), c.Request(), a); err != nil {
		if c.Response().Committed {
			g.logger.Error("asset write failed", "path", rc.Path, "err", err)
			return Respond, nil
		}
		g.logger.Warn("asset vanished before it could be served", "path", rc.Path, "err", err)
		return Continue, nil
	}
	return Respond, nil
}

func (g *Gateway) notFoundStage(c echo.Context, rc *model.RequestContext) (Decision, error) {
	return Respond, g.errors.NotFound(c, rc)
}

func (g *Gateway) countAsset(result string) {
	if g.metrics != nil {
		g.metrics.AssetsServed.WithLabelValues(result).Inc()
	}
}
