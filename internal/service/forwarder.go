// Package service implements request forwarding to route upstreams.
package service

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"meme-gateway/internal/client"
	"meme-gateway/internal/config"
	"meme-gateway/internal/metrics"
	"meme-gateway/internal/model"
	"meme-gateway/internal/router"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder reissues matched requests against their route's upstream.
type Forwarder struct {
	clients map[string]*client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates one upstream client per route in the table.
// The metrics parameter is optional; pass nil to disable recording.
func NewForwarder(table *router.Table, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	f := &Forwarder{
		clients: make(map[string]*client.UpstreamClient),
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
	for _, r := range table.Routes() {
		f.clients[r.Prefix] = client.NewUpstreamClient(r, cfg.Upstream, logger, m)
		if !r.VerifyUpstreamCert {
			f.logger.Warn("upstream certificate verification disabled for route",
				"route", r.Prefix,
				"upstream", r.Upstream.Redacted(),
			)
		}
	}
	return f
}

// Forward sends rc to the upstream of route and returns the response with its
// body unread. The caller is responsible for closing the response body.
// Failures are returned as *UpstreamError.
func (f *Forwarder) Forward(rc *model.RequestContext, route router.Route) (*model.UpstreamResponse, error) {
	c, ok := f.clients[route.Prefix]
	if !ok {
		return nil, f.fail(route, ErrUpstreamUnreachable, fmt.Errorf("no upstream client for route %q", route.Prefix))
	}

	target := BuildUpstreamURL(route, rc)

	if !route.VerifyUpstreamCert {
		f.logger.Warn("forwarding without upstream certificate verification",
			"route", route.Prefix,
			"upstream", route.Upstream.Host,
			"method", rc.Method,
			"path", rc.Path,
		)
		if f.metrics != nil {
			f.metrics.InsecureForwards.WithLabelValues(route.Prefix).Inc()
		}
	}

	f.logger.Info("forwarding",
		"method", rc.Method,
		"path", rc.Path,
		"upstream", target.Host,
		"upstream_path", target.EscapedPath(),
	)

	body := rc.Body
	if rc.ContentLength == 0 || body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(rc.Ctx, rc.Method, target.String(), body)
	if err != nil {
		return nil, f.fail(route, ErrUpstreamProtocol, fmt.Errorf("build upstream request: %w", err))
	}
	if body != http.NoBody {
		req.ContentLength = rc.ContentLength
	}
	req.Header = outboundHeaders(rc)
	req.Host = target.Host

	resp, err := c.Do(req)
	if err != nil {
		return nil, f.fail(route, classify(err), err)
	}

	removeHopByHop(resp.Header)
	return resp, nil
}

func (f *Forwarder) fail(route router.Route, kind, err error) error {
	if f.metrics != nil {
		f.metrics.UpstreamFailures.WithLabelValues(route.Prefix, KindLabel(kind)).Inc()
	}
	return &UpstreamError{Kind: kind, Route: route.Prefix, Err: err}
}

// CloseIdleConnections releases pooled connections of every upstream client.
func (f *Forwarder) CloseIdleConnections() {
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}

// BuildUpstreamURL returns the upstream URL for rc: the route origin, its base
// path joined with the request path (minus the prefix when StripPrefix is set),
// and the original query string. Percent-encoding of the path is preserved.
func BuildUpstreamURL(route router.Route, rc *model.RequestContext) *url.URL {
	rest := rc.EscapedPath()
	if route.StripPrefix {
		rest = trimPrefix(rc, route.Prefix)
	}

	joined := joinPath(route.Upstream.EscapedPath(), rest)

	u := *route.Upstream
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = rc.RawQuery
	if p, err := url.PathUnescape(joined); err == nil {
		u.Path = p
		u.RawPath = joined
	} else {
		u.Path = joined
		u.RawPath = ""
	}
	return &u
}

// trimPrefix removes prefix from the escaped request path. Matching happens on
// the decoded path, so when the escaped form spells the prefix differently the
// remainder is re-escaped from the decoded path instead.
func trimPrefix(rc *model.RequestContext, prefix string) string {
	if prefix == "/" {
		return rc.EscapedPath()
	}
	escaped := rc.EscapedPath()
	if rest, ok := strings.CutPrefix(escaped, prefix); ok && (rest == "" || rest[0] == '/') {
		return rest
	}
	rest := strings.TrimPrefix(rc.Path, prefix)
	return (&url.URL{Path: rest}).EscapedPath()
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if rest[0] != '/' {
		rest = "/" + rest
	}
	return base + rest
}

// outboundHeaders copies the inbound headers minus hop-by-hop ones and adds
// the X-Forwarded-* set so the upstream can tell gateway-relayed traffic apart.
func outboundHeaders(rc *model.RequestContext) http.Header {
	h := rc.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	keepTrailers := httpguts.HeaderValuesContainsToken(h["Te"], "trailers")
	removeHopByHop(h)
	if keepTrailers {
		h.Set("Te", "trailers")
	}

	clientIP, _, err := net.SplitHostPort(rc.ClientAddr)
	if err != nil {
		clientIP = rc.ClientAddr
	}
	if clientIP != "" {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if rc.Host != "" {
		h.Set("X-Forwarded-Host", rc.Host)
	}
	if rc.Scheme != "" {
		h.Set("X-Forwarded-Proto", rc.Scheme)
	}

	// An empty value stops net/http from adding its own User-Agent.
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}
	return h
}

// removeHopByHop deletes hop-by-hop headers and any header named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
