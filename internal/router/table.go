// Package router holds the immutable prefix route table used by the gateway.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNoRoutes is returned when a table is built from an empty route list.
	ErrNoRoutes = errors.New("no routes configured")
	// ErrAmbiguousRoute is returned when two routes share a prefix but point at different targets.
	ErrAmbiguousRoute = errors.New("ambiguous route")
)

// Route maps a path prefix to an upstream origin.
type Route struct {
	Prefix             string
	Upstream           *url.URL
	VerifyUpstreamCert bool
	StripPrefix        bool
	Timeout            time.Duration
}

// sameTarget reports whether two routes with equal prefixes are interchangeable.
func (r Route) sameTarget(o Route) bool {
	return r.Upstream.String() == o.Upstream.String() &&
		r.VerifyUpstreamCert == o.VerifyUpstreamCert &&
		r.StripPrefix == o.StripPrefix &&
		r.Timeout == o.Timeout
}

// Matches reports whether path falls under the route prefix on a segment boundary.
func (r Route) Matches(path string) bool {
	if r.Prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// Table is an ordered set of routes, longest prefix first.
// It is read-only after New returns and safe for concurrent use.
type Table struct {
	routes []Route
}

// New validates routes and builds a Table.
//
// Prefixes are normalized to start with '/' and carry no trailing slash. Routes
// are ordered longest prefix first; equal-length prefixes keep declaration order.
// A route repeated with an identical target is dropped, while the same prefix
// with a different target fails with ErrAmbiguousRoute.
func New(routes []Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}

	byPrefix := make(map[string]Route, len(routes))
	ordered := make([]Route, 0, len(routes))

	for i, r := range routes {
		prefix, err := NormalizePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if r.Upstream == nil || r.Upstream.Host == "" {
			return nil, fmt.Errorf("route %q: upstream origin is required", prefix)
		}
		if r.Upstream.Scheme != "http" && r.Upstream.Scheme != "https" {
			return nil, fmt.Errorf("route %q: upstream scheme must be http or https; got %q", prefix, r.Upstream.Scheme)
		}
		r.Prefix = prefix

		if prev, ok := byPrefix[prefix]; ok {
			if prev.sameTarget(r) {
				continue
			}
			return nil, fmt.Errorf("%w: prefix %q maps to both %s and %s", ErrAmbiguousRoute, prefix, prev.Upstream, r.Upstream)
		}
		byPrefix[prefix] = r
		ordered = append(ordered, r)
	}

	slices.SortStableFunc(ordered, func(a, b Route) int {
		return len(b.Prefix) - len(a.Prefix)
	})

	return &Table{routes: ordered}, nil
}

// NormalizePrefix trims surrounding space and any trailing slash, and requires a leading slash.
func NormalizePrefix(prefix string) (string, error) {
	p := strings.TrimSpace(prefix)
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("prefix must start with '/'; got %q", prefix)
	}
	if strings.Contains(p, "?") || strings.Contains(p, "#") {
		return "", fmt.Errorf("prefix must be a plain path; got %q", prefix)
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p, nil
}

// Match returns the route with the longest prefix that matches path.
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the routes in match order.
func (t *Table) Routes() []Route {
	return slices.Clone(t.routes)
}

// Prefixes returns the route prefixes in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Prefix
	}
	return out
}
