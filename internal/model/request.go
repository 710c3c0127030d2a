// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RequestContext is one inbound request as seen by the gateway pipeline.
// It is owned by the handler serving that request and never shared.
type RequestContext struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string // escaped form of Path as sent by the client
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ClientAddr    string
	Host          string
	Scheme        string
}

// EscapedPath returns the request path with its original escaping. When
// RawPath is empty or does not decode to Path, Path is encoded afresh.
func (rc *RequestContext) EscapedPath() string {
	return (&url.URL{Path: rc.Path, RawPath: rc.RawPath}).EscapedPath()
}

// UpstreamResponse is the upstream reply to be streamed back to the client.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// Keys stored on the echo context by the gateway for middleware to read.
const (
	// ContextKeyRoute holds the matched route prefix.
	ContextKeyRoute = "gateway.route"
	// ContextKeyRelayed is set once an upstream response has been relayed.
	ContextKeyRelayed = "gateway.relayed"
	// ContextKeyMethod holds the original method of a request whose method
	// echo has no route for.
	ContextKeyMethod = "gateway.method"
)
