package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Forwarding failure kinds. errors.Is(err, ErrUpstreamTimeout) reports the kind of an *UpstreamError.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
)

// UpstreamError is returned by Forward when the upstream exchange fails.
type UpstreamError struct {
	Kind  error
	Route string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v (route %s): %v", e.Kind, e.Route, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches the failure kind as well as anything in the wrapped chain.
func (e *UpstreamError) Is(target error) bool { return target == e.Kind }

// KindLabel returns a short label for the failure kind of err.
func KindLabel(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamProtocol):
		return "protocol"
	default:
		return "unreachable"
	}
}

// classify maps a transport error onto a failure kind.
func classify(err error) error {
	var (
		certErr    *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
	)
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr):
		return ErrUpstreamProtocol
	case errors.Is(err, context.DeadlineExceeded):
		return ErrUpstreamTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUpstreamTimeout
	}

	// net/http reports unparseable upstream replies as plain errors.
	if msg := err.Error(); strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "server gave HTTP response to HTTPS client") {
		return ErrUpstreamProtocol
	}

	return ErrUpstreamUnreachable
}
