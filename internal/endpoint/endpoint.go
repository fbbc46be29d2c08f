// Package endpoint decides how the backend is addressed: either directly via a
// user-supplied absolute URL, or through a same-origin proxy prefix when no
// address is configured. It also derives the streaming-socket URL from
// whichever base applies.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// ProxyPrefix is the relative path prefix under which the backend is mounted
// when no direct address is configured. It is deliberately not rooted at "/"
// so it stays valid when the dashboard itself is served from a sub-path.
const ProxyPrefix = "tts"

// UnsupportedSchemeError is returned when a base URL cannot be mapped to a
// WebSocket scheme.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported URL scheme %q (want http or https)", e.Scheme)
}

// Endpoint is a resolved backend address. It is immutable: a client instance
// either addresses the backend directly or through the proxy prefix, never
// both.
type Endpoint struct {
	raw    string   // normalized direct address, "" in proxied mode
	origin *url.URL // the dashboard's own base URL
}

// Normalize trims the input, strips trailing slashes and infers an http://
// scheme for bare host[:port][/path] input. Anything else passes through
// unchanged; malformed input surfaces as a connection failure downstream, not
// here.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		return s
	}
	if u, err := url.Parse("http://" + s); err == nil && u.Host != "" {
		return "http://" + s
	}
	return s
}

// Resolve builds an Endpoint from a user-supplied address and the dashboard's
// own base URL. An empty (or blank) address selects proxied mode.
func Resolve(rawAddress, origin string) (*Endpoint, error) {
	o, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if o.Scheme == "" || o.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", origin)
	}
	return &Endpoint{raw: Normalize(rawAddress), origin: o}, nil
}

// Proxied reports whether backend calls go through the same-origin proxy
// prefix.
func (e *Endpoint) Proxied() bool { return e.raw == "" }

// Address returns the normalized direct address, or "" in proxied mode.
func (e *Endpoint) Address() string { return e.raw }

// RESTPath returns the request path for a backend REST call. In proxied mode
// the path is relative under ProxyPrefix and never starts with a slash.
func (e *Endpoint) RESTPath(p string) string {
	p = strings.TrimLeft(p, "/")
	if e.Proxied() {
		return ProxyPrefix + "/" + p
	}
	return p
}

// RESTURL returns the absolute URL for a backend REST call.
func (e *Endpoint) RESTURL(p string) string {
	if e.Proxied() {
		return e.origin.JoinPath(ProxyPrefix, strings.TrimLeft(p, "/")).String()
	}
	return e.raw + "/" + strings.TrimLeft(p, "/")
}

// ResolveRef resolves a possibly-relative URL (as returned by the backend,
// e.g. an audio_url) against the endpoint base.
func (e *Endpoint) ResolveRef(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return e.RESTURL(ref)
}

// SocketURL returns the streaming-socket URL for the given path, with the
// base scheme mapped http→ws and https→wss. Any other scheme fails with
// UnsupportedSchemeError.
func (e *Endpoint) SocketURL(p string) (string, error) {
	var base *url.URL
	if e.Proxied() {
		u := *e.origin
		base = &u
		p = ProxyPrefix + "/" + strings.TrimLeft(p, "/")
	} else {
		u, err := url.Parse(e.raw)
		if err != nil {
			return "", fmt.Errorf("parse address %q: %w", e.raw, err)
		}
		base = u
	}

	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", &UnsupportedSchemeError{Scheme: base.Scheme}
	}

	return base.JoinPath(strings.TrimLeft(p, "/")).String(), nil
}
