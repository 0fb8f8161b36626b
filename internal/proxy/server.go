// Package proxy implements the SSE reverse proxy: a catch-all HTTP handler
// that forwards requests to a single upstream, relaying event-stream
// responses line by line and logging every hop.
package proxy

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/proxykit/mcp-sse-proxy/internal/credstore"
	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
	"github.com/proxykit/mcp-sse-proxy/internal/session"
)

const unaryTimeout = 30 * time.Second

// hopHeaders lists hop-by-hop headers that must not be forwarded, plus
// Content-Length, which is recomputed for the rewritten request.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// Server forwards inbound requests to the configured upstream. It owns the
// session table, logger, and HTTP clients; handlers receive everything
// through the struct rather than through package state.
type Server struct {
	target   *url.URL
	sessions *session.Tracker
	log      *proxylog.Logger
	creds    *credstore.Store

	// unary bounds ordinary request/response forwarding; stream has no
	// timeout because event streams may idle arbitrarily long between
	// events. Cancellation still propagates via the request context.
	unary  *http.Client
	stream *http.Client
}

// New constructs a Server targeting the given upstream base URL. creds may
// be nil when the upstream needs no bearer token.
func New(target *url.URL, tracker *session.Tracker, log *proxylog.Logger, creds *credstore.Store) *Server {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Server{
		target:   target,
		sessions: tracker,
		log:      log,
		creds:    creds,
		unary:    &http.Client{Timeout: unaryTimeout, Transport: transport},
		stream:   &http.Client{Transport: transport},
	}
}

// ServeHTTP opens a session for the connection, logs the inbound request,
// and dispatches to the unary or stream forwarder based on the Accept
// header. The session reaches exactly one terminal status on every path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := s.sessions.Open(r.RemoteAddr)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error(sid, "read request body failed", err)
		http.Error(w, "proxy error: "+err.Error(), http.StatusInternalServerError)
		s.sessions.Transition(sid, session.StatusErrored, err.Error())
		return
	}
	_ = r.Body.Close()

	s.log.Request(sid, r.Method, r.URL.String(), r.Header, string(body))

	headers := forwardHeaders(r)

	var status session.Status
	var detail string
	if isEventStream(r.Header.Get("Accept")) {
		status, detail = s.forwardStream(w, r, sid, headers, body)
	} else {
		status, detail = s.forwardUnary(w, r, sid, headers, body)
	}
	s.sessions.Transition(sid, status, detail)
}

// isEventStream reports whether the Accept header asks for an event stream.
// Matching is a case-insensitive substring check so parameterized and
// multi-valued Accept headers classify correctly.
func isEventStream(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "text/event-stream")
}

// rewriteURL resolves the inbound path and query against the upstream base.
func (s *Server) rewriteURL(requestURL *url.URL) *url.URL {
	ref := &url.URL{
		Path:     requestURL.Path,
		RawPath:  requestURL.RawPath,
		RawQuery: requestURL.RawQuery,
	}
	return s.target.ResolveReference(ref)
}

// forwardHeaders copies the inbound headers, drops hop-by-hop headers, and
// records the client in the X-Forwarded-* set. The Host header travels via
// http.Request.Host, never via the header map.
func forwardHeaders(r *http.Request) http.Header {
	h := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
	return h
}

// authorize attaches the bearer token from the credential store, when one is
// configured. A refresh failure is surfaced so the caller can fail the
// request instead of forwarding it unauthenticated.
func (s *Server) authorize(req *http.Request) error {
	if s.creds == nil {
		return nil
	}
	token, err := s.creds.AccessToken(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
