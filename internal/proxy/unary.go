package proxy

import (
	"bytes"
	"io"
	"net/http"

	"github.com/proxykit/mcp-sse-proxy/internal/session"
)

// forwardUnary forwards a request expected to complete promptly: full body
// in, full response out, bounded by the 30s client timeout. A failed attempt
// is surfaced immediately as a 502; there are no retries.
func (s *Server) forwardUnary(w http.ResponseWriter, r *http.Request, sid string, headers http.Header, body []byte) (session.Status, string) {
	target := s.rewriteURL(r.URL)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		s.log.Error(sid, "build upstream request failed", err)
		http.Error(w, "proxy error: "+err.Error(), http.StatusInternalServerError)
		return session.StatusErrored, err.Error()
	}
	req.Header = headers
	req.Host = target.Host

	if err := s.authorize(req); err != nil {
		s.log.Error(sid, "credential refresh failed", err)
		http.Error(w, "proxy error: "+err.Error(), http.StatusInternalServerError)
		return session.StatusErrored, err.Error()
	}

	resp, err := s.unary.Do(req)
	if err != nil {
		s.log.Error(sid, "forward request failed", err)
		http.Error(w, "cannot reach upstream: "+err.Error(), http.StatusBadGateway)
		return session.StatusErrored, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Error(sid, "read upstream response failed", err)
		http.Error(w, "cannot read upstream response: "+err.Error(), http.StatusBadGateway)
		return session.StatusErrored, err.Error()
	}

	s.log.Response(sid, resp.StatusCode, resp.Header, string(respBody))

	for k, vv := range resp.Header {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		// Headers and status are already committed; nothing to send the
		// client beyond noting the failure.
		s.log.Error(sid, "write response to client failed", err)
		return session.StatusErrored, err.Error()
	}

	return session.StatusClosed, ""
}
