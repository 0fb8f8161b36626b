package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/proxykit/mcp-sse-proxy/internal/session"
	"github.com/proxykit/mcp-sse-proxy/internal/sse"
)

// streamChunkSize is the upstream read unit. Lines are reassembled across
// chunk boundaries by the parser, so the exact size only affects latency.
const streamChunkSize = 1024

// forwardStream relays an event-stream response line by line. Response
// headers go out before any body bytes so the client can start rendering;
// the upstream read has no timeout, but client disconnect cancels it through
// the request context. The upstream body is closed on every exit path.
func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, sid string, headers http.Header, body []byte) (session.Status, string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Error(sid, "response writer does not support streaming", nil)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return session.StatusErrored, "streaming unsupported"
	}

	target := s.rewriteURL(r.URL)
	s.sessions.Transition(sid, session.StatusActive, target.String())

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

	resp, err := s.stream.Do(req)
	if err != nil {
		// Headers have not been sent yet, so a plain error response is
		// still possible.
		s.log.Error(sid, "open upstream stream failed", err)
		http.Error(w, "cannot reach upstream: "+err.Error(), http.StatusBadGateway)
		return session.StatusErrored, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()

	s.log.Response(sid, resp.StatusCode, resp.Header, "[SSE Stream Started]")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Cache-Control")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	return s.relay(r.Context(), w, flusher, resp.Body, sid)
}

// relay pumps upstream chunks through the frame parser and writes each
// completed line downstream verbatim. Lines are buffered until their newline
// arrives: SSE events always end in a blank line, so holding back a partial
// tail cannot stall a complete event, and it keeps the frame log faithful to
// the wire. The final unterminated fragment, if any, is flushed at stream
// end.
func (s *Server) relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, upstream io.Reader, sid string) (session.Status, string) {
	var parser sse.Parser
	chunk := make([]byte, streamChunkSize)

	for {
		n, readErr := upstream.Read(chunk)
		if n > 0 {
			wrote := false
			for _, line := range parser.Feed(chunk[:n]) {
				if line.Err != nil {
					// Malformed data is logged and skipped; the stream
					// itself continues.
					s.log.Error(sid, "sse line decode failed", line.Err)
					continue
				}
				s.log.Frame(sid, line.Frame)
				if _, err := w.Write(line.Raw); err != nil {
					return session.StatusCancelled, "client write failed: " + err.Error()
				}
				wrote = true
			}
			if wrote {
				flusher.Flush()
			}
		}

		if readErr != nil {
			if tail := parser.Flush(); len(tail) > 0 {
				if _, err := w.Write(tail); err == nil {
					flusher.Flush()
				}
			}
			switch {
			case errors.Is(readErr, io.EOF):
				return session.StatusClosed, "upstream stream ended"
			case ctx.Err() != nil:
				// Client disconnect cancels the upstream read; this is a
				// first-class exit, not an error.
				return session.StatusCancelled, "client disconnected"
			default:
				s.log.Error(sid, "upstream read failed", readErr)
				s.writeErrorFrame(w, flusher, sid, readErr)
				return session.StatusErrored, readErr.Error()
			}
		}

		select {
		case <-ctx.Done():
			return session.StatusCancelled, "client disconnected"
		default:
		}
	}
}

// writeErrorFrame makes a best-effort attempt to tell the client the stream
// died, as a well-formed SSE event. Failures are ignored; the connection is
// about to close either way.
func (s *Server) writeErrorFrame(w io.Writer, flusher http.Flusher, sid string, cause error) {
	payload, err := json.Marshal(map[string]string{"error": "proxy stream error: " + cause.Error()})
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("event: error\ndata: " + string(payload) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
	s.log.Frame(sid, sse.Frame{Kind: sse.KindEvent, Payload: "error"})
}
