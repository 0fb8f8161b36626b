// Package sse implements incremental parsing of the Server-Sent Events wire
// format. The parser splits an arbitrary sequence of byte chunks into
// complete lines and classifies each line into a Frame without assuming any
// alignment between chunk boundaries and line boundaries.
package sse

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

// Kind identifies the role of a single line within an SSE stream.
type Kind int

const (
	// KindEvent is a line carrying an event name ("event:...").
	KindEvent Kind = iota
	// KindData is a line carrying event payload data ("data:...").
	KindData
	// KindID is a line carrying an event id ("id:...").
	KindID
	// KindRetry is a line carrying a reconnection delay ("retry:...").
	KindRetry
	// KindSeparator is a blank line, which terminates an event.
	KindSeparator
	// KindRaw is any other non-blank line, forwarded unmodified.
	KindRaw
)

// String returns the lowercase name used in log records.
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindData:
		return "data"
	case KindID:
		return "id"
	case KindRetry:
		return "retry"
	case KindSeparator:
		return "separator"
	default:
		return "raw"
	}
}

// Frame is one classified logical unit of an SSE stream.
type Frame struct {
	Kind    Kind
	Payload string
}

// ErrInvalidUTF8 reports a line that does not decode as UTF-8. Such lines are
// logged and dropped by callers; the stream itself continues.
var ErrInvalidUTF8 = errors.New("sse: line is not valid UTF-8")

// Classify maps a single line (without its trailing newline) to a Frame.
// Field prefixes are matched case-sensitively, colon included, per the SSE
// wire format; the payload is the remainder with surrounding space trimmed.
func Classify(line string) Frame {
	switch {
	case line == "":
		return Frame{Kind: KindSeparator}
	case strings.HasPrefix(line, "event:"):
		return Frame{Kind: KindEvent, Payload: strings.TrimSpace(line[len("event:"):])}
	case strings.HasPrefix(line, "data:"):
		return Frame{Kind: KindData, Payload: strings.TrimSpace(line[len("data:"):])}
	case strings.HasPrefix(line, "id:"):
		return Frame{Kind: KindID, Payload: strings.TrimSpace(line[len("id:"):])}
	case strings.HasPrefix(line, "retry:"):
		return Frame{Kind: KindRetry, Payload: strings.TrimSpace(line[len("retry:"):])}
	default:
		return Frame{Kind: KindRaw, Payload: line}
	}
}

// Line is one complete line extracted from the stream.
type Line struct {
	// Raw holds the original bytes including the trailing '\n', suitable for
	// verbatim relay to a downstream client.
	Raw []byte
	// Frame is the classification of the line without its newline. It is
	// meaningless when Err is set.
	Frame Frame
	// Err is ErrInvalidUTF8 when the line failed to decode. The line must
	// not be relayed; the parser state is unaffected.
	Err error
}

// Parser accumulates stream bytes across chunk boundaries and yields complete
// lines. The zero value is ready to use. Parser is not safe for concurrent
// use; each relay loop owns exactly one.
type Parser struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns all lines completed
// by it, in stream order. Validation happens per line rather than per chunk
// so that splitting the input differently can never change the result.
func (p *Parser) Feed(chunk []byte) []Line {
	p.buf = append(p.buf, chunk...)

	var lines []Line
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		raw := make([]byte, idx+1)
		copy(raw, p.buf[:idx+1])
		p.buf = p.buf[idx+1:]

		text := raw[:idx]
		if !utf8.Valid(text) {
			lines = append(lines, Line{Raw: raw, Err: ErrInvalidUTF8})
			continue
		}
		lines = append(lines, Line{Raw: raw, Frame: Classify(string(text))})
	}
	return lines
}

// Flush returns any buffered partial line and resets the buffer. Callers use
// this to push tail bytes downstream when no further upstream data is pending
// in the current read, trading line-atomicity of the final fragment for
// latency.
func (p *Parser) Flush() []byte {
	if len(p.buf) == 0 {
		return nil
	}
	out := p.buf
	p.buf = nil
	return out
}

// Pending reports whether a partial line is buffered.
func (p *Parser) Pending() bool {
	return len(p.buf) > 0
}
