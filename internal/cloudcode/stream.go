package cloudcode

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxSSELineSize bounds a single SSE data line; large tool outputs can push
// individual chunks past the bufio default.
const maxSSELineSize = 10 * 1024 * 1024

// SSEScanner reads "data:" payloads from a Cloud Code SSE response body.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps an SSE response body. The caller retains ownership of r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next event payload, or io.EOF when the stream ends.
func (s *SSEScanner) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || string(data) == "[DONE]" {
			continue
		}
		// Scanner reuses its buffer between calls.
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// IsSSEContentType reports whether a Content-Type header denotes an event
// stream.
func IsSSEContentType(ct string) bool {
	return strings.HasPrefix(ct, "text/event-stream")
}
