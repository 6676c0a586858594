package dispatch

import (
	"io"
	"net/http"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
)

// Stream is a lazy, finite sequence of Anthropic events transcoded from one
// upstream SSE connection. It is not restartable; the underlying response
// body is released by Close or when Recv returns io.EOF.
type Stream struct {
	resp    *http.Response
	scanner *cloudcode.SSEScanner
	tc      *cloudcode.Transcoder

	pending []claude.StreamEvent
	done    bool
}

func newStream(resp *http.Response, model string) *Stream {
	return &Stream{
		resp:    resp,
		scanner: cloudcode.NewSSEScanner(resp.Body),
		tc:      cloudcode.NewTranscoder(model),
	}
}

// Recv returns the next event. io.EOF signals a complete, well-terminated
// stream; any other error means the upstream connection broke mid-stream.
func (s *Stream) Recv() (claude.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return claude.StreamEvent{}, io.EOF
		}

		chunk, err := s.scanner.Next()
		if err == io.EOF {
			s.done = true
			s.pending = s.tc.Finish()
			s.resp.Body.Close()
			continue
		}
		if err != nil {
			s.done = true
			s.resp.Body.Close()
			return claude.StreamEvent{}, err
		}
		s.pending = s.tc.Feed(chunk)
	}
}

// Close aborts the stream and releases the upstream connection. Safe to call
// after Recv has returned io.EOF.
func (s *Stream) Close() error {
	s.done = true
	return s.resp.Body.Close()
}
