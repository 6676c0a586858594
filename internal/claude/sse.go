// Package claude provides SSE (Server-Sent Events) writing for API streaming.
package claude

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// bufferPool provides reusable buffers for JSON encoding to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SSEWriter writes Server-Sent Events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteHeaders sets the appropriate headers for SSE streaming.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// WriteEvent writes an SSE event with the given type and data.
func (s *SSEWriter) WriteEvent(eventType string, data interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		return err
	}

	// json.Encoder.Encode adds a newline, so one more terminates the event.
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}

	s.flush()
	return nil
}

// WritePing writes a ping event for keep-alive.
func (s *SSEWriter) WritePing() error {
	return s.WriteEvent("ping", PingEvent{Type: "ping"})
}

// WriteError writes an error event.
func (s *SSEWriter) WriteError(apiErr *APIError) error {
	event := ErrorEvent{
		Type: "error",
		Error: ErrorBlock{
			Type:    string(apiErr.Type),
			Message: apiErr.Message,
		},
	}

	return s.WriteEvent("error", event)
}

// flush flushes the response writer if it supports flushing.
func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
