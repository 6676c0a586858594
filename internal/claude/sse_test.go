package claude

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	w.WriteHeaders()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestSSEWriterEventFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	require.NoError(t, w.WriteEvent("message_stop", MessageStopEvent{Type: "message_stop"}))

	assert.Equal(t, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", rec.Body.String())
}

func TestSSEWriterDoesNotEscapeHTML(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	require.NoError(t, w.WriteEvent("content_block_delta", ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Delta: DeltaBlock{Type: "text_delta", Text: "<b> & </b>"},
	}))

	assert.Contains(t, rec.Body.String(), "<b> & </b>")
}

func TestSSEWriterErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	require.NoError(t, w.WriteError(NewOverloadedError("upstream gone")))

	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "overloaded_error")
	assert.Contains(t, body, "upstream gone")
}

func TestAPIErrorWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRateLimitError("slow down").WriteError(rec)

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
}
