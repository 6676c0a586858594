package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

// CountTokensHandler handles POST /v1/messages/count_tokens with a local
// estimate. The backend exposes no counting endpoint, and clients only use
// this for budgeting.
type CountTokensHandler struct{}

// NewCountTokensHandler creates a count tokens handler.
func NewCountTokensHandler() *CountTokensHandler {
	return &CountTokensHandler{}
}

// ServeHTTP estimates the input token count at roughly four characters per
// token.
func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		claude.NewInvalidRequestError("Invalid JSON: " + err.Error()).WriteError(w)
		return
	}

	chars := len(req.GetSystemString())
	for i := range req.Messages {
		chars += len(req.Messages[i].GetContentString())
	}

	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": tokens})
}
