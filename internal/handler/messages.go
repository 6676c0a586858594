// Package handler provides HTTP handlers for the proxy server.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
	"github.com/xilu0/antigravity-claude-proxy/internal/dispatch"
)

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
	dispatcher      *dispatch.Dispatcher
	fallbackEnabled bool
	logger          *slog.Logger
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Dispatcher *dispatch.Dispatcher
	// FallbackEnabled allows the dispatcher to downgrade to a configured
	// fallback model when every account is exhausted.
	FallbackEnabled bool
	Logger          *slog.Logger
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MessagesHandler{
		dispatcher:      opts.Dispatcher,
		fallbackEnabled: opts.FallbackEnabled,
		logger:          opts.Logger,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	if req.Model == "" {
		h.writeError(w, claude.NewInvalidRequestError("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, claude.NewInvalidRequestError("messages is required"))
		return
	}

	h.logger.Debug("received request", "model", req.Model, "stream", req.Stream)

	if req.Stream {
		h.serveStream(w, r, &req)
		return
	}

	resp, err := h.dispatcher.Send(ctx, &req, h.fallbackEnabled)
	if err != nil {
		h.writeError(w, toAPIError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *MessagesHandler) serveStream(w http.ResponseWriter, r *http.Request, req *claude.MessageRequest) {
	stream, err := h.dispatcher.Stream(r.Context(), req, h.fallbackEnabled)
	if err != nil {
		h.writeError(w, toAPIError(err))
		return
	}
	defer stream.Close()

	sse := claude.NewSSEWriter(w)
	sse.WriteHeaders()
	w.WriteHeader(http.StatusOK)

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Warn("upstream stream broke", "error", err)
			_ = sse.WriteError(claude.NewOverloadedError("upstream stream interrupted"))
			return
		}
		if err := sse.WriteEvent(event.Type, event.Data); err != nil {
			// Client went away; the deferred Close aborts upstream.
			h.logger.Debug("client disconnected during stream", "error", err)
			return
		}
	}
}

func (h *MessagesHandler) writeError(w http.ResponseWriter, apiErr *claude.APIError) {
	h.logger.Warn("request failed",
		"type", apiErr.Type,
		"status", apiErr.StatusCode,
		"message", apiErr.Message,
	)
	apiErr.WriteError(w)
}

func toAPIError(err error) *claude.APIError {
	var derr *dispatch.Error
	if errors.As(err, &derr) {
		return derr.ToAPIError()
	}
	var apiErr *claude.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return claude.NewOverloadedError("upstream closed unexpectedly")
	}
	return claude.NewAPIError(err.Error())
}
