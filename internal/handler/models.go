package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/auth"
	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
)

// ModelInfo is one entry in the models listing.
type ModelInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "model"
}

// ModelsResponse is the Anthropic-shaped model list.
type ModelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// ModelsHandler handles GET /v1/models by querying the backend's available
// model list with the first usable account.
type ModelsHandler struct {
	manager *account.Manager
	creds   *auth.Credentials
	client  *cloudcode.Client
	logger  *slog.Logger
}

// ModelsHandlerOptions configures the models handler.
type ModelsHandlerOptions struct {
	Manager     *account.Manager
	Credentials *auth.Credentials
	Client      *cloudcode.Client
	Logger      *slog.Logger
}

// NewModelsHandler creates a models handler.
func NewModelsHandler(opts ModelsHandlerOptions) *ModelsHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ModelsHandler{
		manager: opts.Manager,
		creds:   opts.Credentials,
		client:  opts.Client,
		logger:  opts.Logger,
	}
}

// ServeHTTP lists the models the backend reports as available.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accounts := h.manager.Available("")
	if len(accounts) == 0 {
		claude.NewAPIErrorWithStatus("no upstream accounts available", http.StatusServiceUnavailable).WriteError(w)
		return
	}

	var models []ModelInfo
	var lastErr error
	for _, acct := range accounts {
		token, err := h.creds.TokenFor(r.Context(), acct)
		if err != nil {
			lastErr = err
			continue
		}
		models, err = h.fetch(r.Context(), token)
		if err == nil {
			break
		}
		lastErr = err
	}

	if models == nil {
		h.logger.Warn("model listing failed", "error", lastErr)
		claude.NewOverloadedError("could not fetch models from upstream").WriteError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ModelsResponse{Data: models})
}

func (h *ModelsHandler) fetch(ctx context.Context, token string) ([]ModelInfo, error) {
	var lastErr error
	for _, endpoint := range h.client.Endpoints() {
		resp, err := h.client.Post(ctx, endpoint, cloudcode.PathFetchAvailableModels,
			[]byte(`{}`), cloudcode.RequestOptions{Token: token})
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = claude.NewAPIErrorWithStatus(string(body), resp.StatusCode)
			continue
		}

		var models []ModelInfo
		for _, m := range gjson.GetBytes(body, "models").Array() {
			id := m.Get("name").String()
			if id == "" {
				id = m.Get("model").String()
			}
			if id != "" {
				models = append(models, ModelInfo{ID: id, Type: "model"})
			}
		}
		return models, nil
	}
	return nil, lastErr
}
