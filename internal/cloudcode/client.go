package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// Endpoints is the ordered fallback list of Cloud Code API bases. The sandbox
// endpoint is tried first because it carries looser quota for Antigravity
// clients.
var Endpoints = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// API paths under each endpoint base.
const (
	PathGenerateContent       = "/v1internal:generateContent"
	PathStreamGenerateContent = "/v1internal:streamGenerateContent?alt=sse"
	PathLoadCodeAssist        = "/v1internal:loadCodeAssist"
	PathFetchAvailableModels  = "/v1internal:fetchAvailableModels"
)

const (
	clientVersion  = "1.15.8"
	apiClient      = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"

	// interleavedThinkingBeta enables interleaved thinking blocks on Claude
	// thinking models.
	interleavedThinkingBeta = "interleaved-thinking-2025-05-14"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Endpoints overrides the default endpoint fallback list (for tests).
	Endpoints []string
	// HTTPClient is the underlying HTTP client. Defaults to a client with a
	// 10 minute timeout; streaming requests strip the timeout via context.
	HTTPClient *http.Client
	// Logger for request logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client issues requests against the Cloud Code v1internal API.
type Client struct {
	endpoints  []string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Cloud Code API client.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	endpoints := opts.Endpoints
	if len(endpoints) == 0 {
		endpoints = Endpoints
	}
	return &Client{
		endpoints:  endpoints,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
}

// Endpoints returns the ordered endpoint list the client tries.
func (c *Client) Endpoints() []string {
	return c.endpoints
}

// RequestOptions carries per-call metadata for Post.
type RequestOptions struct {
	// Token is the OAuth bearer token.
	Token string
	// Model is the target model, used to decide the interleaved-thinking
	// header. May be empty for non-generation calls.
	Model string
	// Streaming requests an SSE response.
	Streaming bool
}

// Post sends a JSON payload to path on the given endpoint base and returns
// the raw response. The caller owns resp.Body.
func (c *Client) Post(ctx context.Context, endpoint, path string, body []byte, opts RequestOptions) (*http.Response, error) {
	url := endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+opts.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("antigravity/%s %s/%s", clientVersion, runtime.GOOS, runtime.GOARCH))
	req.Header.Set("X-Goog-Api-Client", apiClient)
	req.Header.Set("Client-Metadata", clientMetadata)

	if opts.Streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	if FamilyOf(opts.Model) == FamilyClaude && IsThinkingModel(opts.Model) {
		req.Header.Set("anthropic-beta", interleavedThinkingBeta)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("cloudcode request",
		"endpoint", endpoint,
		"path", path,
		"status", resp.StatusCode)

	return resp, nil
}
