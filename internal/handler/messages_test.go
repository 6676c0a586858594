package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/auth"
	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
	"github.com/xilu0/antigravity-claude-proxy/internal/dispatch"
)

func newTestHandler(t *testing.T, upstream string) *MessagesHandler {
	t.Helper()

	manager := account.NewManager(account.ManagerOptions{
		State: account.State{Accounts: []*account.Account{{
			Email:     "a@example.com",
			Source:    account.SourceManual,
			APIKey:    "key-a",
			ProjectID: "proj",
		}}},
	})
	client := cloudcode.NewClient(cloudcode.ClientOptions{Endpoints: []string{upstream}})
	dispatcher := dispatch.New(dispatch.Options{
		Manager:     manager,
		Credentials: auth.NewCredentials(auth.CredentialsOptions{Manager: manager}),
		Projects:    auth.NewResolver(auth.ResolverOptions{Client: client}),
		Client:      client,
	})
	return NewMessagesHandler(MessagesHandlerOptions{Dispatcher: dispatcher})
}

const upstreamTextBody = `{"response":{"candidates":[{"content":{"parts":[{"text":"Hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3}}}`

func TestMessagesRejectsInvalidJSON(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{nope")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", errorType(t, rec.Body.Bytes()))
}

func TestMessagesRequiresModelAndMessages(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(upstreamTextBody))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp claude.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp.Type)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hi there", resp.Content[0].Text)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
}

func TestMessagesStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: " + upstreamTextBody + "\n\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":true}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, "event: content_block_delta")
	assert.Contains(t, body, "Hi there")
	assert.Contains(t, body, "event: message_stop")
}

func TestMessagesDispatchFailureMapsToAPIError(t *testing.T) {
	// No usable accounts at all
	manager := account.NewManager(account.ManagerOptions{})
	client := cloudcode.NewClient(cloudcode.ClientOptions{Endpoints: []string{"http://127.0.0.1:1"}})
	dispatcher := dispatch.New(dispatch.Options{
		Manager:     manager,
		Credentials: auth.NewCredentials(auth.CredentialsOptions{}),
		Projects:    auth.NewResolver(auth.ResolverOptions{Client: client}),
		Client:      client,
	})
	h := NewMessagesHandler(MessagesHandlerOptions{Dispatcher: dispatcher})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "api_error", errorType(t, rec.Body.Bytes()))
}

func errorType(t *testing.T, body []byte) string {
	t.Helper()
	var resp claude.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "error", resp.Type)
	return string(resp.Error.Type)
}

func TestCountTokensEstimates(t *testing.T) {
	h := NewCountTokensHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens",
		strings.NewReader(`{"model":"m","system":"be nice","messages":[{"role":"user","content":"`+strings.Repeat("a", 100)+`"}]}`)))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, (100+len("be nice"))/4, resp["input_tokens"])
}
