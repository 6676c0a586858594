package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenServer(t *testing.T, calls *atomic.Int64, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestCredentials(tokenURL string, clk *fakeClock, manager *account.Manager, ttl time.Duration) *Credentials {
	return NewCredentials(CredentialsOptions{
		Manager: manager,
		TTL:     ttl,
		Clock:   clk,
		OAuthConfig: &oauth2.Config{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
	})
}

func oauthAccount() *account.Account {
	return &account.Account{
		Email:        "a@example.com",
		Source:       account.SourceOAuth,
		RefreshToken: "rt-1",
	}
}

func TestTokenForCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, http.StatusOK,
		`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)

	clk := newFakeClock()
	creds := newTestCredentials(server.URL, clk, nil, 5*time.Minute)
	acct := oauthAccount()

	token, err := creds.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.EqualValues(t, 1, calls.Load())

	// Within TTL: served from cache
	clk.Advance(4 * time.Minute)
	token, err = creds.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.EqualValues(t, 1, calls.Load())

	// Past TTL: re-exchanged
	clk.Advance(2 * time.Minute)
	_, err = creds.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClearTokenForcesReExchange(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, http.StatusOK,
		`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)

	clk := newFakeClock()
	creds := newTestCredentials(server.URL, clk, nil, 5*time.Minute)
	acct := oauthAccount()

	_, err := creds.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	creds.ClearToken(acct.Email)
	_, err = creds.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRefreshRejectionMarksInvalid(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, http.StatusBadRequest,
		`{"error":"invalid_grant","error_description":"Token has been revoked."}`)

	clk := newFakeClock()
	manager := account.NewManager(account.ManagerOptions{
		State: account.State{Accounts: []*account.Account{oauthAccount()}},
		Clock: clk,
	})
	creds := newTestCredentials(server.URL, clk, manager, 5*time.Minute)

	_, err := creds.TokenFor(context.Background(), oauthAccount())
	require.Error(t, err)

	var invalidErr *InvalidError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, "a@example.com", invalidErr.Email)
	assert.False(t, manager.IsUsable("a@example.com", "any-model"))
}

func TestRefreshTransportFailureDoesNotMarkInvalid(t *testing.T) {
	clk := newFakeClock()
	manager := account.NewManager(account.ManagerOptions{
		State: account.State{Accounts: []*account.Account{oauthAccount()}},
		Clock: clk,
	})
	// Nothing listens here; the dial fails at the transport level.
	creds := newTestCredentials("http://127.0.0.1:1/token", clk, manager, 5*time.Minute)

	_, err := creds.TokenFor(context.Background(), oauthAccount())
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, manager.IsUsable("a@example.com", "any-model"))
}

func TestSuccessfulRefreshClearsInvalidFlag(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, http.StatusOK,
		`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)

	clk := newFakeClock()
	manager := account.NewManager(account.ManagerOptions{
		State: account.State{Accounts: []*account.Account{oauthAccount()}},
		Clock: clk,
	})
	manager.MarkInvalid("a@example.com", "stale flag")

	creds := newTestCredentials(server.URL, clk, manager, 5*time.Minute)
	_, err := creds.TokenFor(context.Background(), oauthAccount())
	require.NoError(t, err)

	assert.True(t, manager.IsUsable("a@example.com", "any-model"))
}

func TestManualAccountReturnsAPIKey(t *testing.T) {
	creds := NewCredentials(CredentialsOptions{Clock: newFakeClock()})

	token, err := creds.TokenFor(context.Background(), &account.Account{
		Email:  "m@example.com",
		Source: account.SourceManual,
		APIKey: "manual-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "manual-key", token)
}

func TestManualAccountWithoutKeyIsInvalid(t *testing.T) {
	creds := NewCredentials(CredentialsOptions{Clock: newFakeClock()})

	_, err := creds.TokenFor(context.Background(), &account.Account{
		Email:  "m@example.com",
		Source: account.SourceManual,
	})
	var invalidErr *InvalidError
	require.ErrorAs(t, err, &invalidErr)
}

func TestConcurrentRefreshIsDeduplicated(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, http.StatusOK,
		`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)

	clk := newFakeClock()
	creds := newTestCredentials(server.URL, clk, nil, 5*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := creds.TokenFor(context.Background(), oauthAccount())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", token)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int64(2))
}
