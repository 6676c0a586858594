// Package auth exchanges account credentials for Cloud Code access tokens
// and resolves per-account project ids, caching both.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/clock"
)

// OAuth client identity of the Antigravity editor.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes requested for Cloud Code access.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// DefaultTokenTTL is how long exchanged access tokens are reused.
const DefaultTokenTTL = 5 * time.Minute

type tokenEntry struct {
	token       string
	extractedAt time.Time
}

// CredentialsOptions configures a Credentials store.
type CredentialsOptions struct {
	// Manager receives invalid/valid transitions observed during refresh.
	Manager *account.Manager
	// TTL overrides DefaultTokenTTL.
	TTL time.Duration
	// OAuthConfig overrides the built-in Google config (for tests).
	OAuthConfig *oauth2.Config
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Credentials caches access tokens per account email with a TTL, refreshing
// through OAuth when stale. Concurrent refreshes for the same account are
// deduplicated.
type Credentials struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry

	group   singleflight.Group
	manager *account.Manager
	oauth   *oauth2.Config
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewCredentials creates a credentials store.
func NewCredentials(opts CredentialsOptions) *Credentials {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OAuthConfig == nil {
		opts.OAuthConfig = &oauth2.Config{
			ClientID:     envOr("GOOGLE_CLIENT_ID", DefaultClientID),
			ClientSecret: envOr("GOOGLE_CLIENT_SECRET", DefaultClientSecret),
			Scopes:       Scopes,
			Endpoint:     googleoauth.Endpoint,
		}
	}
	return &Credentials{
		tokens:  make(map[string]tokenEntry),
		manager: opts.Manager,
		oauth:   opts.OAuthConfig,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TokenFor returns a fresh access token for the account, from cache when
// younger than the TTL.
func (c *Credentials) TokenFor(ctx context.Context, acct *account.Account) (string, error) {
	switch acct.Source {
	case account.SourceManual:
		if acct.APIKey == "" {
			return "", &InvalidError{Email: acct.Email, Reason: "manual account has no api key"}
		}
		return acct.APIKey, nil
	case account.SourceDatabase:
		return c.tokenFromDatabase(acct)
	default:
		return c.tokenFromOAuth(ctx, acct)
	}
}

func (c *Credentials) tokenFromOAuth(ctx context.Context, acct *account.Account) (string, error) {
	c.mu.Lock()
	entry, ok := c.tokens[acct.Email]
	c.mu.Unlock()
	if ok && c.clock.Now().Sub(entry.extractedAt) < c.ttl {
		return entry.token, nil
	}

	token, err, _ := c.group.Do(acct.Email, func() (any, error) {
		// Re-check: another caller may have refreshed while we waited.
		c.mu.Lock()
		entry, ok := c.tokens[acct.Email]
		c.mu.Unlock()
		if ok && c.clock.Now().Sub(entry.extractedAt) < c.ttl {
			return entry.token, nil
		}
		return c.refresh(ctx, acct)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Credentials) refresh(ctx context.Context, acct *account.Account) (string, error) {
	if acct.RefreshToken == "" {
		return "", c.invalidate(acct.Email, "account has no refresh token", nil)
	}

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	token, err := src.Token()
	if err != nil {
		if isNetworkError(err) {
			c.logger.Warn("token refresh transport failure", "email", acct.Email, "error", err)
			return "", &NetworkError{Email: acct.Email, Err: err}
		}
		return "", c.invalidate(acct.Email, err.Error(), err)
	}

	c.mu.Lock()
	c.tokens[acct.Email] = tokenEntry{token: token.AccessToken, extractedAt: c.clock.Now()}
	c.mu.Unlock()

	// The refresh worked, so any earlier invalid flag is stale.
	if c.manager != nil {
		c.manager.MarkValid(acct.Email)
	}

	c.logger.Debug("access token refreshed", "email", acct.Email)
	return token.AccessToken, nil
}

func (c *Credentials) invalidate(email, reason string, err error) error {
	if c.manager != nil {
		c.manager.MarkInvalid(email, reason)
	}
	return &InvalidError{Email: email, Reason: reason, Err: err}
}

// tokenFromDatabase reads the access token stored by a local Antigravity
// editor install. The file holds either a JSON blob with an accessToken
// field or the bare token.
func (c *Credentials) tokenFromDatabase(acct *account.Account) (string, error) {
	if acct.DBPath == "" {
		return "", &InvalidError{Email: acct.Email, Reason: "database account has no path"}
	}
	data, err := os.ReadFile(acct.DBPath)
	if err != nil {
		return "", &InvalidError{Email: acct.Email, Reason: fmt.Sprintf("read %s: %v", acct.DBPath, err), Err: err}
	}
	if token := gjson.GetBytes(data, "accessToken").String(); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(string(data)); token != "" {
		return token, nil
	}
	return "", &InvalidError{Email: acct.Email, Reason: "no token found in " + acct.DBPath}
}

// ClearToken drops the cached token for one account, or all when email is
// empty.
func (c *Credentials) ClearToken(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if email == "" {
		c.tokens = make(map[string]tokenEntry)
		return
	}
	delete(c.tokens, email)
}

// isNetworkError distinguishes transport failures from definitive OAuth
// rejections. A *RetrieveError means the server answered, so anything
// wrapped in *url.Error that is not a RetrieveError is transport-level.
func isNetworkError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
