package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
)

// loadCodeAssist request body sent during project discovery.
const loadCodeAssistBody = `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Client *cloudcode.Client
	// DefaultProjectID is returned when discovery fails on every endpoint.
	DefaultProjectID string
	Logger           *slog.Logger
}

// Resolver looks up the Cloud Code project id for an account, caching
// results by email for the process lifetime.
type Resolver struct {
	mu       sync.Mutex
	projects map[string]string

	client         *cloudcode.Client
	defaultProject string
	logger         *slog.Logger
}

// NewResolver creates a project resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		projects:       make(map[string]string),
		client:         opts.Client,
		defaultProject: opts.DefaultProjectID,
		logger:         opts.Logger,
	}
}

// ProjectFor returns the project id for the account, discovering it through
// loadCodeAssist when the account carries no override.
func (r *Resolver) ProjectFor(ctx context.Context, acct *account.Account, token string) string {
	r.mu.Lock()
	if project, ok := r.projects[acct.Email]; ok {
		r.mu.Unlock()
		return project
	}
	r.mu.Unlock()

	project := acct.ProjectID
	if project == "" {
		project = r.discover(ctx, token)
	}
	if project == "" {
		project = r.defaultProject
	}

	r.mu.Lock()
	r.projects[acct.Email] = project
	r.mu.Unlock()
	return project
}

// discover calls loadCodeAssist across the endpoint fallback list. The
// response carries cloudaicompanionProject as either a bare string or an
// object with an id field.
func (r *Resolver) discover(ctx context.Context, token string) string {
	for _, endpoint := range r.client.Endpoints() {
		resp, err := r.client.Post(ctx, endpoint, cloudcode.PathLoadCodeAssist,
			[]byte(loadCodeAssistBody), cloudcode.RequestOptions{Token: token})
		if err != nil {
			r.logger.Debug("loadCodeAssist failed", "endpoint", endpoint, "error", err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil || resp.StatusCode != http.StatusOK {
			r.logger.Debug("loadCodeAssist unusable response",
				"endpoint", endpoint, "status", resp.StatusCode)
			continue
		}

		field := gjson.GetBytes(body, "cloudaicompanionProject")
		if field.Type == gjson.String && field.String() != "" {
			return field.String()
		}
		if id := field.Get("id").String(); id != "" {
			return id
		}
	}
	return ""
}

// ClearProject drops the cached project for one account, or all when email
// is empty.
func (r *Resolver) ClearProject(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.projects = make(map[string]string)
		return
	}
	delete(r.projects, email)
}
