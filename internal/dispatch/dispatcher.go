// Package dispatch orchestrates account selection, credential refresh,
// endpoint fallback, and retry/backoff for one request against the Cloud
// Code backend.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
	"github.com/xilu0/antigravity-claude-proxy/internal/auth"
	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
	"github.com/xilu0/antigravity-claude-proxy/internal/clock"
	"github.com/xilu0/antigravity-claude-proxy/internal/cloudcode"
)

// DefaultMaxRetries is the attempt budget floor; the effective budget is
// max(MaxRetries, accounts+1).
const DefaultMaxRetries = 5

const serverErrorPause = time.Second

// Options configures a Dispatcher.
type Options struct {
	Manager     *account.Manager
	Credentials *auth.Credentials
	Projects    *auth.Resolver
	Client      *cloudcode.Client
	MaxRetries  int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Dispatcher routes one request through the account pool to the backend.
type Dispatcher struct {
	manager    *account.Manager
	creds      *auth.Credentials
	projects   *auth.Resolver
	client     *cloudcode.Client
	maxRetries int
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		manager:    opts.Manager,
		creds:      opts.Credentials,
		projects:   opts.Projects,
		client:     opts.Client,
		maxRetries: opts.MaxRetries,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// upstream is an acquired 2xx backend response plus how to read it.
type upstream struct {
	resp  *http.Response
	model string
	sse   bool
}

// Send dispatches a non-streaming request and returns the aggregated
// response. Thinking models are fetched over SSE and accumulated.
func (d *Dispatcher) Send(ctx context.Context, req *claude.MessageRequest, fallbackEnabled bool) (*claude.MessageResponse, error) {
	up, err := d.acquire(ctx, req, fallbackEnabled)
	if err != nil {
		return nil, err
	}
	defer up.resp.Body.Close()

	if up.sse || cloudcode.IsSSEContentType(up.resp.Header.Get("Content-Type")) {
		agg := cloudcode.NewAggregator(up.model)
		scanner := cloudcode.NewSSEScanner(up.resp.Body)
		for {
			chunk, err := scanner.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, &Error{Kind: KindNetwork, Model: up.model, Err: err}
			}
			agg.Feed(chunk)
		}
		return agg.Result(), nil
	}

	body, err := io.ReadAll(up.resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Model: up.model, Err: err}
	}
	return cloudcode.ParseResponse(body, up.model), nil
}

// Stream dispatches a streaming request. The returned stream owns the
// upstream connection; the caller must Close it.
func (d *Dispatcher) Stream(ctx context.Context, req *claude.MessageRequest, fallbackEnabled bool) (*Stream, error) {
	up, err := d.acquire(ctx, req, fallbackEnabled)
	if err != nil {
		return nil, err
	}
	return newStream(up.resp, up.model), nil
}

// acquire runs the outer retry loop: pick an account, try every endpoint,
// classify the failure, move on. It returns the first 2xx response.
func (d *Dispatcher) acquire(ctx context.Context, req *claude.MessageRequest, fallbackEnabled bool) (*upstream, error) {
	model := req.Model
	useSSE := req.Stream || cloudcode.IsThinkingModel(model)

	maxAttempts := d.maxRetries
	if n := d.manager.Count() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acct, wait := d.manager.PickSticky(model)
		if acct == nil && wait > 0 {
			d.logger.Info("waiting for sticky account reset", "model", model, "wait", wait)
			if err := d.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			d.manager.ClearExpired()
			acct = d.manager.CurrentSticky(model)
		}

		if acct == nil {
			if d.manager.Count() > 0 && d.manager.AllRateLimited(model) {
				w, email := d.manager.MinWait(model)
				resetAt := d.clock.Now().Add(w)
				if w > d.manager.MaxWaitBeforeError() {
					// A configured fallback beats waiting out a long reset.
					if fallbackEnabled {
						if fallback, ok := d.manager.FallbackModel(model); ok {
							d.logger.Info("falling back to alternate model",
								"model", model, "fallback", fallback)
							fbReq := *req
							fbReq.Model = fallback
							return d.acquire(ctx, &fbReq, false)
						}
					}
					return nil, &Error{Kind: KindResourceExhausted, Model: model, ResetAt: resetAt}
				}
				d.logger.Info("all accounts rate limited, waiting",
					"model", model, "wait", w, "next_reset", email)
				if err := d.clock.Sleep(ctx, w); err != nil {
					return nil, err
				}
				d.manager.ClearExpired()
				acct = d.manager.PickNext(model)
			}
			if acct == nil {
				if fallbackEnabled {
					if fallback, ok := d.manager.FallbackModel(model); ok {
						d.logger.Info("falling back to alternate model",
							"model", model, "fallback", fallback)
						fbReq := *req
						fbReq.Model = fallback
						return d.acquire(ctx, &fbReq, false)
					}
				}
				return nil, &Error{Kind: KindNoAccounts, Model: model}
			}
		}

		resp, err := d.tryAccount(ctx, req, acct, useSSE)
		if err == nil {
			return &upstream{resp: resp, model: model, sse: useSSE}, nil
		}
		lastErr = err

		var derr *Error
		if !errors.As(err, &derr) {
			return nil, err
		}
		switch derr.Kind {
		case KindRateLimited, KindAuthInvalid:
			// The ledger or invalid flag now excludes this account; the
			// next pick skips it.
			continue
		case KindUpstream5xx:
			d.manager.PickNext(model)
			continue
		case KindAuthNetwork, KindNetwork:
			if err := d.clock.Sleep(ctx, serverErrorPause); err != nil {
				return nil, err
			}
			d.manager.PickNext(model)
			continue
		default:
			return nil, err
		}
	}

	return nil, &Error{Kind: KindMaxRetries, Model: model, Err: lastErr}
}

// tryAccount runs the inner endpoint loop for one account. On success the
// caller owns the response body.
func (d *Dispatcher) tryAccount(ctx context.Context, req *claude.MessageRequest, acct *account.Account, useSSE bool) (*http.Response, error) {
	token, err := d.creds.TokenFor(ctx, acct)
	if err != nil {
		var netErr *auth.NetworkError
		if errors.As(err, &netErr) {
			return nil, &Error{Kind: KindAuthNetwork, Email: acct.Email, Err: err}
		}
		return nil, &Error{Kind: KindAuthInvalid, Email: acct.Email, Err: err}
	}

	project := d.projects.ProjectFor(ctx, acct, token)
	payload, err := cloudcode.BuildPayload(req, project)
	if err != nil {
		return nil, &Error{Kind: KindUpstream4xx, Status: http.StatusBadRequest, Email: acct.Email, Err: err}
	}

	path := cloudcode.PathGenerateContent
	if useSSE {
		path = cloudcode.PathStreamGenerateContent
	}

	var (
		lastErr  *Error
		minReset time.Duration
		saw429   bool
		all429   = true
	)

	for _, endpoint := range d.client.Endpoints() {
		resp, err := d.client.Post(ctx, endpoint, path, payload, cloudcode.RequestOptions{
			Token:     token,
			Model:     req.Model,
			Streaming: useSSE,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			all429 = false
			lastErr = &Error{Kind: KindNetwork, Email: acct.Email, Err: err}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			all429 = false
			d.creds.ClearToken(acct.Email)
			d.projects.ClearProject(acct.Email)
			lastErr = &Error{Kind: KindAuthInvalid, Status: resp.StatusCode, Email: acct.Email, Body: string(body)}
		case resp.StatusCode == http.StatusTooManyRequests:
			reset := cloudcode.ParseRetryAfter(resp.Header, body)
			if !saw429 || reset < minReset {
				minReset = reset
			}
			saw429 = true
			lastErr = &Error{Kind: KindRateLimited, Status: resp.StatusCode, Email: acct.Email, Body: string(body)}
		case resp.StatusCode >= 500:
			all429 = false
			lastErr = &Error{Kind: KindUpstream5xx, Status: resp.StatusCode, Email: acct.Email, Body: string(body)}
			if err := d.clock.Sleep(ctx, serverErrorPause); err != nil {
				return nil, err
			}
		default:
			all429 = false
			lastErr = &Error{Kind: KindUpstream4xx, Status: resp.StatusCode, Email: acct.Email, Body: string(body)}
		}

		d.logger.Warn("endpoint attempt failed",
			"email", acct.Email,
			"endpoint", endpoint,
			"status", resp.StatusCode)
	}

	if saw429 && all429 {
		d.manager.MarkRateLimited(acct.Email, req.Model, minReset)
		return nil, &Error{Kind: KindRateLimited, Email: acct.Email, Model: req.Model}
	}
	if lastErr == nil {
		lastErr = &Error{Kind: KindNetwork, Email: acct.Email, Err: errors.New("no endpoints configured")}
	}
	return nil, lastErr
}
