package dispatch

import (
	"fmt"
	"time"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

// Kind classifies dispatcher failures. The outer retry loop branches on the
// kind rather than on status codes or error strings.
type Kind int

const (
	// KindRateLimited: the account hit 429 on every endpoint and has been
	// marked in the ledger.
	KindRateLimited Kind = iota
	// KindAuthInvalid: the account's credentials were rejected.
	KindAuthInvalid
	// KindAuthNetwork: the token exchange failed at the transport level.
	KindAuthNetwork
	// KindUpstream4xx: a non-401, non-429 client error from the backend.
	KindUpstream4xx
	// KindUpstream5xx: a backend server error.
	KindUpstream5xx
	// KindNetwork: a transport failure talking to the backend.
	KindNetwork
	// KindResourceExhausted: every account is rate-limited and the soonest
	// reset exceeds the wait cap.
	KindResourceExhausted
	// KindNoAccounts: no usable account and no fallback model.
	KindNoAccounts
	// KindMaxRetries: the attempt budget ran out without a decisive outcome.
	KindMaxRetries
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindAuthNetwork:
		return "auth_network"
	case KindUpstream4xx:
		return "upstream_4xx"
	case KindUpstream5xx:
		return "upstream_5xx"
	case KindNetwork:
		return "network"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNoAccounts:
		return "no_accounts"
	case KindMaxRetries:
		return "max_retries"
	default:
		return "unknown"
	}
}

// Error is a classified dispatcher failure.
type Error struct {
	Kind    Kind
	Status  int
	Body    string
	Email   string
	Model   string
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindResourceExhausted:
		return fmt.Sprintf("all accounts rate limited for %s until %s", e.Model, e.ResetAt.Format(time.RFC3339))
	case KindNoAccounts:
		return fmt.Sprintf("no accounts available for %s", e.Model)
	case KindMaxRetries:
		return fmt.Sprintf("max retries exceeded for %s: %v", e.Model, e.Err)
	case KindUpstream4xx, KindUpstream5xx:
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.Email, e.Err)
		}
		return fmt.Sprintf("%s (%s)", e.Kind, e.Email)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ToAPIError maps the failure to the Anthropic-shaped error surfaced to the
// client.
func (e *Error) ToAPIError() *claude.APIError {
	switch e.Kind {
	case KindRateLimited:
		return claude.NewRateLimitError("upstream account rate limited")
	case KindResourceExhausted:
		return claude.NewRateLimitError(fmt.Sprintf(
			"all accounts rate limited for %s; retry after %s", e.Model, e.ResetAt.Format(time.RFC3339)))
	case KindNoAccounts:
		return claude.NewAPIErrorWithStatus("no upstream accounts available", 503)
	case KindAuthInvalid:
		return claude.NewAuthenticationError("upstream account authentication failed")
	case KindAuthNetwork, KindNetwork:
		return claude.NewOverloadedError("upstream unreachable")
	case KindUpstream4xx:
		msg := e.Body
		if msg == "" {
			msg = fmt.Sprintf("upstream returned %d", e.Status)
		}
		return claude.NewAPIErrorWithStatus(msg, e.Status)
	case KindUpstream5xx:
		return claude.NewAPIErrorWithStatus(fmt.Sprintf("upstream returned %d", e.Status), 502)
	case KindMaxRetries:
		return claude.NewOverloadedError("retries exhausted against upstream")
	default:
		return claude.NewAPIError(e.Error())
	}
}
