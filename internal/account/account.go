// Package account owns the account pool: the persisted account list, the
// per-account per-model rate-limit ledger, and the sticky round-robin
// selector. All mutation goes through a Manager, which serializes access and
// persists state through an injected save callback.
package account

import (
	"log/slog"
	"sync"
	"time"

	"github.com/xilu0/antigravity-claude-proxy/internal/clock"
)

// Account sources.
const (
	// SourceOAuth obtains tokens by exchanging a refresh token.
	SourceOAuth = "oauth"
	// SourceManual uses a statically configured API key.
	SourceManual = "manual"
	// SourceDatabase reads the token from a local Antigravity editor
	// database.
	SourceDatabase = "database"
)

// Account is one pooled backend account, keyed by email.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	Enabled      *bool  `json:"enabled,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DBPath       string `json:"dbPath,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	ModelRateLimits map[string]*RateLimit `json:"modelRateLimits,omitempty"`

	LastUsed      int64  `json:"lastUsed,omitempty"` // Unix milliseconds
	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"` // Unix milliseconds
}

// RateLimit is the per-model rate-limit record. The record is active while
// IsRateLimited is set and ResetTime lies in the future.
type RateLimit struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"` // Unix milliseconds
}

// IsEnabled reports whether the account may be selected. Accounts without an
// explicit flag default to enabled.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// clone copies the account for handing outside the manager lock. The
// rate-limit map stays behind the lock.
func (a *Account) clone() *Account {
	c := *a
	c.ModelRateLimits = nil
	return &c
}

// Settings is the persisted tunables blob stored alongside the accounts.
type Settings struct {
	RateLimitCooldownMs int64             `json:"rateLimitCooldownMs,omitempty"`
	FallbackModels      map[string]string `json:"fallbackModels,omitempty"`
}

// State is the persisted account-pool state.
type State struct {
	Accounts    []*Account `json:"accounts"`
	Settings    Settings   `json:"settings"`
	ActiveIndex int        `json:"activeIndex"`
}

// SaveFunc persists a state snapshot. Invoked outside the manager lock,
// best-effort.
type SaveFunc func(*State)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	State State
	// Save is invoked with a deep copy of the state after every mutating
	// operation. May be nil.
	Save SaveFunc
	// Clock defaults to the system clock.
	Clock clock.Clock
	// DefaultCooldown applies when a 429 carries no retry hint and settings
	// carry no override.
	DefaultCooldown time.Duration
	// MaxWaitBeforeError caps how long selection will advise waiting for a
	// rate-limit reset. Defaults to 2 minutes.
	MaxWaitBeforeError time.Duration
	Logger             *slog.Logger
}

// Manager serializes all access to the account pool.
type Manager struct {
	mu    sync.Mutex
	state State

	save            SaveFunc
	clock           clock.Clock
	defaultCooldown time.Duration
	maxWait         time.Duration
	logger          *slog.Logger
}

// NewManager creates a manager over the given state. An out-of-range
// ActiveIndex is clamped to 0.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 60 * time.Second
	}
	if opts.MaxWaitBeforeError <= 0 {
		opts.MaxWaitBeforeError = 2 * time.Minute
	}

	state := opts.State
	if state.ActiveIndex < 0 || state.ActiveIndex >= len(state.Accounts) {
		state.ActiveIndex = 0
	}

	return &Manager{
		state:           state,
		save:            opts.Save,
		clock:           opts.Clock,
		defaultCooldown: opts.DefaultCooldown,
		maxWait:         opts.MaxWaitBeforeError,
		logger:          opts.Logger,
	}
}

// Count returns the number of accounts in the pool.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Accounts)
}

// MaxWaitBeforeError returns the configured wait cap.
func (m *Manager) MaxWaitBeforeError() time.Duration {
	return m.maxWait
}

// FallbackModel returns the configured fallback for a model, if any.
func (m *Manager) FallbackModel(model string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fallback, ok := m.state.Settings.FallbackModels[model]
	return fallback, ok && fallback != ""
}

// Reload replaces the pool state, clamping ActiveIndex.
func (m *Manager) Reload(state State) {
	m.mu.Lock()
	if state.ActiveIndex < 0 || state.ActiveIndex >= len(state.Accounts) {
		state.ActiveIndex = 0
	}
	m.state = state
	m.mu.Unlock()
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *State {
	copied := State{
		Accounts:    make([]*Account, len(m.state.Accounts)),
		Settings:    m.state.Settings,
		ActiveIndex: m.state.ActiveIndex,
	}
	if m.state.Settings.FallbackModels != nil {
		copied.Settings.FallbackModels = make(map[string]string, len(m.state.Settings.FallbackModels))
		for k, v := range m.state.Settings.FallbackModels {
			copied.Settings.FallbackModels[k] = v
		}
	}
	for i, a := range m.state.Accounts {
		dup := *a
		if a.ModelRateLimits != nil {
			dup.ModelRateLimits = make(map[string]*RateLimit, len(a.ModelRateLimits))
			for model, rl := range a.ModelRateLimits {
				record := *rl
				dup.ModelRateLimits[model] = &record
			}
		}
		copied.Accounts[i] = &dup
	}
	return &copied
}

// persistLocked fires the save callback with a snapshot. The write itself
// happens off the lock.
func (m *Manager) persistLocked() {
	if m.save == nil {
		return
	}
	snapshot := m.snapshotLocked()
	go m.save(snapshot)
}

func (m *Manager) findLocked(email string) *Account {
	for _, a := range m.state.Accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func (m *Manager) nowMs() int64 {
	return m.clock.Now().UnixMilli()
}
