package account

import (
	"time"
)

// usableLocked reports whether an account may serve the model right now.
// Expired rate-limit records are cleared as a side effect.
func (m *Manager) usableLocked(a *Account, model string, nowMs int64) bool {
	if a.IsInvalid || !a.IsEnabled() {
		return false
	}
	rl, ok := a.ModelRateLimits[model]
	if !ok || !rl.IsRateLimited {
		return true
	}
	if rl.ResetTime <= nowMs {
		delete(a.ModelRateLimits, model)
		return true
	}
	return false
}

// IsUsable reports whether the account can serve the model.
func (m *Manager) IsUsable(email, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(email)
	return a != nil && m.usableLocked(a, model, m.nowMs())
}

// AllRateLimited reports whether every account is invalid, disabled, or
// actively rate-limited for the model. Vacuously true for an empty pool.
func (m *Manager) AllRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.nowMs()
	for _, a := range m.state.Accounts {
		if m.usableLocked(a, model, nowMs) {
			return false
		}
	}
	return true
}

// Available returns copies of the accounts currently usable for the model.
func (m *Manager) Available(model string) []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.nowMs()
	var out []*Account
	for _, a := range m.state.Accounts {
		if m.usableLocked(a, model, nowMs) {
			out = append(out, a.clone())
		}
	}
	return out
}

// ClearExpired drops every expired rate-limit record and returns how many
// were cleared.
func (m *Manager) ClearExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.nowMs()
	cleared := 0
	for _, a := range m.state.Accounts {
		for model, rl := range a.ModelRateLimits {
			if rl.IsRateLimited && rl.ResetTime <= nowMs {
				delete(a.ModelRateLimits, model)
				cleared++
			}
		}
	}
	if cleared > 0 {
		m.persistLocked()
	}
	return cleared
}

// ResetAll clears every rate-limit record regardless of expiry. Manual
// override only.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.state.Accounts {
		a.ModelRateLimits = nil
	}
	m.persistLocked()
}

// MarkRateLimited records a rate limit for (email, model) resetting after the
// given duration. A non-positive duration falls back to the settings cooldown
// or the configured default.
func (m *Manager) MarkRateLimited(email, model string, reset time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil {
		return
	}
	if reset <= 0 {
		reset = m.cooldownLocked()
	}
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*RateLimit)
	}
	resetAt := m.nowMs() + reset.Milliseconds()
	a.ModelRateLimits[model] = &RateLimit{IsRateLimited: true, ResetTime: resetAt}

	m.logger.Warn("account rate limited",
		"email", email,
		"model", model,
		"reset_in", reset)

	m.persistLocked()
}

func (m *Manager) cooldownLocked() time.Duration {
	if ms := m.state.Settings.RateLimitCooldownMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return m.defaultCooldown
}

// MarkInvalid flags the account as unusable until re-auth.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil {
		return
	}
	a.IsInvalid = true
	a.InvalidReason = reason
	a.InvalidAt = m.nowMs()

	m.logger.Warn("account marked invalid", "email", email, "reason", reason)

	m.persistLocked()
}

// MarkValid clears the invalid flag, typically after a successful token
// refresh.
func (m *Manager) MarkValid(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil || !a.IsInvalid {
		return
	}
	a.IsInvalid = false
	a.InvalidReason = ""
	a.InvalidAt = 0

	m.persistLocked()
}

// MinWait returns how long until the soonest rate-limit reset for the model,
// along with the email of that account for logging. Returns 0 when some
// account is already usable; the default cooldown when no positive wait
// exists (all accounts invalid or disabled).
func (m *Manager) MinWait(model string) (time.Duration, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.nowMs()
	for _, a := range m.state.Accounts {
		if m.usableLocked(a, model, nowMs) {
			return 0, a.Email
		}
	}

	var best time.Duration
	var bestEmail string
	for _, a := range m.state.Accounts {
		if a.IsInvalid || !a.IsEnabled() {
			continue
		}
		rl, ok := a.ModelRateLimits[model]
		if !ok || !rl.IsRateLimited {
			continue
		}
		wait := time.Duration(rl.ResetTime-nowMs) * time.Millisecond
		if wait <= 0 {
			continue
		}
		if bestEmail == "" || wait < best {
			best = wait
			bestEmail = a.Email
		}
	}
	if bestEmail == "" {
		return m.cooldownLocked(), ""
	}
	return best, bestEmail
}
