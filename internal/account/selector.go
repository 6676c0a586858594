package account

import (
	"time"
)

// PickSticky selects the account for the next attempt, preferring the sticky
// account at ActiveIndex.
//
// Returns (account, 0) when one is usable. Returns (nil, wait) when every
// account is unusable but the sticky account's limit resets within the wait
// cap; the caller should sleep that long and re-check. Returns (nil, 0) when
// neither applies.
func (m *Manager) PickSticky(model string) (*Account, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.nowMs()
	n := len(m.state.Accounts)
	if n == 0 {
		return nil, 0
	}

	sticky := m.state.Accounts[m.state.ActiveIndex]
	if m.usableLocked(sticky, model, nowMs) {
		sticky.LastUsed = nowMs
		m.persistLocked()
		return sticky.clone(), 0
	}

	if a := m.pickNextLocked(model, nowMs); a != nil {
		return a, 0
	}

	// No usable account anywhere. If the sticky account is merely
	// rate-limited and resets soon, advise waiting for it rather than
	// churning.
	if !sticky.IsInvalid && sticky.IsEnabled() {
		if rl, ok := sticky.ModelRateLimits[model]; ok && rl.IsRateLimited {
			wait := time.Duration(rl.ResetTime-nowMs) * time.Millisecond
			if wait > 0 && wait <= m.maxWait {
				return nil, wait
			}
		}
	}

	return nil, 0
}

// PickNext clears expired limits, then rotates to the next usable account
// after ActiveIndex. Returns nil when none is usable.
func (m *Manager) PickNext(model string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pickNextLocked(model, m.nowMs())
}

func (m *Manager) pickNextLocked(model string, nowMs int64) *Account {
	n := len(m.state.Accounts)
	for i := 1; i <= n; i++ {
		idx := (m.state.ActiveIndex + i) % n
		a := m.state.Accounts[idx]
		if m.usableLocked(a, model, nowMs) {
			m.state.ActiveIndex = idx
			a.LastUsed = nowMs
			m.persistLocked()
			return a.clone()
		}
	}
	return nil
}

// CurrentSticky returns the account at ActiveIndex if it is usable for the
// model, else nil.
func (m *Manager) CurrentSticky(model string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.state.Accounts) == 0 {
		return nil
	}
	a := m.state.Accounts[m.state.ActiveIndex]
	if !m.usableLocked(a, model, m.nowMs()) {
		return nil
	}
	a.LastUsed = m.nowMs()
	m.persistLocked()
	return a.clone()
}
