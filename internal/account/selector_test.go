package account

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickStickyPrefersCurrentAccount(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk,
		&Account{Email: "a@example.com"},
		&Account{Email: "b@example.com"},
	)

	for i := 0; i < 5; i++ {
		acct, wait := m.PickSticky("m1")
		require.NotNil(t, acct)
		assert.Equal(t, "a@example.com", acct.Email)
		assert.Zero(t, wait)
	}

	assert.Equal(t, 0, m.Snapshot().ActiveIndex)
}

func TestPickStickyAdvancesWhenStickyUnusable(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk,
		&Account{Email: "a@example.com"},
		&Account{Email: "b@example.com"},
	)

	m.MarkRateLimited("a@example.com", "m1", time.Minute)

	acct, wait := m.PickSticky("m1")
	require.NotNil(t, acct)
	assert.Equal(t, "b@example.com", acct.Email)
	assert.Zero(t, wait)
	assert.Equal(t, 1, m.Snapshot().ActiveIndex)
}

func TestPickStickyAdvisesWaitWhenResetIsNear(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(ManagerOptions{
		State:              State{Accounts: []*Account{{Email: "a@example.com"}}},
		Clock:              clk,
		MaxWaitBeforeError: 2 * time.Minute,
	})

	m.MarkRateLimited("a@example.com", "m1", 30*time.Second)

	acct, wait := m.PickSticky("m1")
	assert.Nil(t, acct)
	assert.Equal(t, 30*time.Second, wait)
}

func TestPickStickyNoWaitBeyondCap(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(ManagerOptions{
		State:              State{Accounts: []*Account{{Email: "a@example.com"}}},
		Clock:              clk,
		MaxWaitBeforeError: 2 * time.Minute,
	})

	m.MarkRateLimited("a@example.com", "m1", 5*time.Minute)

	acct, wait := m.PickSticky("m1")
	assert.Nil(t, acct)
	assert.Zero(t, wait)
}

func TestPickNextRotatesPastUnusableAccounts(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk,
		&Account{Email: "a@example.com"},
		&Account{Email: "b@example.com", IsInvalid: true},
		&Account{Email: "c@example.com"},
	)

	acct := m.PickNext("m1")
	require.NotNil(t, acct)
	assert.Equal(t, "c@example.com", acct.Email)
	assert.Equal(t, 2, m.Snapshot().ActiveIndex)

	// Wraps back to the first account
	acct = m.PickNext("m1")
	require.NotNil(t, acct)
	assert.Equal(t, "a@example.com", acct.Email)
}

func TestPickNextReturnsNilWhenNoneUsable(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, &Account{Email: "a@example.com", IsInvalid: true})

	assert.Nil(t, m.PickNext("m1"))
}

func TestCurrentStickyNilWhenUnusable(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, &Account{Email: "a@example.com"})

	require.NotNil(t, m.CurrentSticky("m1"))

	m.MarkRateLimited("a@example.com", "m1", time.Minute)
	assert.Nil(t, m.CurrentSticky("m1"))

	clk.Advance(61 * time.Second)
	assert.NotNil(t, m.CurrentSticky("m1"))
}

func TestActiveIndexClampedOnLoad(t *testing.T) {
	m := NewManager(ManagerOptions{
		State: State{
			Accounts:    []*Account{{Email: "a@example.com"}},
			ActiveIndex: 7,
		},
		Clock: newFakeClock(),
	})

	assert.Equal(t, 0, m.Snapshot().ActiveIndex)
}

func TestSelectionTouchesLastUsed(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk, &Account{Email: "a@example.com"})

	_, _ = m.PickSticky("m1")
	state := m.Snapshot()
	assert.Equal(t, clk.Now().UnixMilli(), state.Accounts[0].LastUsed)
}

func TestSaveCallbackReceivesSnapshot(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	var saved *State
	done := make(chan struct{}, 8)

	m := NewManager(ManagerOptions{
		State: State{Accounts: []*Account{{Email: "a@example.com"}}},
		Clock: clk,
		Save: func(s *State) {
			mu.Lock()
			saved = s
			mu.Unlock()
			done <- struct{}{}
		},
	})

	m.MarkRateLimited("a@example.com", "m1", time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("save callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, saved)
	require.Len(t, saved.Accounts, 1)
	rl := saved.Accounts[0].ModelRateLimits["m1"]
	require.NotNil(t, rl)
	assert.True(t, rl.IsRateLimited)

	// The snapshot is detached from live state
	saved.Accounts[0].Email = "mutated@example.com"
	assert.True(t, m.IsUsable("a@example.com", "other-model"))
}

func TestConcurrentSelection(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk,
		&Account{Email: "a@example.com"},
		&Account{Email: "b@example.com"},
		&Account{Email: "c@example.com"},
	)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, _ := m.PickSticky("m1")
			if acct == nil {
				t.Error("expected an account")
			}
			m.PickNext("m1")
		}()
	}
	wg.Wait()

	idx := m.Snapshot().ActiveIndex
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 3)
}
