// Package budget maintains the daily token ledger with per-tier attribution.
// The ledger covers a rolling window ending at the next UTC midnight; every
// mutation is serialized under a single mutex.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// ErrBudgetExceeded is returned when a charge would overrun the daily cap.
var ErrBudgetExceeded = errors.New("daily token budget exceeded")

// historyLimit bounds the in-memory charge history.
const historyLimit = 200

// Quote is a non-mutating affordability pre-check.
type Quote struct {
	Affordable bool
	Remaining  int
}

// Manager owns the process-wide BudgetState. All mutations go through it.
type Manager struct {
	mu    sync.Mutex
	state types.BudgetState
	now   func() time.Time
}

// NewManager creates a ledger with the given daily cap.
func NewManager(dailyLimit int) *Manager {
	m := &Manager{
		state: types.BudgetState{DailyLimit: dailyLimit},
		now:   time.Now,
	}
	m.state.NextResetAt = nextUTCMidnight(m.now())
	logging.Budget("budget ledger created: limit=%d, reset=%s", dailyLimit, m.state.NextResetAt.Format(time.RFC3339))
	return m
}

// SetClock overrides the wall clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Charge records amount tokens against tier. It resets the window first if the
// clock has passed NextResetAt, and fails with ErrBudgetExceeded when the
// charge would overrun the cap. Charge(0, tier) is a no-op.
func (m *Manager) Charge(amount int, tier types.Tier) error {
	if amount < 0 {
		return fmt.Errorf("invalid charge amount %d", amount)
	}
	if tier != types.TierDeep && tier != types.TierRote {
		return fmt.Errorf("invalid tier %q", tier)
	}
	if amount == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	if m.state.Used+amount > m.state.DailyLimit {
		logging.BudgetWarn("charge rejected: used=%d + %d > limit=%d", m.state.Used, amount, m.state.DailyLimit)
		return fmt.Errorf("charge %d (used %d/%d): %w", amount, m.state.Used, m.state.DailyLimit, ErrBudgetExceeded)
	}

	m.state.Used += amount
	switch tier {
	case types.TierDeep:
		m.state.UsedDeep += amount
	case types.TierRote:
		m.state.UsedRote += amount
	}
	m.state.History = append(m.state.History, types.BudgetEntry{
		Amount: amount,
		Tier:   tier,
		At:     m.now(),
	})
	if len(m.state.History) > historyLimit {
		m.state.History = m.state.History[len(m.state.History)-historyLimit:]
	}

	logging.BudgetDebug("charged %d (%s): used=%d/%d", amount, tier, m.state.Used, m.state.DailyLimit)
	return nil
}

// Quote reports whether amount would be affordable right now, applying the
// same reset rule as Charge without mutating the ledger totals.
func (m *Manager) Quote(amount int) Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	remaining := m.state.DailyLimit - m.state.Used
	if remaining < 0 {
		remaining = 0
	}
	return Quote{
		Affordable: amount >= 0 && m.state.Used+amount <= m.state.DailyLimit,
		Remaining:  remaining,
	}
}

// Snapshot returns a copy of the ledger state.
func (m *Manager) Snapshot() types.BudgetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	snap := m.state
	snap.History = append([]types.BudgetEntry(nil), m.state.History...)
	return snap
}

// Persist serializes the ledger to a blob.
func (m *Manager) Persist() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.state)
}

// Restore replaces the ledger from a persisted blob. The configured daily
// limit wins over the persisted one, and a stale window is reset immediately.
func (m *Manager) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var state types.BudgetState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("restore budget state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.state.DailyLimit
	m.state = state
	m.state.DailyLimit = limit
	if m.state.NextResetAt.IsZero() {
		m.state.NextResetAt = nextUTCMidnight(m.now())
	}
	m.maybeResetLocked()
	logging.Budget("budget ledger restored: used=%d/%d", m.state.Used, m.state.DailyLimit)
	return nil
}

// maybeResetLocked zeroes the window once the clock passes NextResetAt.
// Caller must hold mu.
func (m *Manager) maybeResetLocked() {
	now := m.now()
	if now.Before(m.state.NextResetAt) {
		return
	}
	logging.Budget("daily reset: dropping used=%d (deep=%d rote=%d)", m.state.Used, m.state.UsedDeep, m.state.UsedRote)
	m.state.Used = 0
	m.state.UsedDeep = 0
	m.state.UsedRote = 0
	m.state.History = nil
	m.state.NextResetAt = nextUTCMidnight(now)
}

// nextUTCMidnight returns the first UTC midnight strictly after t.
func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
