// Package lockout keeps the single lockout slot per account. A lockout
// forbids further trading until its expiry (or forever, for permanent
// kinds). The slot is persisted on every change and reloaded at startup,
// filtering rows whose expiry has already passed.
package lockout

import (
	"log/slog"
	"sync"
	"time"

	"riskd/pkg/types"
)

// Store is the persistence surface for lockout rows.
type Store interface {
	SaveLockout(l types.Lockout) error
	DeleteLockout(account types.AccountID) error
	LoadLockouts(now time.Time) ([]types.Lockout, error)
}

// Manager owns the account -> lockout map. One global mutex suffices:
// the map is small (tens of accounts) and contention is low.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	lockouts map[types.AccountID]types.Lockout

	now func() time.Time
}

// NewManager creates an empty manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		logger:   logger.With("component", "lockout"),
		lockouts: make(map[types.AccountID]types.Lockout),
		now:      time.Now,
	}
}

// Load restores persisted lockouts, dropping any already expired.
func (m *Manager) Load() error {
	lockouts, err := m.store.LoadLockouts(m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lockouts {
		m.lockouts[l.AccountID] = l
	}
	m.logger.Info("lockouts loaded", "active", len(lockouts))
	return nil
}

// Apply sets a lockout expiring after d. Replaces any existing lockout
// for the account.
func (m *Manager) Apply(account types.AccountID, ruleID, reason string, d time.Duration, kind types.LockoutKind) types.Lockout {
	until := m.now().Add(d)
	return m.Set(account, ruleID, reason, &until, kind)
}

// SetPermanent sets a lockout that never auto-clears.
func (m *Manager) SetPermanent(account types.AccountID, ruleID, reason string) types.Lockout {
	return m.Set(account, ruleID, reason, nil, types.LockoutPermanent)
}

// Set installs a lockout with an explicit expiry instant (nil = forever)
// and persists it. At most one lockout exists per account; this replaces.
func (m *Manager) Set(account types.AccountID, ruleID, reason string, until *time.Time, kind types.LockoutKind) types.Lockout {
	l := types.Lockout{
		AccountID: account,
		Reason:    reason,
		RuleID:    ruleID,
		LockedAt:  m.now(),
		Until:     until,
		Kind:      kind,
	}

	m.mu.Lock()
	m.lockouts[account] = l
	m.mu.Unlock()

	if err := m.store.SaveLockout(l); err != nil {
		m.logger.Error("persist lockout", "account", account, "error", err)
	}
	m.logger.Warn("lockout applied",
		"account", account, "rule", ruleID, "kind", kind.String(), "reason", reason)
	return l
}

// Remove clears the lockout slot (admin action or cooldown expiry).
func (m *Manager) Remove(account types.AccountID) bool {
	m.mu.Lock()
	_, existed := m.lockouts[account]
	delete(m.lockouts, account)
	m.mu.Unlock()

	if !existed {
		return false
	}
	if err := m.store.DeleteLockout(account); err != nil {
		m.logger.Error("delete lockout", "account", account, "error", err)
	}
	m.logger.Info("lockout removed", "account", account)
	return true
}

// IsLockedOut reads the slot, lazily clearing it when the expiry has
// passed. Permanent lockouts never clear here.
func (m *Manager) IsLockedOut(account types.AccountID) bool {
	m.mu.Lock()
	l, ok := m.lockouts[account]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if l.Active(m.now()) {
		m.mu.Unlock()
		return true
	}
	delete(m.lockouts, account)
	m.mu.Unlock()

	if err := m.store.DeleteLockout(account); err != nil {
		m.logger.Error("delete expired lockout", "account", account, "error", err)
	}
	m.logger.Info("lockout expired", "account", account, "rule", l.RuleID)
	return false
}

// Get returns the active lockout for an account, nil when unlocked.
func (m *Manager) Get(account types.AccountID) *types.Lockout {
	if !m.IsLockedOut(account) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lockouts[account]; ok {
		return &l
	}
	return nil
}

// CleanupExpired sweeps the map and clears lapsed lockouts, covering
// accounts nobody has queried since expiry. Runs on the 1 Hz tick.
func (m *Manager) CleanupExpired() int {
	now := m.now()

	m.mu.Lock()
	var expired []types.AccountID
	for account, l := range m.lockouts {
		if !l.Active(now) {
			expired = append(expired, account)
			delete(m.lockouts, account)
		}
	}
	m.mu.Unlock()

	for _, account := range expired {
		if err := m.store.DeleteLockout(account); err != nil {
			m.logger.Error("delete expired lockout", "account", account, "error", err)
		}
		m.logger.Info("lockout expired", "account", account)
	}
	return len(expired)
}

// ClearExpiring removes lockouts whose expiry is at or before now; the
// reset scheduler calls this so session-bound lockouts end exactly at
// the reset. Permanent lockouts are untouched.
func (m *Manager) ClearExpiring(now time.Time) int {
	m.mu.Lock()
	var cleared []types.AccountID
	for account, l := range m.lockouts {
		if l.Until != nil && !l.Until.After(now) {
			cleared = append(cleared, account)
			delete(m.lockouts, account)
		}
	}
	m.mu.Unlock()

	for _, account := range cleared {
		if err := m.store.DeleteLockout(account); err != nil {
			m.logger.Error("delete session lockout", "account", account, "error", err)
		}
		m.logger.Info("session lockout cleared at reset", "account", account)
	}
	return len(cleared)
}
