package state

import (
	"log/slog"
	"sync"
	"time"

	"riskd/pkg/types"
)

// WindowCounts are the trade counts for the three rolling windows the
// frequency rule can be configured with.
type WindowCounts struct {
	Minute  int
	Hour    int
	Session int
}

// SessionStore is the persistence surface for session start stamps and
// the session trade count that outlives the one-hour in-memory ring.
type SessionStore interface {
	SaveSessionStart(account types.AccountID, start time.Time) error
	LoadSessionStart(account types.AccountID) (time.Time, error)
	LoadTrades(account types.AccountID, since time.Time) ([]types.Trade, error)
}

type tradeRing struct {
	stamps       []time.Time
	sessionStart time.Time
	// sessionBase counts session trades that aged out of the one-hour
	// ring, so sessions longer than an hour are not under-counted.
	sessionBase int
}

// TradeCounter keeps per-account rolling trade timestamps, pruned to one
// hour of retention in memory. The session count spans the whole session
// regardless of the prune: pruned stamps that fell inside the session
// roll into a base counter instead of disappearing.
type TradeCounter struct {
	store  SessionStore
	logger *slog.Logger

	mu    sync.Mutex
	rings map[types.AccountID]*tradeRing

	now func() time.Time
}

// NewTradeCounter creates an empty counter.
func NewTradeCounter(store SessionStore, logger *slog.Logger) *TradeCounter {
	return &TradeCounter{
		store:  store,
		logger: logger.With("component", "trade_counter"),
		rings:  make(map[types.AccountID]*tradeRing),
		now:    time.Now,
	}
}

// Load restores the session start and replays stored trades from the
// current session into the ring. Called on startup per account.
func (tc *TradeCounter) Load(account types.AccountID) error {
	start, err := tc.store.LoadSessionStart(account)
	if err != nil {
		return err
	}
	if start.IsZero() {
		start = tc.now()
		if err := tc.store.SaveSessionStart(account, start); err != nil {
			return err
		}
	}

	trades, err := tc.store.LoadTrades(account, start)
	if err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	ring := &tradeRing{sessionStart: start}
	cutoff := tc.now().Add(-time.Hour)
	for _, t := range trades {
		if t.Ts.After(cutoff) {
			ring.stamps = append(ring.stamps, t.Ts)
		} else {
			ring.sessionBase++
		}
	}
	tc.rings[account] = ring
	return nil
}

func (tc *TradeCounter) ring(account types.AccountID) *tradeRing {
	r, ok := tc.rings[account]
	if !ok {
		r = &tradeRing{sessionStart: tc.now()}
		tc.rings[account] = r
	}
	return r
}

// Record appends a trade timestamp, prunes the ring to one hour, and
// returns the updated window counts.
func (tc *TradeCounter) Record(account types.AccountID, ts time.Time) WindowCounts {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	r := tc.ring(account)
	r.stamps = append(r.stamps, ts)
	tc.pruneLocked(r)
	return tc.countsLocked(r)
}

// Counts returns the current window counts without recording a trade.
func (tc *TradeCounter) Counts(account types.AccountID) WindowCounts {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	r := tc.ring(account)
	tc.pruneLocked(r)
	return tc.countsLocked(r)
}

// SessionStart returns the start of the account's current session.
func (tc *TradeCounter) SessionStart(account types.AccountID) time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.ring(account).sessionStart
}

// ResetSession clears the ring and stamps a new session start. Invoked
// by the reset scheduler.
func (tc *TradeCounter) ResetSession(account types.AccountID) {
	now := tc.now()

	tc.mu.Lock()
	r := tc.ring(account)
	r.stamps = r.stamps[:0]
	r.sessionBase = 0
	r.sessionStart = now
	tc.mu.Unlock()

	if err := tc.store.SaveSessionStart(account, now); err != nil {
		tc.logger.Error("persist session start", "account", account, "error", err)
	}
}

// pruneLocked drops stamps older than one hour. Stamps that were inside
// the current session move to the session base count.
func (tc *TradeCounter) pruneLocked(r *tradeRing) {
	cutoff := tc.now().Add(-time.Hour)
	keep := 0
	for i, ts := range r.stamps {
		if ts.After(cutoff) {
			keep = i
			r.stamps = r.stamps[keep:]
			return
		}
		if !ts.Before(r.sessionStart) {
			r.sessionBase++
		}
	}
	r.stamps = r.stamps[:0]
}

func (tc *TradeCounter) countsLocked(r *tradeRing) WindowCounts {
	now := tc.now()
	minuteCutoff := now.Add(-time.Minute)

	var c WindowCounts
	c.Hour = len(r.stamps)
	c.Session = r.sessionBase
	for _, ts := range r.stamps {
		if ts.After(minuteCutoff) {
			c.Minute++
		}
		if !ts.Before(r.sessionStart) {
			c.Session++
		}
	}
	return c
}
