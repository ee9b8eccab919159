package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskd/pkg/types"
)

// PnLStore is the persistence surface for daily realized totals.
type PnLStore interface {
	SaveDailyPnL(account types.AccountID, date string, realized decimal.Decimal) error
	LoadDailyPnL(account types.AccountID, date string) (decimal.Decimal, error)
}

// Unrealized is one unrealized P&L figure plus a staleness flag. When
// Stale is set, the value was computed from a quote older than the
// configured threshold (or metadata was missing) and callers decide
// whether to act on it.
type Unrealized struct {
	Value decimal.Decimal
	Stale bool
}

// PnLTracker keeps the authoritative daily realized P&L per account and
// computes unrealized P&L on demand from the state tracker, quote
// tracker and contract cache.
//
// The realized side is the running sum of non-void, non-nil trade pnl
// for the current session date. The session date rolls at the daily
// reset, not at midnight.
type PnLTracker struct {
	store      PnLStore
	tracker    *Tracker
	quotes     *QuoteTracker
	contracts  *ContractCache
	staleAfter time.Duration
	logger     *slog.Logger

	mu          sync.RWMutex
	realized    map[types.AccountID]decimal.Decimal
	sessionDate map[types.AccountID]string
}

// NewPnLTracker wires the P&L tracker over its read dependencies.
func NewPnLTracker(store PnLStore, tracker *Tracker, quotes *QuoteTracker, contracts *ContractCache, staleAfter time.Duration, logger *slog.Logger) *PnLTracker {
	return &PnLTracker{
		store:       store,
		tracker:     tracker,
		quotes:      quotes,
		contracts:   contracts,
		staleAfter:  staleAfter,
		logger:      logger.With("component", "pnl"),
		realized:    make(map[types.AccountID]decimal.Decimal),
		sessionDate: make(map[types.AccountID]string),
	}
}

// Load restores the realized total for an account and session date from
// the store. Called on startup for each supervised account.
func (pt *PnLTracker) Load(account types.AccountID, date string) error {
	realized, err := pt.store.LoadDailyPnL(account, date)
	if err != nil {
		return fmt.Errorf("load pnl for %d: %w", account, err)
	}
	pt.mu.Lock()
	pt.realized[account] = realized
	pt.sessionDate[account] = date
	pt.mu.Unlock()
	return nil
}

// AddTradePnL folds one trade's realized pnl into the daily total.
// Half-turn trades (nil pnl) and voided trades do not move the total.
func (pt *PnLTracker) AddTradePnL(t types.Trade) {
	if t.PnL == nil || t.Voided {
		return
	}
	pt.mu.Lock()
	total := pt.realized[t.AccountID].Add(*t.PnL)
	pt.realized[t.AccountID] = total
	date := pt.sessionDate[t.AccountID]
	pt.mu.Unlock()

	if err := pt.store.SaveDailyPnL(t.AccountID, date, total); err != nil {
		pt.logger.Error("persist daily pnl", "account", t.AccountID, "error", err)
	}
}

// DailyRealized returns the running realized total for the current
// session date.
func (pt *PnLTracker) DailyRealized(account types.AccountID) decimal.Decimal {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.realized[account]
}

// ResetDaily zeroes the realized total and moves the account to a new
// session date. Invoked by the reset scheduler.
func (pt *PnLTracker) ResetDaily(account types.AccountID, newDate string) {
	pt.mu.Lock()
	pt.realized[account] = decimal.Zero
	pt.sessionDate[account] = newDate
	pt.mu.Unlock()

	if err := pt.store.SaveDailyPnL(account, newDate, decimal.Zero); err != nil {
		pt.logger.Error("persist pnl reset", "account", account, "error", err)
	}
}

// UnrealizedForPosition computes mark-to-market P&L for one position:
//
//	delta = last - entry (long) or entry - last (short)
//	pnl   = delta / tickSize * tickValue * size
//
// The second return is false when no quote or contract metadata is
// available at all, in which case the value is zero and must be skipped.
func (pt *PnLTracker) UnrealizedForPosition(p types.Position, now time.Time) (Unrealized, bool) {
	q, ok := pt.quotes.Get(p.ContractID)
	if !ok {
		return Unrealized{}, false
	}
	c := pt.contracts.Peek(p.ContractID)
	if c == nil || c.TickSize.Sign() <= 0 {
		return Unrealized{}, false
	}

	var delta decimal.Decimal
	if p.Side == types.Long {
		delta = q.Last.Sub(p.AveragePrice)
	} else {
		delta = p.AveragePrice.Sub(q.Last)
	}
	pnl := delta.Div(c.TickSize).Mul(c.TickValue).Mul(decimal.NewFromInt(p.Size))

	return Unrealized{
		Value: pnl,
		Stale: now.Sub(q.LocalRxTs) > pt.staleAfter,
	}, true
}

// UnrealizedTotal aggregates unrealized P&L across an account's open
// positions. Positions with no usable quote/metadata are skipped; the
// result is stale if any contributing quote was stale.
func (pt *PnLTracker) UnrealizedTotal(account types.AccountID, now time.Time) Unrealized {
	total := Unrealized{Value: decimal.Zero}
	for _, p := range pt.tracker.Positions(account) {
		u, ok := pt.UnrealizedForPosition(p, now)
		if !ok {
			continue
		}
		total.Value = total.Value.Add(u.Value)
		total.Stale = total.Stale || u.Stale
	}
	return total
}
