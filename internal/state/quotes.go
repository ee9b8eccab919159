// Package state holds the per-account in-memory state plane the rule
// catalog evaluates against: quotes, contract metadata, positions and
// working orders, realized and unrealized P&L, rolling trade counts,
// and the pending-stop set.
//
// Each partition is owned by a single logical writer (the account worker
// or the market reader); shared reads take short locks. Nothing in this
// package talks to the brokerage; trackers are fed events by the
// dispatcher and persist through the store.
package state

import (
	"sync"
	"time"

	"riskd/pkg/types"
)

// QuoteSubscriber is invoked synchronously on every update for a contract
// it registered for. Callbacks must not block: a slow subscriber stalls
// further quote updates for that contract.
type QuoteSubscriber func(q types.Quote)

type quoteSub struct {
	contracts map[string]bool
	fn        QuoteSubscriber
}

// QuoteTracker keeps the latest quote per contract with a freshness
// clock. One writer (the market reader) per contract, many readers.
type QuoteTracker struct {
	mu     sync.RWMutex
	quotes map[string]types.Quote
	subs   []quoteSub
}

// NewQuoteTracker creates an empty tracker.
func NewQuoteTracker() *QuoteTracker {
	return &QuoteTracker{quotes: make(map[string]types.Quote)}
}

// Update overwrites the quote slot for a contract and fans out to
// subscribers registered for it.
func (qt *QuoteTracker) Update(q types.Quote) {
	qt.mu.Lock()
	qt.quotes[q.ContractID] = q
	subs := qt.subs
	qt.mu.Unlock()

	for _, s := range subs {
		if s.contracts == nil || s.contracts[q.ContractID] {
			s.fn(q)
		}
	}
}

// Get returns the latest quote for a contract, false if none seen yet.
func (qt *QuoteTracker) Get(contractID string) (types.Quote, bool) {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	q, ok := qt.quotes[contractID]
	return q, ok
}

// Age returns how long ago the quote for a contract was received.
// Returns false if no quote has been seen.
func (qt *QuoteTracker) Age(contractID string, now time.Time) (time.Duration, bool) {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	q, ok := qt.quotes[contractID]
	if !ok {
		return 0, false
	}
	return now.Sub(q.LocalRxTs), true
}

// IsStale reports whether the contract's quote is older than maxAge.
// A contract with no quote at all is stale.
func (qt *QuoteTracker) IsStale(contractID string, maxAge time.Duration, now time.Time) bool {
	age, ok := qt.Age(contractID, now)
	if !ok {
		return true
	}
	return age > maxAge
}

// Subscribe registers a callback for updates to the given contracts.
// A nil or empty contract list subscribes to every contract.
func (qt *QuoteTracker) Subscribe(contractIDs []string, fn QuoteSubscriber) {
	var set map[string]bool
	if len(contractIDs) > 0 {
		set = make(map[string]bool, len(contractIDs))
		for _, id := range contractIDs {
			set[id] = true
		}
	}
	qt.mu.Lock()
	qt.subs = append(qt.subs, quoteSub{contracts: set, fn: fn})
	qt.mu.Unlock()
}

// Contracts returns the set of contract ids with at least one quote.
func (qt *QuoteTracker) Contracts() []string {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	out := make([]string, 0, len(qt.quotes))
	for id := range qt.quotes {
		out = append(out, id)
	}
	return out
}
