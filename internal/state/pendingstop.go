package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskd/pkg/types"
)

// StopFor computes the protective stop price and order side for a
// position: offsetTicks below entry for longs (sell stop), above entry
// for shorts (buy stop).
func StopFor(p types.Position, c types.Contract, offsetTicks int64) (decimal.Decimal, types.OrderSide) {
	offset := c.TickSize.Mul(decimal.NewFromInt(offsetTicks))
	if p.Side == types.Long {
		return p.AveragePrice.Sub(offset), types.Sell
	}
	return p.AveragePrice.Add(offset), types.Buy
}

// QualifiesAsStop reports whether an order protects a position as a
// stop-loss: same contract, a stop-kind type, still working, and priced
// on the loss side of the entry (sell below entry for longs, buy above
// entry for shorts).
func QualifiesAsStop(o types.Order, p types.Position) bool {
	if o.ContractID != p.ContractID {
		return false
	}
	if !o.Type.IsStopKind() {
		return false
	}
	if o.Status.IsTerminal() {
		return false
	}
	switch p.Side {
	case types.Long:
		return o.Side == types.Sell && o.StopPrice.LessThan(p.AveragePrice)
	case types.Short:
		return o.Side == types.Buy && o.StopPrice.GreaterThan(p.AveragePrice)
	}
	return false
}

// PendingEntry is a position still waiting for a qualifying stop order,
// tagged with when it opened.
type PendingEntry struct {
	Position types.Position
	OpenedAt time.Time
}

// PendingStops tracks open positions that have not yet seen a qualifying
// stop-loss order. A position enters on open, leaves when a qualifying
// order is observed or the position closes. The grace rule and the
// auto-stop rule both read this set; the tracker's change signals feed it.
type PendingStops struct {
	tracker *Tracker

	mu      sync.Mutex
	pending map[string]PendingEntry // keyed by position id

	now func() time.Time
}

// NewPendingStops creates an empty set and wires it to the tracker's
// change streams.
func NewPendingStops(tracker *Tracker) *PendingStops {
	ps := &PendingStops{
		tracker: tracker,
		pending: make(map[string]PendingEntry),
		now:     time.Now,
	}
	tracker.OnPositionChange(ps.onPosition)
	tracker.OnOrderChange(ps.onOrder)
	return ps
}

// Seed fills the set from the tracker's current snapshot: every open
// position without a qualifying working order enters with its original
// open time as the grace anchor. Restored snapshots bypass the change
// streams, so this runs once after LoadSnapshot, before events flow.
func (ps *PendingStops) Seed() {
	positions := ps.tracker.AllPositions()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range positions {
		if _, ok := ps.pending[p.ID]; ok {
			continue
		}
		protected := false
		for _, o := range ps.tracker.Orders(p.AccountID) {
			if QualifiesAsStop(o, p) {
				protected = true
				break
			}
		}
		if protected {
			continue
		}
		opened := p.CreatedAt
		if opened.IsZero() {
			opened = ps.now()
		}
		ps.pending[p.ID] = PendingEntry{Position: p, OpenedAt: opened}
	}
}

func (ps *PendingStops) onPosition(ch PositionChange) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ch.Removed {
		delete(ps.pending, ch.Position.ID)
		return
	}
	if e, ok := ps.pending[ch.Position.ID]; ok {
		// Size/price update on a still-unprotected position keeps the
		// original open time; the grace clock does not restart.
		e.Position = ch.Position
		ps.pending[ch.Position.ID] = e
		return
	}
	ps.pending[ch.Position.ID] = PendingEntry{Position: ch.Position, OpenedAt: ps.now()}
}

func (ps *PendingStops) onOrder(ch OrderChange) {
	if ch.Removed {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for id, e := range ps.pending {
		if e.Position.AccountID == ch.Order.AccountID && QualifiesAsStop(ch.Order, e.Position) {
			delete(ps.pending, id)
		}
	}
}

// Satisfy removes a position from the set (used when the executor places
// the protective stop itself).
func (ps *PendingStops) Satisfy(positionID string) {
	ps.mu.Lock()
	delete(ps.pending, positionID)
	ps.mu.Unlock()
}

// Entries returns a copy of the pending set for one account.
func (ps *PendingStops) Entries(account types.AccountID) []PendingEntry {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var out []PendingEntry
	for _, e := range ps.pending {
		if e.Position.AccountID == account {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether a position is still waiting for a stop.
func (ps *PendingStops) Contains(positionID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.pending[positionID]
	return ok
}
