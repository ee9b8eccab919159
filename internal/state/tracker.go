package state

import (
	"fmt"
	"log/slog"
	"sync"

	"riskd/pkg/types"
)

// PositionChange is emitted to subscribers whenever a position is
// upserted or removed. Removed carries the last known position.
type PositionChange struct {
	Position types.Position
	Removed  bool
}

// OrderChange is emitted on order upsert or removal.
type OrderChange struct {
	Order   types.Order
	Removed bool
}

// TrackerStore is the persistence surface for position/order snapshots.
type TrackerStore interface {
	SavePosition(p types.Position) error
	DeletePosition(id string) error
	LoadPositions() ([]types.Position, error)
	SaveOrder(o types.Order) error
	DeleteOrder(id string) error
	LoadOrders() ([]types.Order, error)
}

type accountState struct {
	positions map[string]types.Position
	orders    map[string]types.Order
}

// Tracker reconciles per-account open positions and working orders from
// user-stream events. Updates are idempotent upserts keyed by id:
// a size-zero position event deletes, a terminal order status deletes,
// redelivering the same event leaves state unchanged.
type Tracker struct {
	store  TrackerStore
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[types.AccountID]*accountState

	posSubs []func(PositionChange)
	ordSubs []func(OrderChange)
}

// NewTracker creates an empty tracker over the given store.
func NewTracker(store TrackerStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		logger:   logger.With("component", "state_tracker"),
		accounts: make(map[types.AccountID]*accountState),
	}
}

func (t *Tracker) account(id types.AccountID) *accountState {
	st, ok := t.accounts[id]
	if !ok {
		st = &accountState{
			positions: make(map[string]types.Position),
			orders:    make(map[string]types.Order),
		}
		t.accounts[id] = st
	}
	return st
}

// OnPositionChange registers a subscriber (the pending-stop set uses this).
func (t *Tracker) OnPositionChange(fn func(PositionChange)) {
	t.mu.Lock()
	t.posSubs = append(t.posSubs, fn)
	t.mu.Unlock()
}

// OnOrderChange registers an order change subscriber.
func (t *Tracker) OnOrderChange(fn func(OrderChange)) {
	t.mu.Lock()
	t.ordSubs = append(t.ordSubs, fn)
	t.mu.Unlock()
}

// UpdatePosition applies a position event. Size zero removes the
// position; anything else upserts it. Persisted in the same step.
func (t *Tracker) UpdatePosition(p types.Position) {
	t.mu.Lock()
	st := t.account(p.AccountID)

	var change PositionChange
	if p.Size == 0 {
		prev, existed := st.positions[p.ID]
		delete(st.positions, p.ID)
		if !existed {
			t.mu.Unlock()
			return // redelivered close, nothing to do
		}
		change = PositionChange{Position: prev, Removed: true}
	} else {
		st.positions[p.ID] = p
		change = PositionChange{Position: p}
	}
	subs := t.posSubs
	t.mu.Unlock()

	if change.Removed {
		if err := t.store.DeletePosition(p.ID); err != nil {
			t.logger.Error("delete position snapshot", "position", p.ID, "error", err)
		}
	} else {
		if err := t.store.SavePosition(p); err != nil {
			t.logger.Error("save position snapshot", "position", p.ID, "error", err)
		}
	}

	for _, fn := range subs {
		fn(change)
	}
}

// UpdateOrder applies an order event. Terminal status removes the order;
// Pending/Open upserts it.
func (t *Tracker) UpdateOrder(o types.Order) {
	t.mu.Lock()
	st := t.account(o.AccountID)

	var change OrderChange
	if o.Status.IsTerminal() {
		prev, existed := st.orders[o.ID]
		delete(st.orders, o.ID)
		if !existed {
			t.mu.Unlock()
			// Still announce the terminal event: the pending-stop set may
			// be waiting on an order it never saw as working.
			change = OrderChange{Order: o, Removed: true}
			for _, fn := range t.ordSubs {
				fn(change)
			}
			return
		}
		prev.Status = o.Status
		change = OrderChange{Order: prev, Removed: true}
	} else {
		st.orders[o.ID] = o
		change = OrderChange{Order: o}
	}
	subs := t.ordSubs
	t.mu.Unlock()

	if change.Removed {
		if err := t.store.DeleteOrder(o.ID); err != nil {
			t.logger.Error("delete order snapshot", "order", o.ID, "error", err)
		}
	} else {
		if err := t.store.SaveOrder(o); err != nil {
			t.logger.Error("save order snapshot", "order", o.ID, "error", err)
		}
	}

	for _, fn := range subs {
		fn(change)
	}
}

// Positions returns a copy of the account's open positions.
func (t *Tracker) Positions(account types.AccountID) []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return nil
	}
	out := make([]types.Position, 0, len(st.positions))
	for _, p := range st.positions {
		out = append(out, p)
	}
	return out
}

// Position returns one position by id.
func (t *Tracker) Position(account types.AccountID, id string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return types.Position{}, false
	}
	p, ok := st.positions[id]
	return p, ok
}

// Orders returns a copy of the account's working orders.
func (t *Tracker) Orders(account types.AccountID) []types.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return nil
	}
	out := make([]types.Order, 0, len(st.orders))
	for _, o := range st.orders {
		out = append(out, o)
	}
	return out
}

// NetContracts returns the signed-collapsed contract count for an
// account: long sizes add, short sizes subtract, then absolute value.
func (t *Tracker) NetContracts(account types.AccountID) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return 0
	}
	var net int64
	for _, p := range st.positions {
		if p.Side == types.Long {
			net += p.Size
		} else {
			net -= p.Size
		}
	}
	if net < 0 {
		net = -net
	}
	return net
}

// GrossContracts returns the absolute sum of position sizes.
func (t *Tracker) GrossContracts(account types.AccountID) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return 0
	}
	var gross int64
	for _, p := range st.positions {
		gross += p.Size
	}
	return gross
}

// ContractCount returns the summed size of the account's positions in
// one contract.
func (t *Tracker) ContractCount(account types.AccountID, contractID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.accounts[account]
	if !ok {
		return 0
	}
	var n int64
	for _, p := range st.positions {
		if p.ContractID == contractID {
			n += p.Size
		}
	}
	return n
}

// AllPositions returns every open position across every account.
func (t *Tracker) AllPositions() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.Position
	for _, st := range t.accounts {
		for _, p := range st.positions {
			out = append(out, p)
		}
	}
	return out
}

// OpenContractIDs returns the union of contract ids referenced by any
// account's open positions. The dispatcher subscribes the market hub to
// this set.
func (t *Tracker) OpenContractIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := make(map[string]bool)
	for _, st := range t.accounts {
		for _, p := range st.positions {
			set[p.ContractID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// LoadSnapshot rebuilds in-memory state from the store. Called once on
// startup before any events flow; the store is authoritative here.
func (t *Tracker) LoadSnapshot() error {
	positions, err := t.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	orders, err := t.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		t.account(p.AccountID).positions[p.ID] = p
	}
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		t.account(o.AccountID).orders[o.ID] = o
	}
	t.logger.Info("state snapshot loaded", "positions", len(positions), "orders", len(orders))
	return nil
}
