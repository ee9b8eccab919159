package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskd/internal/state"
	"riskd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// In-memory stand-ins for the store surfaces the state plane persists
// through. Rule tests only care about in-memory behavior.

type memTrackerStore struct{}

func (memTrackerStore) SavePosition(types.Position) error       { return nil }
func (memTrackerStore) DeletePosition(string) error             { return nil }
func (memTrackerStore) LoadPositions() ([]types.Position, error) { return nil, nil }
func (memTrackerStore) SaveOrder(types.Order) error             { return nil }
func (memTrackerStore) DeleteOrder(string) error                { return nil }
func (memTrackerStore) LoadOrders() ([]types.Order, error)      { return nil, nil }

type memPnLStore struct{}

func (memPnLStore) SaveDailyPnL(types.AccountID, string, decimal.Decimal) error { return nil }
func (memPnLStore) LoadDailyPnL(types.AccountID, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type memSessionStore struct{}

func (memSessionStore) SaveSessionStart(types.AccountID, time.Time) error { return nil }
func (memSessionStore) LoadSessionStart(types.AccountID) (time.Time, error) {
	return time.Time{}, nil
}
func (memSessionStore) LoadTrades(types.AccountID, time.Time) ([]types.Trade, error) {
	return nil, nil
}

type memContractStore struct {
	contracts []types.Contract
	ats       []time.Time
}

func (s *memContractStore) SaveContract(c types.Contract, at time.Time) error {
	s.contracts = append(s.contracts, c)
	s.ats = append(s.ats, at)
	return nil
}

func (s *memContractStore) LoadContracts(limit int) ([]types.Contract, []time.Time, error) {
	return s.contracts, s.ats, nil
}

type noFetcher struct{}

func (noFetcher) GetContractByID(_ context.Context, id string) (*types.Contract, error) {
	return nil, fmt.Errorf("no fetcher in tests, contract %s must be preloaded", id)
}

// fixture holds the state plane behind a test view.
type fixture struct {
	view    *View
	tracker *state.Tracker
	quotes  *state.QuoteTracker
	pnl     *state.PnLTracker
	trades  *state.TradeCounter
	pending *state.PendingStops
	now     time.Time
}

// newFixture builds a view over a fresh state plane with the given
// contracts preloaded, clock pinned to now.
func newFixture(t *testing.T, contracts ...types.Contract) *fixture {
	t.Helper()

	logger := testLogger()
	tracker := state.NewTracker(memTrackerStore{}, logger)
	quotes := state.NewQuoteTracker()

	cs := &memContractStore{}
	for _, c := range contracts {
		if err := cs.SaveContract(c, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	cache := state.NewContractCache(noFetcher{}, cs, 100, time.Hour, time.Second, logger)
	if err := cache.Warm(); err != nil {
		t.Fatalf("warm: %v", err)
	}

	pnl := state.NewPnLTracker(memPnLStore{}, tracker, quotes, cache, 30*time.Second, logger)
	trades := state.NewTradeCounter(memSessionStore{}, logger)
	pending := state.NewPendingStops(tracker)

	f := &fixture{
		tracker: tracker,
		quotes:  quotes,
		pnl:     pnl,
		trades:  trades,
		pending: pending,
		now:     time.Now(),
	}
	f.view = &View{
		Tracker:   tracker,
		PnL:       pnl,
		Trades:    trades,
		Quotes:    quotes,
		Contracts: cache,
		Pending:   pending,
		Now:       func() time.Time { return f.now },
	}
	return f
}

func mnq() types.Contract {
	return types.Contract{
		ID:        "CON.F.US.MNQ.U25",
		SymbolID:  "MNQ",
		TickSize:  decimal.NewFromFloat(0.25),
		TickValue: decimal.NewFromFloat(0.5),
	}
}

func mes() types.Contract {
	return types.Contract{
		ID:        "CON.F.US.MES.U25",
		SymbolID:  "MES",
		TickSize:  decimal.NewFromFloat(0.25),
		TickValue: decimal.NewFromFloat(1.25),
	}
}

func (f *fixture) openPosition(id string, acct types.AccountID, contractID string, side types.PositionSide, size int64, entry float64) types.Position {
	p := types.Position{
		ID: id, AccountID: acct, ContractID: contractID, Side: side, Size: size,
		AveragePrice: decimal.NewFromFloat(entry), CreatedAt: f.now,
	}
	f.tracker.UpdatePosition(p)
	return p
}

func (f *fixture) quote(contractID string, last float64) {
	f.quotes.Update(types.Quote{
		ContractID: contractID,
		Last:       decimal.NewFromFloat(last),
		ExchangeTs: f.now,
		LocalRxTs:  f.now,
	})
}

func positionEvent(p types.Position) types.Event {
	return types.Event{Type: types.EvPosition, AccountID: p.AccountID, Position: &p}
}

func quoteEvent(acct types.AccountID, contractID string) types.Event {
	return types.Event{Type: types.EvQuote, AccountID: acct, Quote: &types.Quote{ContractID: contractID}}
}

func tradeEvent(acct types.AccountID, pnl *float64) types.Event {
	tr := types.Trade{ID: "t1", AccountID: acct, ContractID: mnq().ID, Ts: time.Now()}
	if pnl != nil {
		v := decimal.NewFromFloat(*pnl)
		tr.PnL = &v
	}
	return types.Event{Type: types.EvTrade, AccountID: acct, Trade: &tr}
}

func actionsOf(breaches []types.Breach) []types.ActionKind {
	out := make([]types.ActionKind, len(breaches))
	for i, b := range breaches {
		out[i] = b.Action
	}
	return out
}

func hasAction(breaches []types.Breach, a types.ActionKind) bool {
	for _, b := range breaches {
		if b.Action == a {
			return true
		}
	}
	return false
}

func TestTriggered(t *testing.T) {
	t.Parallel()
	r := NewAuthLossGuard()
	if !Triggered(r, types.EvAccount) {
		t.Error("EvAccount should trigger the auth loss guard")
	}
	if Triggered(r, types.EvQuote) {
		t.Error("EvQuote should not trigger the auth loss guard")
	}
}
