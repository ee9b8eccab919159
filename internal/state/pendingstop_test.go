package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskd/pkg/types"
)

func TestStopFor(t *testing.T) {
	t.Parallel()

	c := types.Contract{ID: "c1", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(0.5)}

	long := types.Position{Side: types.Long, AveragePrice: decimal.NewFromInt(21000)}
	price, side := StopFor(long, c, 10)
	if !price.Equal(decimal.NewFromFloat(20997.5)) {
		t.Errorf("long stop price = %s, want 20997.5", price)
	}
	if side != types.Sell {
		t.Errorf("long stop side = %v, want sell", side)
	}

	short := types.Position{Side: types.Short, AveragePrice: decimal.NewFromInt(21000)}
	price, side = StopFor(short, c, 10)
	if !price.Equal(decimal.NewFromFloat(21002.5)) {
		t.Errorf("short stop price = %s, want 21002.5", price)
	}
	if side != types.Buy {
		t.Errorf("short stop side = %v, want buy", side)
	}
}

func TestQualifiesAsStop(t *testing.T) {
	t.Parallel()

	long := types.Position{ContractID: "c1", Side: types.Long, AveragePrice: decimal.NewFromInt(21000)}
	short := types.Position{ContractID: "c1", Side: types.Short, AveragePrice: decimal.NewFromInt(21000)}

	base := types.Order{
		ContractID: "c1", Type: types.OrderStop, Side: types.Sell,
		StopPrice: decimal.NewFromInt(20900), Status: types.StatusOpen,
	}

	tests := []struct {
		name   string
		mutate func(o *types.Order)
		pos    types.Position
		want   bool
	}{
		{"sell stop below entry protects long", nil, long, true},
		{"wrong contract", func(o *types.Order) { o.ContractID = "c2" }, long, false},
		{"limit order never qualifies", func(o *types.Order) { o.Type = types.OrderLimit }, long, false},
		{"terminal order never qualifies", func(o *types.Order) { o.Status = types.StatusCancelled }, long, false},
		{"sell stop above entry does not protect long", func(o *types.Order) { o.StopPrice = decimal.NewFromInt(21100) }, long, false},
		{"buy stop below entry does not protect short", func(o *types.Order) { o.Side = types.Buy }, short, false},
		{"buy stop above entry protects short", func(o *types.Order) {
			o.Side = types.Buy
			o.StopPrice = decimal.NewFromInt(21100)
		}, short, true},
		{"stop-limit qualifies", func(o *types.Order) { o.Type = types.OrderStopLimit }, long, true},
		{"trailing stop qualifies", func(o *types.Order) { o.Type = types.OrderTrailingStop }, long, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			if tt.mutate != nil {
				tt.mutate(&o)
			}
			if got := QualifiesAsStop(o, tt.pos); got != tt.want {
				t.Errorf("QualifiesAsStop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingStopsLifecycle(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newFakeTrackerStore(), testLogger())
	ps := NewPendingStops(tr)

	p := types.Position{
		ID: "p1", AccountID: 1, ContractID: "c1", Side: types.Long, Size: 2,
		AveragePrice: decimal.NewFromInt(21000),
	}
	tr.UpdatePosition(p)
	if !ps.Contains("p1") {
		t.Fatal("new position should be pending a stop")
	}

	// A qualifying stop order satisfies the entry.
	tr.UpdateOrder(types.Order{
		ID: "o1", AccountID: 1, ContractID: "c1", Type: types.OrderStop,
		Side: types.Sell, Size: 2, StopPrice: decimal.NewFromInt(20950),
		Status: types.StatusOpen,
	})
	if ps.Contains("p1") {
		t.Error("qualifying stop should clear the pending entry")
	}
}

func TestPendingStopsCloseClears(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newFakeTrackerStore(), testLogger())
	ps := NewPendingStops(tr)

	p := types.Position{
		ID: "p1", AccountID: 1, ContractID: "c1", Side: types.Long, Size: 2,
		AveragePrice: decimal.NewFromInt(21000),
	}
	tr.UpdatePosition(p)
	p.Size = 0
	tr.UpdatePosition(p)

	if ps.Contains("p1") {
		t.Error("closed position should leave the pending set")
	}
}

func TestPendingStopsGraceClockSurvivesUpdates(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newFakeTrackerStore(), testLogger())
	ps := NewPendingStops(tr)

	base := time.Now()
	ps.now = func() time.Time { return base }

	p := types.Position{
		ID: "p1", AccountID: 1, ContractID: "c1", Side: types.Long, Size: 2,
		AveragePrice: decimal.NewFromInt(21000),
	}
	tr.UpdatePosition(p)

	ps.now = func() time.Time { return base.Add(time.Minute) }
	p.Size = 4
	tr.UpdatePosition(p)

	entries := ps.Entries(1)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].OpenedAt.Equal(base) {
		t.Errorf("OpenedAt = %s, want original %s", entries[0].OpenedAt, base)
	}
	if entries[0].Position.Size != 4 {
		t.Errorf("entry size = %d, want updated 4", entries[0].Position.Size)
	}
}

func TestPendingStopsSeedAfterRestart(t *testing.T) {
	t.Parallel()
	store := newFakeTrackerStore()

	opened := time.Now().Add(-45 * time.Second)
	unprotected := types.Position{
		ID: "p1", AccountID: 1, ContractID: "c1", Side: types.Long, Size: 2,
		AveragePrice: decimal.NewFromInt(21000), CreatedAt: opened,
	}
	protected := types.Position{
		ID: "p2", AccountID: 1, ContractID: "c2", Side: types.Short, Size: 1,
		AveragePrice: decimal.NewFromInt(5000), CreatedAt: opened,
	}
	store.positions["p1"] = unprotected
	store.positions["p2"] = protected
	store.orders["o1"] = types.Order{
		ID: "o1", AccountID: 1, ContractID: "c2", Type: types.OrderStop,
		Side: types.Buy, Size: 1, StopPrice: decimal.NewFromInt(5100),
		Status: types.StatusOpen,
	}

	// Fresh process: snapshot restore bypasses the change streams.
	tr := NewTracker(store, testLogger())
	ps := NewPendingStops(tr)
	if err := tr.LoadSnapshot(); err != nil {
		t.Fatal(err)
	}
	if ps.Contains("p1") {
		t.Fatal("snapshot restore alone should not populate the set")
	}

	ps.Seed()

	if !ps.Contains("p1") {
		t.Error("restored unprotected position should re-enter the pending set")
	}
	if ps.Contains("p2") {
		t.Error("position with a restored qualifying stop should stay out")
	}
	entries := ps.Entries(1)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %s, want the original open time %s", entries[0].OpenedAt, opened)
	}
}

func TestPendingStopsSatisfy(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newFakeTrackerStore(), testLogger())
	ps := NewPendingStops(tr)

	tr.UpdatePosition(types.Position{
		ID: "p1", AccountID: 1, ContractID: "c1", Side: types.Long, Size: 1,
		AveragePrice: decimal.NewFromInt(100),
	})
	ps.Satisfy("p1")
	if ps.Contains("p1") {
		t.Error("Satisfy should remove the entry")
	}

	entries := ps.Entries(1)
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
