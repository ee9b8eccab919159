package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskd/internal/config"
	"riskd/pkg/types"
)

func timerEvent(acct types.AccountID, at time.Time) types.Event {
	return types.Event{Type: types.EvTimer, AccountID: acct, RxAt: at}
}

func TestNoStopLossGraceBoundary(t *testing.T) {
	t.Parallel()
	r := NewNoStopLossGrace(config.NoStopLossGraceConfig{Enabled: true, GracePeriod: 30 * time.Second})

	f := newFixture(t, mnq())
	f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)

	// Elapsed exactly at the grace period: still fine.
	f.now = f.now.Add(30 * time.Second)
	if got := r.Check(timerEvent(1, f.now), f.view); got != nil {
		t.Errorf("at grace boundary breached: %v", actionsOf(got))
	}

	// Strictly beyond: close.
	f.now = f.now.Add(time.Second)
	got := r.Check(timerEvent(1, f.now), f.view)
	if len(got) != 1 || got[0].Action != types.ActionClosePosition || got[0].PositionID != "p1" {
		t.Errorf("past grace = %v, want close p1", got)
	}
	if got[0].RuleID != "R8" {
		t.Errorf("RuleID = %q, want R8", got[0].RuleID)
	}
}

func TestNoStopLossGraceSatisfiedByStop(t *testing.T) {
	t.Parallel()
	r := NewNoStopLossGrace(config.NoStopLossGraceConfig{Enabled: true, GracePeriod: 30 * time.Second})

	f := newFixture(t, mnq())
	f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)
	f.tracker.UpdateOrder(types.Order{
		ID: "o1", AccountID: 1, ContractID: mnq().ID, Type: types.OrderStop,
		Side: types.Sell, Size: 1, StopPrice: decimal.NewFromInt(20990),
		Status: types.StatusOpen,
	})

	f.now = f.now.Add(time.Hour)
	if got := r.Check(timerEvent(1, f.now), f.view); got != nil {
		t.Errorf("protected position closed: %v", actionsOf(got))
	}
}

func TestNoStopLossGraceMultiplePending(t *testing.T) {
	t.Parallel()
	r := NewNoStopLossGrace(config.NoStopLossGraceConfig{Enabled: true, GracePeriod: 30 * time.Second})

	f := newFixture(t, mnq(), mes())
	f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)
	f.openPosition("p2", 1, mes().ID, types.Short, 2, 5600)

	f.now = f.now.Add(time.Minute)
	got := r.Check(timerEvent(1, f.now), f.view)
	if len(got) != 2 {
		t.Errorf("breaches = %v, want both unprotected positions closed", actionsOf(got))
	}
}

func TestTradeManagementPlacesStop(t *testing.T) {
	t.Parallel()
	r := NewTradeManagement(config.TradeManagementConfig{
		Enabled: true, AutoStopLoss: true, StopLossTicks: 10,
	})

	f := newFixture(t, mnq())
	p := f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)

	got := r.Check(positionEvent(p), f.view)
	if len(got) != 1 || got[0].Action != types.ActionPlaceStop {
		t.Fatalf("breaches = %v, want place_stop", actionsOf(got))
	}
	if got[0].StopOffsetTicks != 10 || got[0].PositionID != "p1" {
		t.Errorf("breach = %+v, want 10 ticks on p1", got[0])
	}
	if got[0].RuleID != "R12" {
		t.Errorf("RuleID = %q, want R12", got[0].RuleID)
	}
}

func TestTradeManagementSkipsProtected(t *testing.T) {
	t.Parallel()
	r := NewTradeManagement(config.TradeManagementConfig{
		Enabled: true, AutoStopLoss: true, StopLossTicks: 10,
	})

	f := newFixture(t, mnq())
	p := f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)
	f.tracker.UpdateOrder(types.Order{
		ID: "o1", AccountID: 1, ContractID: mnq().ID, Type: types.OrderStop,
		Side: types.Sell, Size: 1, StopPrice: decimal.NewFromInt(20990),
		Status: types.StatusOpen,
	})

	if got := r.Check(positionEvent(p), f.view); got != nil {
		t.Errorf("protected position got another stop: %v", actionsOf(got))
	}
}

func TestTradeManagementSkipsClose(t *testing.T) {
	t.Parallel()
	r := NewTradeManagement(config.TradeManagementConfig{
		Enabled: true, AutoStopLoss: true, StopLossTicks: 10,
	})

	f := newFixture(t, mnq())
	p := f.openPosition("p1", 1, mnq().ID, types.Long, 1, 21000)
	p.Size = 0
	f.tracker.UpdatePosition(p)

	if got := r.Check(positionEvent(p), f.view); got != nil {
		t.Errorf("close event produced a stop: %v", actionsOf(got))
	}
}
