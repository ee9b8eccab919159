package rules

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// DailyRealizedLoss flattens and locks the account once the session's
// realized P&L reaches the loss limit. The comparison is inclusive:
// realized exactly at -limit breaches.
type DailyRealizedLoss struct {
	cfg   config.DailyRealizedLossConfig
	limit decimal.Decimal
}

func NewDailyRealizedLoss(cfg config.DailyRealizedLossConfig) *DailyRealizedLoss {
	return &DailyRealizedLoss{cfg: cfg, limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *DailyRealizedLoss) ID() string   { return "R3" }
func (r *DailyRealizedLoss) Name() string { return "DailyRealizedLoss" }

func (r *DailyRealizedLoss) Triggers() []types.EventType {
	return []types.EventType{types.EvTrade}
}

func (r *DailyRealizedLoss) Check(ev types.Event, view *View) []types.Breach {
	realized := types.Cent(view.PnL.DailyRealized(ev.AccountID))
	if realized.GreaterThan(r.limit.Neg()) {
		return nil
	}

	reason := fmt.Sprintf("daily realized loss %s at limit %s", realized.String(), r.limit.Neg().String())
	return []types.Breach{
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionCloseAll, Reason: reason},
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionCancelAll, Reason: reason},
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionLockout, Reason: reason,
			LockoutKind: types.LockoutHard}, // zero duration: until next reset
	}
}

// DailyUnrealized closes positions whose mark-to-market loss passes the
// limit. Scope "per_position" compares each position independently and
// closes only offenders; "total" compares the aggregate and flattens the
// account. Stale quotes are not acted on.
//
// The comparison is strict: a loss exactly at -limit does not breach,
// one tick beyond does.
type DailyUnrealized struct {
	cfg   config.DailyUnrealizedConfig
	limit decimal.Decimal
}

func NewDailyUnrealized(cfg config.DailyUnrealizedConfig) *DailyUnrealized {
	return &DailyUnrealized{cfg: cfg, limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *DailyUnrealized) ID() string   { return "R4" }
func (r *DailyUnrealized) Name() string { return "DailyUnrealizedLoss" }

func (r *DailyUnrealized) Triggers() []types.EventType {
	return []types.EventType{types.EvQuote}
}

func (r *DailyUnrealized) Check(ev types.Event, view *View) []types.Breach {
	now := view.Now()
	negLimit := r.limit.Neg()

	if r.cfg.Scope == "per_position" {
		var breaches []types.Breach
		for _, p := range view.Tracker.Positions(ev.AccountID) {
			u, ok := view.PnL.UnrealizedForPosition(p, now)
			if !ok || u.Stale {
				continue
			}
			if types.Cent(u.Value).LessThan(negLimit) {
				breaches = append(breaches, types.Breach{
					RuleID:     r.ID(),
					AccountID:  ev.AccountID,
					Action:     types.ActionClosePosition,
					Reason:     fmt.Sprintf("position %s unrealized %s beyond limit %s", p.ID, u.Value.Round(2).String(), negLimit.String()),
					ContractID: p.ContractID,
					PositionID: p.ID,
				})
			}
		}
		breaches = r.withLockout(ev.AccountID, breaches)
		return breaches
	}

	total := view.PnL.UnrealizedTotal(ev.AccountID, now)
	if total.Stale {
		return nil
	}
	if !types.Cent(total.Value).LessThan(negLimit) {
		return nil
	}
	breaches := []types.Breach{{
		RuleID:    r.ID(),
		AccountID: ev.AccountID,
		Action:    types.ActionCloseAll,
		Reason:    fmt.Sprintf("total unrealized %s beyond limit %s", total.Value.Round(2).String(), negLimit.String()),
	}}
	return r.withLockout(ev.AccountID, breaches)
}

func (r *DailyUnrealized) withLockout(account types.AccountID, breaches []types.Breach) []types.Breach {
	if len(breaches) == 0 || !r.cfg.Lockout {
		return breaches
	}
	return append(breaches, types.Breach{
		RuleID:      r.ID(),
		AccountID:   account,
		Action:      types.ActionLockout,
		Reason:      breaches[0].Reason,
		LockoutFor:  hoursOrZero(r.cfg.LockoutHours),
		LockoutKind: types.LockoutHard,
	})
}

// UnrealizedProfit closes a position once it reaches the profit target
// (mode "target"), or at breakeven after it has been at least one tick
// value underwater (mode "breakeven").
type UnrealizedProfit struct {
	cfg    config.UnrealizedProfitConfig
	target decimal.Decimal

	mu         sync.Mutex
	underwater map[string]bool // position id -> has been below -tickValue
}

func NewUnrealizedProfit(cfg config.UnrealizedProfitConfig) *UnrealizedProfit {
	return &UnrealizedProfit{
		cfg:        cfg,
		target:     decimal.NewFromFloat(cfg.ProfitTarget),
		underwater: make(map[string]bool),
	}
}

func (r *UnrealizedProfit) ID() string   { return "R5" }
func (r *UnrealizedProfit) Name() string { return "MaxUnrealizedProfit" }

func (r *UnrealizedProfit) Triggers() []types.EventType {
	return []types.EventType{types.EvQuote, types.EvPosition}
}

func (r *UnrealizedProfit) Check(ev types.Event, view *View) []types.Breach {
	// Position removal clears breakeven memory.
	if ev.Type == types.EvPosition {
		if ev.Position != nil && ev.Position.Size == 0 {
			r.mu.Lock()
			delete(r.underwater, ev.Position.ID)
			r.mu.Unlock()
		}
		return nil
	}

	now := view.Now()
	var breaches []types.Breach
	for _, p := range view.Tracker.Positions(ev.AccountID) {
		u, ok := view.PnL.UnrealizedForPosition(p, now)
		if !ok || u.Stale {
			continue
		}
		value := types.Cent(u.Value)

		switch r.cfg.Mode {
		case "breakeven":
			contract := view.Contracts.Peek(p.ContractID)
			if contract == nil {
				continue
			}
			r.mu.Lock()
			if value.LessThan(contract.TickValue.Neg()) {
				r.underwater[p.ID] = true
			}
			wasUnder := r.underwater[p.ID]
			r.mu.Unlock()

			if wasUnder && value.GreaterThanOrEqual(decimal.Zero) {
				breaches = append(breaches, types.Breach{
					RuleID:     r.ID(),
					AccountID:  ev.AccountID,
					Action:     types.ActionClosePosition,
					Reason:     fmt.Sprintf("position %s back to breakeven after drawdown", p.ID),
					ContractID: p.ContractID,
					PositionID: p.ID,
				})
			}

		default: // target
			if value.GreaterThanOrEqual(r.target) {
				breaches = append(breaches, types.Breach{
					RuleID:     r.ID(),
					AccountID:  ev.AccountID,
					Action:     types.ActionClosePosition,
					Reason:     fmt.Sprintf("position %s unrealized %s at profit target %s", p.ID, value.String(), r.target.String()),
					ContractID: p.ContractID,
					PositionID: p.ID,
				})
			}
		}
	}
	return breaches
}
