package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// TradeFrequency applies a cooldown lockout when the trade count in the
// configured window exceeds the cap.
type TradeFrequency struct {
	cfg config.TradeFrequencyConfig
}

func NewTradeFrequency(cfg config.TradeFrequencyConfig) *TradeFrequency {
	return &TradeFrequency{cfg: cfg}
}

func (r *TradeFrequency) ID() string   { return "R6" }
func (r *TradeFrequency) Name() string { return "TradeFrequencyLimit" }

func (r *TradeFrequency) Triggers() []types.EventType {
	return []types.EventType{types.EvTrade}
}

func (r *TradeFrequency) Check(ev types.Event, view *View) []types.Breach {
	counts := view.Trades.Counts(ev.AccountID)

	var n int
	switch r.cfg.Window {
	case "hour":
		n = counts.Hour
	case "session":
		n = counts.Session
	default:
		n = counts.Minute
	}
	if n <= r.cfg.MaxTrades {
		return nil
	}

	return []types.Breach{{
		RuleID:      r.ID(),
		AccountID:   ev.AccountID,
		Action:      types.ActionLockout,
		Reason:      fmt.Sprintf("%d trades in %s window over limit %d", n, r.cfg.Window, r.cfg.MaxTrades),
		LockoutFor:  r.cfg.CooldownMinutes,
		LockoutKind: types.LockoutCooldown,
	}}
}

// CooldownAfterLoss starts a cooldown when a closing trade realizes a
// loss at or beyond a configured tier. When several tiers match, the
// most severe (most negative) one wins.
type CooldownAfterLoss struct {
	cfg config.CooldownAfterLossConfig
}

func NewCooldownAfterLoss(cfg config.CooldownAfterLossConfig) *CooldownAfterLoss {
	return &CooldownAfterLoss{cfg: cfg}
}

func (r *CooldownAfterLoss) ID() string   { return "R7" }
func (r *CooldownAfterLoss) Name() string { return "CooldownAfterLoss" }

func (r *CooldownAfterLoss) Triggers() []types.EventType {
	return []types.EventType{types.EvTrade}
}

func (r *CooldownAfterLoss) Check(ev types.Event, view *View) []types.Breach {
	if ev.Trade == nil || ev.Trade.PnL == nil || ev.Trade.Voided {
		return nil
	}
	pnl := types.Cent(*ev.Trade.PnL)
	if pnl.Sign() >= 0 {
		return nil
	}

	var matched *config.LossTier
	for i := range r.cfg.Tiers {
		tier := &r.cfg.Tiers[i]
		if pnl.LessThanOrEqual(decimal.NewFromFloat(tier.LossAmount)) {
			if matched == nil || tier.LossAmount < matched.LossAmount {
				matched = tier
			}
		}
	}
	if matched == nil {
		return nil
	}

	return []types.Breach{{
		RuleID:      r.ID(),
		AccountID:   ev.AccountID,
		Action:      types.ActionLockout,
		Reason:      fmt.Sprintf("trade loss %s hit tier %.2f", pnl.String(), matched.LossAmount),
		LockoutFor:  matched.Cooldown,
		LockoutKind: types.LockoutCooldown,
	}}
}
