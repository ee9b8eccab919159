package rules

import (
	"fmt"
	"time"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// NoStopLossGrace closes any position that has been open longer than the
// grace period without a qualifying stop order. Elapsed exactly at the
// grace period is still fine; strictly beyond breaches.
type NoStopLossGrace struct {
	cfg config.NoStopLossGraceConfig
}

func NewNoStopLossGrace(cfg config.NoStopLossGraceConfig) *NoStopLossGrace {
	return &NoStopLossGrace{cfg: cfg}
}

func (r *NoStopLossGrace) ID() string   { return "R8" }
func (r *NoStopLossGrace) Name() string { return "NoStopLossGrace" }

func (r *NoStopLossGrace) Triggers() []types.EventType {
	return []types.EventType{types.EvPosition, types.EvOrder, types.EvTimer}
}

func (r *NoStopLossGrace) Check(ev types.Event, view *View) []types.Breach {
	now := view.Now()

	var breaches []types.Breach
	for _, e := range view.Pending.Entries(ev.AccountID) {
		if now.Sub(e.OpenedAt) <= r.cfg.GracePeriod {
			continue
		}
		breaches = append(breaches, types.Breach{
			RuleID:     r.ID(),
			AccountID:  ev.AccountID,
			Action:     types.ActionClosePosition,
			Reason:     fmt.Sprintf("position %s open %s without stop-loss", e.Position.ID, now.Sub(e.OpenedAt).Round(time.Second)),
			ContractID: e.Position.ContractID,
			PositionID: e.Position.ID,
		})
	}
	return breaches
}

// TradeManagement places a protective stop on every position that opens
// without one.
type TradeManagement struct {
	cfg config.TradeManagementConfig
}

func NewTradeManagement(cfg config.TradeManagementConfig) *TradeManagement {
	return &TradeManagement{cfg: cfg}
}

func (r *TradeManagement) ID() string   { return "R12" }
func (r *TradeManagement) Name() string { return "TradeManagement" }

func (r *TradeManagement) Triggers() []types.EventType {
	return []types.EventType{types.EvPosition}
}

func (r *TradeManagement) Check(ev types.Event, view *View) []types.Breach {
	if ev.Position == nil || ev.Position.Size == 0 {
		return nil
	}
	p := ev.Position
	if !view.Pending.Contains(p.ID) {
		return nil
	}

	return []types.Breach{{
		RuleID:          r.ID(),
		AccountID:       ev.AccountID,
		Action:          types.ActionPlaceStop,
		Reason:          fmt.Sprintf("auto stop-loss for position %s", p.ID),
		ContractID:      p.ContractID,
		PositionID:      p.ID,
		StopOffsetTicks: r.cfg.StopLossTicks,
	}}
}
