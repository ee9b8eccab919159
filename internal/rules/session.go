package rules

import (
	"fmt"
	"time"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// SessionBlock cancels orders arriving outside the allowed trading
// window. The window is wall-clock [start, end] in the configured zone
// and may wrap midnight.
type SessionBlock struct {
	cfg   config.SessionBlockConfig
	start config.Clock
	end   config.Clock
	loc   *time.Location
}

// NewSessionBlock builds the rule. Start/End and the zone were already
// validated at config load; a failure here means the config was mutated
// after validation.
func NewSessionBlock(cfg config.SessionBlockConfig, fallbackZone string) *SessionBlock {
	start, err := config.ParseClock(cfg.Start)
	if err != nil {
		panic(fmt.Sprintf("session block start: %v", err))
	}
	end, err := config.ParseClock(cfg.End)
	if err != nil {
		panic(fmt.Sprintf("session block end: %v", err))
	}
	zone := cfg.Zone
	if zone == "" {
		zone = fallbackZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		panic(fmt.Sprintf("session block zone: %v", err))
	}
	return &SessionBlock{cfg: cfg, start: start, end: end, loc: loc}
}

func (r *SessionBlock) ID() string   { return "R9" }
func (r *SessionBlock) Name() string { return "SessionBlockOutside" }

func (r *SessionBlock) Triggers() []types.EventType {
	return []types.EventType{types.EvOrder}
}

// InWindow reports whether t falls inside the allowed session window.
func (r *SessionBlock) InWindow(t time.Time) bool {
	local := t.In(r.loc)
	m := local.Hour()*60 + local.Minute()
	s, e := r.start.Minutes(), r.end.Minutes()
	if s <= e {
		return m >= s && m <= e
	}
	// Window wraps midnight.
	return m >= s || m <= e
}

func (r *SessionBlock) Check(ev types.Event, view *View) []types.Breach {
	if ev.Order == nil || ev.Order.Status.IsTerminal() {
		return nil
	}
	if r.InWindow(view.Now()) {
		return nil
	}

	return []types.Breach{{
		RuleID:    r.ID(),
		AccountID: ev.AccountID,
		Action:    types.ActionCancelOrder,
		Reason:    fmt.Sprintf("order outside session window %s-%s", r.cfg.Start, r.cfg.End),
		OrderID:   ev.Order.ID,
	}}
}

// SymbolBlocks cancels working orders on blocked symbols, optionally
// closes existing positions on them, and optionally locks the account.
type SymbolBlocks struct {
	cfg     config.SymbolBlocksConfig
	blocked map[string]bool
}

func NewSymbolBlocks(cfg config.SymbolBlocksConfig) *SymbolBlocks {
	blocked := make(map[string]bool, len(cfg.Blocked))
	for _, s := range cfg.Blocked {
		blocked[s] = true
	}
	return &SymbolBlocks{cfg: cfg, blocked: blocked}
}

func (r *SymbolBlocks) ID() string   { return "R11" }
func (r *SymbolBlocks) Name() string { return "SymbolBlocks" }

func (r *SymbolBlocks) Triggers() []types.EventType {
	return []types.EventType{types.EvOrder, types.EvPosition}
}

func (r *SymbolBlocks) symbolOf(contractID string, view *View) string {
	c := view.Contracts.Peek(contractID)
	if c == nil {
		return ""
	}
	return c.SymbolID
}

func (r *SymbolBlocks) Check(ev types.Event, view *View) []types.Breach {
	var breaches []types.Breach

	switch ev.Type {
	case types.EvOrder:
		if ev.Order == nil || ev.Order.Status.IsTerminal() {
			return nil
		}
		symbol := r.symbolOf(ev.Order.ContractID, view)
		if !r.blocked[symbol] {
			return nil
		}
		breaches = append(breaches, types.Breach{
			RuleID:    r.ID(),
			AccountID: ev.AccountID,
			Action:    types.ActionCancelOrder,
			Reason:    fmt.Sprintf("symbol %s is blocked", symbol),
			OrderID:   ev.Order.ID,
		})

	case types.EvPosition:
		if ev.Position == nil || ev.Position.Size == 0 || !r.cfg.ClosePositions {
			return nil
		}
		symbol := r.symbolOf(ev.Position.ContractID, view)
		if !r.blocked[symbol] {
			return nil
		}
		breaches = append(breaches, types.Breach{
			RuleID:     r.ID(),
			AccountID:  ev.AccountID,
			Action:     types.ActionClosePosition,
			Reason:     fmt.Sprintf("symbol %s is blocked", symbol),
			ContractID: ev.Position.ContractID,
			PositionID: ev.Position.ID,
		})
	}

	if len(breaches) > 0 && r.cfg.Lockout {
		breaches = append(breaches, types.Breach{
			RuleID:      r.ID(),
			AccountID:   ev.AccountID,
			Action:      types.ActionLockout,
			Reason:      breaches[0].Reason,
			LockoutFor:  hoursOrZero(r.cfg.LockoutHours),
			LockoutKind: types.LockoutHard,
		})
	}
	return breaches
}
