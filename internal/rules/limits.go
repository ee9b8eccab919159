package rules

import (
	"fmt"
	"time"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// MaxContracts caps the account-wide contract count. At the limit is
// fine; one over breaches. The count is net (signed collapse) or gross
// (absolute sum) per configuration.
type MaxContracts struct {
	cfg config.MaxContractsConfig
}

func NewMaxContracts(cfg config.MaxContractsConfig) *MaxContracts {
	return &MaxContracts{cfg: cfg}
}

func (r *MaxContracts) ID() string   { return "R1" }
func (r *MaxContracts) Name() string { return "MaxContracts" }

func (r *MaxContracts) Triggers() []types.EventType {
	return []types.EventType{types.EvPosition}
}

func (r *MaxContracts) Check(ev types.Event, view *View) []types.Breach {
	var count int64
	if r.cfg.CountType == "gross" {
		count = view.Tracker.GrossContracts(ev.AccountID)
	} else {
		count = view.Tracker.NetContracts(ev.AccountID)
	}
	if count <= r.cfg.Limit {
		return nil
	}

	reason := fmt.Sprintf("contract count %d over limit %d (%s)", count, r.cfg.Limit, r.cfg.CountType)
	var breaches []types.Breach

	if r.cfg.Action == "reduce_to_limit" && ev.Position != nil {
		// ContractID marks where the overage surfaced; the executor
		// reduces it first but works the whole account back to the limit.
		breaches = append(breaches, types.Breach{
			RuleID:     r.ID(),
			AccountID:  ev.AccountID,
			Action:     types.ActionReduceToLimit,
			Reason:     reason,
			ContractID: ev.Position.ContractID,
			TargetNet:  r.cfg.Limit,
			CountType:  r.cfg.CountType,
		})
	} else {
		breaches = append(breaches, types.Breach{
			RuleID:    r.ID(),
			AccountID: ev.AccountID,
			Action:    types.ActionCloseAll,
			Reason:    reason,
		})
	}

	if r.cfg.Lockout {
		breaches = append(breaches, types.Breach{
			RuleID:      r.ID(),
			AccountID:   ev.AccountID,
			Action:      types.ActionLockout,
			Reason:      reason,
			LockoutFor:  time.Duration(r.cfg.LockoutHours) * time.Hour,
			LockoutKind: types.LockoutHard,
		})
	}
	return breaches
}

// MaxPerInstrument caps contract counts per symbol. Symbols with no
// configured limit follow UnknownSymbolAction: "allow" skips them,
// "reject" treats any position as over the limit.
type MaxPerInstrument struct {
	cfg config.MaxPerInstrumentConfig
}

func NewMaxPerInstrument(cfg config.MaxPerInstrumentConfig) *MaxPerInstrument {
	return &MaxPerInstrument{cfg: cfg}
}

func (r *MaxPerInstrument) ID() string   { return "R2" }
func (r *MaxPerInstrument) Name() string { return "MaxContractsPerInstrument" }

func (r *MaxPerInstrument) Triggers() []types.EventType {
	return []types.EventType{types.EvPosition}
}

func (r *MaxPerInstrument) Check(ev types.Event, view *View) []types.Breach {
	if ev.Position == nil {
		return nil
	}
	p := ev.Position

	contract := view.Contracts.Peek(p.ContractID)
	if contract == nil {
		// Metadata fetch failed upstream; cannot resolve the symbol, so
		// skip rather than guess.
		return nil
	}
	symbol := contract.SymbolID

	limit, known := r.cfg.Limits[symbol]
	if !known {
		if r.cfg.UnknownSymbolAction == "allow" {
			return nil
		}
		limit = 0
	}

	// Per-symbol count spans every position whose contract maps to the
	// same symbol, not just the event's contract.
	var count int64
	for _, pos := range view.Tracker.Positions(ev.AccountID) {
		c := view.Contracts.Peek(pos.ContractID)
		if c != nil && c.SymbolID == symbol {
			count += pos.Size
		}
	}
	if count <= limit {
		return nil
	}

	return []types.Breach{{
		RuleID:     r.ID(),
		AccountID:  ev.AccountID,
		Action:     types.ActionReduceToLimit,
		Reason:     fmt.Sprintf("symbol %s count %d over limit %d", symbol, count, limit),
		ContractID: p.ContractID,
		TargetNet:  limit,
		SymbolID:   symbol,
		CountType:  "gross",
	}}
}
