// Package rules implements the fixed risk-rule catalog. Each rule is a
// non-blocking check over injected state views: it receives one event,
// reads tracked state, and emits zero or more breach descriptors for the
// enforcement executor. Rules never mutate state and never call the
// gateway themselves.
package rules

import (
	"time"

	"riskd/internal/config"
	"riskd/internal/state"
	"riskd/pkg/types"
)

// View bundles the read-only state surfaces a rule may consult.
type View struct {
	Tracker   *state.Tracker
	PnL       *state.PnLTracker
	Trades    *state.TradeCounter
	Quotes    *state.QuoteTracker
	Contracts *state.ContractCache
	Pending   *state.PendingStops

	Now func() time.Time
}

// Rule is one entry in the catalog.
type Rule interface {
	ID() string
	Name() string
	// Triggers is the set of event types the rule wants to see.
	Triggers() []types.EventType
	// Check evaluates the rule against one event. It must not block.
	Check(ev types.Event, view *View) []types.Breach
}

// Catalog builds the enabled rules in fixed evaluation order. Disabled
// rules are omitted entirely.
func Catalog(cfg *config.Config) []Rule {
	r := &cfg.Rules
	var catalog []Rule

	if r.MaxContracts.Enabled {
		catalog = append(catalog, NewMaxContracts(r.MaxContracts))
	}
	if r.MaxPerInstrument.Enabled {
		catalog = append(catalog, NewMaxPerInstrument(r.MaxPerInstrument))
	}
	if r.DailyRealizedLoss.Enabled {
		catalog = append(catalog, NewDailyRealizedLoss(r.DailyRealizedLoss))
	}
	if r.DailyUnrealized.Enabled {
		catalog = append(catalog, NewDailyUnrealized(r.DailyUnrealized))
	}
	if r.UnrealizedProfit.Enabled {
		catalog = append(catalog, NewUnrealizedProfit(r.UnrealizedProfit))
	}
	if r.TradeFrequency.Enabled {
		catalog = append(catalog, NewTradeFrequency(r.TradeFrequency))
	}
	if r.CooldownAfterLoss.Enabled {
		catalog = append(catalog, NewCooldownAfterLoss(r.CooldownAfterLoss))
	}
	if r.NoStopLossGrace.Enabled {
		catalog = append(catalog, NewNoStopLossGrace(r.NoStopLossGrace))
	}
	if r.SessionBlock.Enabled {
		catalog = append(catalog, NewSessionBlock(r.SessionBlock, cfg.Reset.Zone))
	}
	if r.AuthLossGuard.Enabled {
		catalog = append(catalog, NewAuthLossGuard())
	}
	if r.SymbolBlocks.Enabled {
		catalog = append(catalog, NewSymbolBlocks(r.SymbolBlocks))
	}
	if r.TradeManagement.Enabled && r.TradeManagement.AutoStopLoss {
		catalog = append(catalog, NewTradeManagement(r.TradeManagement))
	}

	return catalog
}

// Triggered reports whether t is in a rule's trigger set. The dispatcher
// uses it to route events.
func Triggered(r Rule, t types.EventType) bool {
	for _, e := range r.Triggers() {
		if e == t {
			return true
		}
	}
	return false
}

// hoursOrZero converts configured lockout hours to a duration. Zero
// means "until the next daily reset" downstream.
func hoursOrZero(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
