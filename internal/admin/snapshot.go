package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"riskd/internal/state"
	"riskd/pkg/types"
)

// AccountSnapshot is the thread-safe read view of one supervised
// account.
type AccountSnapshot struct {
	AccountID     types.AccountID    `json:"accountId"`
	Positions     []types.Position   `json:"positions"`
	Orders        []types.Order      `json:"orders"`
	DailyRealized string             `json:"dailyRealized"`
	Unrealized    string             `json:"unrealized"`
	UnrealizedOK  bool               `json:"unrealizedFresh"`
	TradeCounts   state.WindowCounts `json:"tradeCounts"`
	SessionStart  time.Time          `json:"sessionStart"`
	Lockout       *types.Lockout     `json:"lockout"`
	IsLockedOut   bool               `json:"isLockedOut"`
	ActiveTimers  []string           `json:"activeTimers"`
}

func (s *Server) snapshot(acct types.AccountID) AccountSnapshot {
	now := time.Now()
	unrealized := s.pnl.UnrealizedTotal(acct, now)
	lo := s.lockouts.Get(acct)

	return AccountSnapshot{
		AccountID:     acct,
		Positions:     s.tracker.Positions(acct),
		Orders:        s.tracker.Orders(acct),
		DailyRealized: s.pnl.DailyRealized(acct).StringFixed(2),
		Unrealized:    unrealized.Value.StringFixed(2),
		UnrealizedOK:  !unrealized.Stale,
		TradeCounts:   s.trades.Counts(acct),
		SessionStart:  s.trades.SessionStart(acct),
		Lockout:       lo,
		IsLockedOut:   lo != nil,
		ActiveTimers:  s.timers.Active(),
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", "error", err)
	}
}
