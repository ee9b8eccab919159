// Package admin serves read-only snapshots of daemon state over HTTP so
// dashboards and operator tooling can render without touching core
// state. There are no mutation endpoints.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riskd/internal/broker"
	"riskd/internal/lockout"
	"riskd/internal/sched"
	"riskd/internal/state"
	"riskd/pkg/types"
)

// EnforcementStore reads recent enforcement records.
type EnforcementStore interface {
	RecentEnforcements(limit int) ([]types.EnforcementRecord, error)
}

// Server is the read-only admin HTTP server.
type Server struct {
	accounts []types.AccountID

	tracker  *state.Tracker
	pnl      *state.PnLTracker
	trades   *state.TradeCounter
	lockouts *lockout.Manager
	timers   *sched.TimerWheel
	store    EnforcementStore

	userHub   *broker.Hub
	marketHub *broker.Hub

	server *http.Server
	logger *slog.Logger
}

// Deps carries the read surfaces the server snapshots from.
type Deps struct {
	Accounts  []types.AccountID
	Tracker   *state.Tracker
	PnL       *state.PnLTracker
	Trades    *state.TradeCounter
	Lockouts  *lockout.Manager
	Timers    *sched.TimerWheel
	Store     EnforcementStore
	UserHub   *broker.Hub
	MarketHub *broker.Hub
}

// NewServer builds the admin server on the given port.
func NewServer(port int, d Deps, logger *slog.Logger) *Server {
	s := &Server{
		accounts:  d.Accounts,
		tracker:   d.Tracker,
		pnl:       d.PnL,
		trades:    d.Trades,
		lockouts:  d.Lockouts,
		timers:    d.Timers,
		store:     d.Store,
		userHub:   d.UserHub,
		marketHub: d.MarketHub,
		logger:    logger.With("component", "admin"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/accounts/", s.handleAccount)
	mux.HandleFunc("/api/enforcement", s.handleEnforcement)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]string{
		"status":     "ok",
		"user_hub":   s.userHub.State().String(),
		"market_hub": s.marketHub.State().String(),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	out := make([]AccountSnapshot, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, s.snapshot(acct))
	}
	writeJSON(w, s.logger, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	acct := types.AccountID(id)
	for _, a := range s.accounts {
		if a == acct {
			writeJSON(w, s.logger, s.snapshot(acct))
			return
		}
	}
	http.Error(w, "account not supervised", http.StatusNotFound)
}

func (s *Server) handleEnforcement(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	records, err := s.store.RecentEnforcements(limit)
	if err != nil {
		s.logger.Error("load enforcement log", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, records)
}
