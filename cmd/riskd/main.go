// riskd — a real-time risk enforcement daemon for futures trading
// accounts behind a brokerage gateway.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	dispatch/dispatcher.go — event loop: hubs → per-account workers → trackers → rules → executor
//	broker/client.go       — gateway REST client (close/cancel/place, snapshots, contract metadata)
//	broker/stream.go       — user + market WebSocket hubs with auto-reconnect and re-subscribe
//	state/                 — in-memory state plane: positions, orders, quotes, contracts, P&L, trade counts
//	rules/                 — the fixed risk-rule catalog (R1..R12), pure checks over state views
//	enforce/executor.go    — the only gateway mutation point: worker pool, per-account serialization
//	lockout/manager.go     — one persisted lockout slot per account
//	sched/                 — named timer wheel + daily session reset scheduler (cron, holidays)
//	store/store.go         — crash-safe sqlite persistence (WAL, synchronous FULL)
//	admin/                 — read-only snapshot HTTP server for dashboards
//
// What it does:
//
//	The daemon watches every configured account's positions, orders,
//	trades and quotes in real time. When an account breaks a configured
//	risk rule (too many contracts, daily loss limit, trading without a
//	stop, revenge-trading after losses, ...) it flattens positions,
//	cancels orders, and locks the account out until a cooldown expires
//	or the next daily session reset.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskd/internal/admin"
	"riskd/internal/broker"
	"riskd/internal/config"
	"riskd/internal/dispatch"
	"riskd/internal/enforce"
	"riskd/internal/lockout"
	"riskd/internal/rules"
	"riskd/internal/sched"
	"riskd/internal/state"
	"riskd/internal/store"
	"riskd/pkg/types"
)

const tradeRetention = 7 * 24 * time.Hour

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RISKD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if moved, err := db.ArchiveOldTrades(time.Now().Add(-tradeRetention)); err != nil {
		return fmt.Errorf("archive trades: %w", err)
	} else if moved > 0 {
		logger.Info("old trades archived", "moved", moved)
	}

	// Gateway clients.
	client := broker.NewClient(cfg, logger)
	userHub := broker.NewUserHub(cfg.Broker.UserHubURL, cfg.Broker.Token, logger)
	marketHub := broker.NewMarketHub(cfg.Broker.MarketHubURL, cfg.Broker.Token, logger)

	// State plane.
	tracker := state.NewTracker(db, logger)
	quotes := state.NewQuoteTracker()
	contracts := state.NewContractCache(client, db, cfg.Cache.MaxSize, cfg.Cache.TTL, cfg.Cache.FetchWait, logger)
	pnl := state.NewPnLTracker(db, tracker, quotes, contracts, cfg.Quotes.StaleAfter, logger)
	trades := state.NewTradeCounter(db, logger)
	pending := state.NewPendingStops(tracker)

	// Time machinery and lockouts.
	timers := sched.NewTimerWheel(logger)
	lockouts := lockout.NewManager(db, logger)
	resets, err := sched.NewResetScheduler(db, cfg.Reset.Hour, cfg.Reset.Minute, cfg.Reset.Zone, cfg.Reset.HolidaysPath, logger)
	if err != nil {
		return fmt.Errorf("reset scheduler: %w", err)
	}

	// Rebuild state from the store before any events flow.
	if err := tracker.LoadSnapshot(); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	// Restored positions bypass the tracker's change streams, so the
	// stop-protection set must be rebuilt from the snapshot.
	pending.Seed()
	if err := lockouts.Load(); err != nil {
		return fmt.Errorf("load lockouts: %w", err)
	}
	if err := contracts.Warm(); err != nil {
		return fmt.Errorf("warm contracts: %w", err)
	}

	accounts := make([]types.AccountID, len(cfg.Accounts))
	sessionDate := resets.SessionDate(time.Now())
	for i, id := range cfg.Accounts {
		acct := types.AccountID(id)
		accounts[i] = acct
		if err := pnl.Load(acct, sessionDate); err != nil {
			return err
		}
		if err := trades.Load(acct); err != nil {
			return fmt.Errorf("load trade counts for %d: %w", acct, err)
		}
	}

	resets.OnReset(func(now time.Time) {
		date := resets.SessionDate(now)
		for _, acct := range accounts {
			pnl.ResetDaily(acct, date)
			trades.ResetSession(acct)
		}
		lockouts.ClearExpiring(now)
	})

	executor := enforce.NewExecutor(client, tracker, contracts, pending, lockouts, timers, resets, db,
		cfg.Executor.Workers, logger)

	catalog := rules.Catalog(cfg)
	ruleNames := make([]string, len(catalog))
	for i, r := range catalog {
		ruleNames[i] = r.ID()
	}

	dispatcher := dispatch.New(dispatch.Deps{
		UserHub:        userHub,
		MarketHub:      marketHub,
		Tracker:        tracker,
		Quotes:         quotes,
		Contracts:      contracts,
		PnL:            pnl,
		Trades:         trades,
		Pending:        pending,
		Lockouts:       lockouts,
		Timers:         timers,
		Resets:         resets,
		Executor:       executor,
		TradeLog:       db,
		Catalog:        catalog,
		Accounts:       accounts,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		ShutdownGrace:  cfg.Broker.ShutdownGrace,
	}, logger)

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Admin.Port, admin.Deps{
			Accounts:  accounts,
			Tracker:   tracker,
			PnL:       pnl,
			Trades:    trades,
			Lockouts:  lockouts,
			Timers:    timers,
			Store:     db,
			UserHub:   userHub,
			MarketHub: marketHub,
		}, logger)
		go func() {
			if err := adminServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	resets.Start()
	defer resets.Cancel()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no positions will be closed, no orders touched")
	}
	logger.Info("risk daemon started",
		"accounts", len(accounts),
		"rules", ruleNames,
		"reset", fmt.Sprintf("%02d:%02d %s", cfg.Reset.Hour, cfg.Reset.Minute, cfg.Reset.Zone),
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = dispatcher.Run(ctx)

	if adminServer != nil {
		if serr := adminServer.Stop(); serr != nil {
			logger.Error("failed to stop admin server", "error", serr)
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("risk daemon stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
