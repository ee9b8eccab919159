// Package config defines all configuration for the risk daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via RISKD_* environment variables.
//
// Invalid rule parameters refuse startup: Validate returns the offending
// field path so the operator can fix the document instead of the daemon
// silently running with a misconfigured rule.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Accounts []int64        `mapstructure:"accounts"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Quotes   QuotesConfig   `mapstructure:"quotes"`
	Reset    ResetConfig    `mapstructure:"reset"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BrokerConfig holds brokerage endpoints and credentials. Token may come
// from RISKD_BROKER_TOKEN; the daemon never refreshes it itself (the
// credential provider is external to the core).
type BrokerConfig struct {
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	UserHubURL     string        `mapstructure:"user_hub_url"`
	MarketHubURL   string        `mapstructure:"market_hub_url"`
	Token          string        `mapstructure:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// StoreConfig sets where the durable sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig bounds the in-memory contract metadata cache.
type CacheConfig struct {
	MaxSize    int           `mapstructure:"max_size"`
	TTL        time.Duration `mapstructure:"ttl"`
	FetchWait  time.Duration `mapstructure:"fetch_wait"`
}

// QuotesConfig sets the staleness threshold for market data. Unrealized
// P&L computed from a quote older than StaleAfter carries a stale flag.
type QuotesConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ResetConfig schedules the daily session reset in a named zone.
type ResetConfig struct {
	Hour         int    `mapstructure:"hour"`
	Minute       int    `mapstructure:"minute"`
	Zone         string `mapstructure:"zone"`
	HolidaysPath string `mapstructure:"holidays_path"`
}

// ExecutorConfig tunes retry behavior for enforcement REST calls.
type ExecutorConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	Workers       int           `mapstructure:"workers"`
}

// AdminConfig controls the read-only snapshot HTTP server.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RulesConfig carries the per-rule toggles and parameters for the fixed
// twelve-rule catalog.
type RulesConfig struct {
	MaxContracts       MaxContractsConfig       `mapstructure:"max_contracts"`
	MaxPerInstrument   MaxPerInstrumentConfig   `mapstructure:"max_contracts_per_instrument"`
	DailyRealizedLoss  DailyRealizedLossConfig  `mapstructure:"daily_realized_loss"`
	DailyUnrealized    DailyUnrealizedConfig    `mapstructure:"daily_unrealized_loss"`
	UnrealizedProfit   UnrealizedProfitConfig   `mapstructure:"max_unrealized_profit"`
	TradeFrequency     TradeFrequencyConfig     `mapstructure:"trade_frequency_limit"`
	CooldownAfterLoss  CooldownAfterLossConfig  `mapstructure:"cooldown_after_loss"`
	NoStopLossGrace    NoStopLossGraceConfig    `mapstructure:"no_stop_loss_grace"`
	SessionBlock       SessionBlockConfig       `mapstructure:"session_block_outside"`
	AuthLossGuard      AuthLossGuardConfig      `mapstructure:"auth_loss_guard"`
	SymbolBlocks       SymbolBlocksConfig       `mapstructure:"symbol_blocks"`
	TradeManagement    TradeManagementConfig    `mapstructure:"trade_management"`
}

// MaxContractsConfig (R1). CountType "gross" sums absolute position
// sizes, "net" collapses signed sizes. Action "close_all" flattens the
// account, "reduce_to_limit" trims back to Limit.
type MaxContractsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Limit        int64  `mapstructure:"limit"`
	CountType    string `mapstructure:"count_type"`
	Action       string `mapstructure:"action"`
	Lockout      bool   `mapstructure:"lockout"`
	LockoutHours int    `mapstructure:"lockout_hours"`
}

// MaxPerInstrumentConfig (R2). Limits maps symbolId to the per-symbol
// cap; UnknownSymbolAction decides what happens for symbols without an
// entry: "allow" skips the check, "reject" treats any position as over.
type MaxPerInstrumentConfig struct {
	Enabled             bool             `mapstructure:"enabled"`
	Limits              map[string]int64 `mapstructure:"limits"`
	UnknownSymbolAction string           `mapstructure:"unknown_symbol_action"`
}

// DailyRealizedLossConfig (R3). Breach is inclusive: realized <= -Limit.
type DailyRealizedLossConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Limit   float64 `mapstructure:"limit"`
}

// DailyUnrealizedConfig (R4). Scope "per_position" closes only the
// offending position, "total" closes everything on aggregate breach.
type DailyUnrealizedConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Limit        float64 `mapstructure:"limit"`
	Scope        string  `mapstructure:"scope"`
	Lockout      bool    `mapstructure:"lockout"`
	LockoutHours int     `mapstructure:"lockout_hours"`
}

// UnrealizedProfitConfig (R5). Mode "target" closes at ProfitTarget,
// "breakeven" closes at >= 0 after the position has been at least one
// tick value underwater.
type UnrealizedProfitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Mode         string  `mapstructure:"mode"`
	ProfitTarget float64 `mapstructure:"profit_target"`
}

// TradeFrequencyConfig (R6). Window is "minute", "hour" or "session".
type TradeFrequencyConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxTrades       int           `mapstructure:"max_trades"`
	Window          string        `mapstructure:"window"`
	CooldownMinutes time.Duration `mapstructure:"cooldown"`
}

// LossTier is one threshold in the R7 ladder: a trade with pnl at or
// below LossAmount (a negative number) earns Cooldown.
type LossTier struct {
	LossAmount float64       `mapstructure:"loss_amount"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// CooldownAfterLossConfig (R7). The most severe matching tier wins.
type CooldownAfterLossConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Tiers   []LossTier `mapstructure:"tiers"`
}

// NoStopLossGraceConfig (R8). A position open longer than GracePeriod
// without a qualifying stop order is closed.
type NoStopLossGraceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// SessionBlockConfig (R9). Start/End are "HH:MM" wall-clock times in
// Zone; orders arriving outside [Start, End] are cancelled.
type SessionBlockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Start   string `mapstructure:"start"`
	End     string `mapstructure:"end"`
	Zone    string `mapstructure:"zone"`
}

// AuthLossGuardConfig (R10).
type AuthLossGuardConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SymbolBlocksConfig (R11).
type SymbolBlocksConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Blocked        []string `mapstructure:"blocked"`
	ClosePositions bool     `mapstructure:"close_positions"`
	Lockout        bool     `mapstructure:"lockout"`
	LockoutHours   int      `mapstructure:"lockout_hours"`
}

// TradeManagementConfig (R12). When AutoStopLoss is set, every position
// that opens without a stop gets one placed StopLossTicks from entry.
type TradeManagementConfig struct {
	Enabled       bool  `mapstructure:"enabled"`
	AutoStopLoss  bool  `mapstructure:"auto_stop_loss"`
	StopLossTicks int64 `mapstructure:"stop_loss_ticks"`
}

// Load reads config from a YAML file with env var overrides.
// The broker token uses RISKD_BROKER_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RISKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if tok := os.Getenv("RISKD_BROKER_TOKEN"); tok != "" {
		cfg.Broker.Token = tok
	}
	if os.Getenv("RISKD_DRY_RUN") == "true" || os.Getenv("RISKD_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.shutdown_grace", 10*time.Second)
	v.SetDefault("store.path", "data/riskd.db")
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.fetch_wait", 5*time.Second)
	v.SetDefault("quotes.stale_after", 30*time.Second)
	v.SetDefault("reset.hour", 17)
	v.SetDefault("reset.minute", 0)
	v.SetDefault("reset.zone", "America/New_York")
	v.SetDefault("executor.retry_attempts", 3)
	v.SetDefault("executor.retry_base", 200*time.Millisecond)
	v.SetDefault("executor.retry_max", 5*time.Second)
	v.SetDefault("executor.workers", 8)
	v.SetDefault("rules.max_contracts.count_type", "net")
	v.SetDefault("rules.max_contracts.action", "close_all")
	v.SetDefault("rules.max_contracts_per_instrument.unknown_symbol_action", "allow")
	v.SetDefault("rules.daily_unrealized_loss.scope", "total")
	v.SetDefault("rules.max_unrealized_profit.mode", "target")
	v.SetDefault("rules.trade_frequency_limit.window", "minute")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges. The returned
// error names the config field path.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one account is required")
	}
	if c.Broker.RESTBaseURL == "" {
		return fmt.Errorf("broker.rest_base_url is required")
	}
	if c.Broker.UserHubURL == "" {
		return fmt.Errorf("broker.user_hub_url is required")
	}
	if c.Broker.MarketHubURL == "" {
		return fmt.Errorf("broker.market_hub_url is required")
	}
	if !c.DryRun && c.Broker.Token == "" {
		return fmt.Errorf("broker.token is required (set RISKD_BROKER_TOKEN)")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be > 0")
	}
	if c.Reset.Hour < 0 || c.Reset.Hour > 23 {
		return fmt.Errorf("reset.hour must be in [0,23]")
	}
	if c.Reset.Minute < 0 || c.Reset.Minute > 59 {
		return fmt.Errorf("reset.minute must be in [0,59]")
	}
	if _, err := time.LoadLocation(c.Reset.Zone); err != nil {
		return fmt.Errorf("reset.zone: unknown zone %q", c.Reset.Zone)
	}
	if c.Executor.RetryAttempts < 0 {
		return fmt.Errorf("executor.retry_attempts must be >= 0")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	return c.validateRules()
}

func (c *Config) validateRules() error {
	r := &c.Rules
	if r.MaxContracts.Enabled {
		if r.MaxContracts.Limit <= 0 {
			return fmt.Errorf("rules.max_contracts.limit must be > 0")
		}
		switch r.MaxContracts.CountType {
		case "net", "gross":
		default:
			return fmt.Errorf("rules.max_contracts.count_type must be net or gross")
		}
		switch r.MaxContracts.Action {
		case "close_all", "reduce_to_limit":
		default:
			return fmt.Errorf("rules.max_contracts.action must be close_all or reduce_to_limit")
		}
	}
	if r.MaxPerInstrument.Enabled {
		if len(r.MaxPerInstrument.Limits) == 0 {
			return fmt.Errorf("rules.max_contracts_per_instrument.limits must not be empty")
		}
		for sym, lim := range r.MaxPerInstrument.Limits {
			if lim <= 0 {
				return fmt.Errorf("rules.max_contracts_per_instrument.limits.%s must be > 0", sym)
			}
		}
		switch r.MaxPerInstrument.UnknownSymbolAction {
		case "allow", "reject":
		default:
			return fmt.Errorf("rules.max_contracts_per_instrument.unknown_symbol_action must be allow or reject")
		}
	}
	if r.DailyRealizedLoss.Enabled && r.DailyRealizedLoss.Limit <= 0 {
		return fmt.Errorf("rules.daily_realized_loss.limit must be > 0")
	}
	if r.DailyUnrealized.Enabled {
		if r.DailyUnrealized.Limit <= 0 {
			return fmt.Errorf("rules.daily_unrealized_loss.limit must be > 0")
		}
		switch r.DailyUnrealized.Scope {
		case "per_position", "total":
		default:
			return fmt.Errorf("rules.daily_unrealized_loss.scope must be per_position or total")
		}
	}
	if r.UnrealizedProfit.Enabled {
		switch r.UnrealizedProfit.Mode {
		case "target":
			if r.UnrealizedProfit.ProfitTarget <= 0 {
				return fmt.Errorf("rules.max_unrealized_profit.profit_target must be > 0")
			}
		case "breakeven":
		default:
			return fmt.Errorf("rules.max_unrealized_profit.mode must be target or breakeven")
		}
	}
	if r.TradeFrequency.Enabled {
		if r.TradeFrequency.MaxTrades <= 0 {
			return fmt.Errorf("rules.trade_frequency_limit.max_trades must be > 0")
		}
		switch r.TradeFrequency.Window {
		case "minute", "hour", "session":
		default:
			return fmt.Errorf("rules.trade_frequency_limit.window must be minute, hour or session")
		}
		if r.TradeFrequency.CooldownMinutes <= 0 {
			return fmt.Errorf("rules.trade_frequency_limit.cooldown must be > 0")
		}
	}
	if r.CooldownAfterLoss.Enabled {
		if len(r.CooldownAfterLoss.Tiers) == 0 {
			return fmt.Errorf("rules.cooldown_after_loss.tiers must not be empty")
		}
		for i, tier := range r.CooldownAfterLoss.Tiers {
			if tier.LossAmount >= 0 {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].loss_amount must be negative", i)
			}
			if tier.Cooldown <= 0 {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].cooldown must be > 0", i)
			}
		}
	}
	if r.NoStopLossGrace.Enabled && r.NoStopLossGrace.GracePeriod <= 0 {
		return fmt.Errorf("rules.no_stop_loss_grace.grace_period must be > 0")
	}
	if r.SessionBlock.Enabled {
		if _, err := ParseClock(r.SessionBlock.Start); err != nil {
			return fmt.Errorf("rules.session_block_outside.start: %w", err)
		}
		if _, err := ParseClock(r.SessionBlock.End); err != nil {
			return fmt.Errorf("rules.session_block_outside.end: %w", err)
		}
		zone := r.SessionBlock.Zone
		if zone == "" {
			zone = c.Reset.Zone
		}
		if _, err := time.LoadLocation(zone); err != nil {
			return fmt.Errorf("rules.session_block_outside.zone: unknown zone %q", zone)
		}
	}
	if r.TradeManagement.Enabled && r.TradeManagement.AutoStopLoss && r.TradeManagement.StopLossTicks <= 0 {
		return fmt.Errorf("rules.trade_management.stop_loss_ticks must be > 0")
	}
	return nil
}

// Clock is a wall-clock minute of day.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns the minute-of-day ordinal for range comparisons.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return c, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return c, fmt.Errorf("time %q out of range", s)
	}
	return c, nil
}
