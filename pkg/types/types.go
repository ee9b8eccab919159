// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the daemon: account state
// (positions, orders, trades, lockouts), contract metadata, quotes, the
// typed real-time events delivered by the brokerage hubs, and the breach
// descriptors produced by the rule catalog. It has no dependencies on
// internal packages, so it can be imported by any layer.
//
// All monetary values (prices, P&L, limits) are shopspring decimals.
// Comparisons round to cent precision at the comparison site only.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a brokerage trading account. It is the partition
// key for nearly all per-account state in the daemon.
type AccountID int64

// PositionSide is the direction of an open position.
type PositionSide int

const (
	Long  PositionSide = 1
	Short PositionSide = 2
)

func (s PositionSide) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// OrderSide is the direction of an order.
type OrderSide int

const (
	Buy  OrderSide = 0
	Sell OrderSide = 1
)

func (s OrderSide) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderType enumerates the brokerage order types.
type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStop
	OrderStopLimit
	OrderTrailingStop
)

// IsStopKind reports whether the type can qualify as a protective stop.
func (t OrderType) IsStopKind() bool {
	switch t {
	case OrderStop, OrderStopLimit, OrderTrailingStop:
		return true
	}
	return false
}

// OrderStatus enumerates order lifecycle states. Only Pending and Open
// orders are tracked in memory; a terminal status removes the order.
type OrderStatus int

const (
	StatusPending OrderStatus = iota
	StatusOpen
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

// IsTerminal reports whether the status ends the order's life.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Contract holds per-instrument metadata needed for P&L math. Fetched
// lazily through the brokerage client, cached LRU+TTL, and persisted.
// Invariant: TickSize > 0 and TickValue > 0.
type Contract struct {
	ID          string          `json:"id"`
	SymbolID    string          `json:"symbolId"`
	TickSize    decimal.Decimal `json:"tickSize"`
	TickValue   decimal.Decimal `json:"tickValue"`
	DisplayName string          `json:"displayName"`
}

// Quote is the latest market data for one contract. Overwritten in place
// on each tick; considered stale when now - LocalRxTs exceeds the
// configured staleness threshold.
type Quote struct {
	ContractID string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	ExchangeTs time.Time
	LocalRxTs  time.Time
}

// Position is an open position. Invariant: Size = 0 means the position
// does not exist; the tracker deletes it on a size-zero event.
type Position struct {
	ID           string          `json:"id"`
	AccountID    AccountID       `json:"accountId"`
	ContractID   string          `json:"contractId"`
	Side         PositionSide    `json:"side"`
	Size         int64           `json:"size"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Order is a working order. Invariant: a terminal status means the order
// does not exist in tracked state.
type Order struct {
	ID         string          `json:"id"`
	AccountID  AccountID       `json:"accountId"`
	ContractID string          `json:"contractId"`
	Type       OrderType       `json:"type"`
	Side       OrderSide       `json:"side"`
	Size       int64           `json:"size"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
	StopPrice  decimal.Decimal `json:"stopPrice"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Trade is an execution fill. PnL is nil for a half-turn (the fill that
// opens a position); the closing fill carries the realized pnl. Immutable
// once recorded.
type Trade struct {
	ID         string           `json:"id"`
	AccountID  AccountID        `json:"accountId"`
	ContractID string           `json:"contractId"`
	OrderID    string           `json:"orderId"`
	Side       OrderSide        `json:"side"`
	Size       int64            `json:"size"`
	Price      decimal.Decimal  `json:"price"`
	PnL        *decimal.Decimal `json:"pnl"`
	Fees       decimal.Decimal  `json:"fees"`
	Voided     bool             `json:"voided"`
	Ts         time.Time        `json:"ts"`
}

// LockoutKind classifies a lockout.
type LockoutKind int

const (
	LockoutHard LockoutKind = iota
	LockoutCooldown
	LockoutPermanent
)

func (k LockoutKind) String() string {
	switch k {
	case LockoutCooldown:
		return "cooldown"
	case LockoutPermanent:
		return "permanent"
	default:
		return "hard"
	}
}

// Lockout forbids trading on an account until Until. A nil Until means
// permanent. Invariant: at most one active lockout per account.
type Lockout struct {
	AccountID AccountID   `json:"accountId"`
	Reason    string      `json:"reason"`
	RuleID    string      `json:"ruleId"`
	LockedAt  time.Time   `json:"lockedAt"`
	Until     *time.Time  `json:"until"`
	Kind      LockoutKind `json:"kind"`
}

// Active reports whether the lockout is still in force at t.
func (l *Lockout) Active(t time.Time) bool {
	if l == nil {
		return false
	}
	if l.Until == nil {
		return true
	}
	return t.Before(*l.Until)
}

// EventType tags the typed events delivered by the brokerage hubs. Rules
// declare a trigger set of event types; the dispatcher routes each event
// to the rules whose set contains its type.
type EventType int

const (
	EvAccount EventType = iota
	EvPosition
	EvOrder
	EvTrade
	EvQuote
	// EvTimer is a synthetic event emitted by the 1 Hz sweep so that
	// time-driven rules (stop-loss grace) re-evaluate without market input.
	EvTimer
)

func (t EventType) String() string {
	switch t {
	case EvAccount:
		return "account"
	case EvPosition:
		return "position"
	case EvOrder:
		return "order"
	case EvTrade:
		return "trade"
	case EvQuote:
		return "quote"
	case EvTimer:
		return "timer"
	}
	return "unknown"
}

// AccountEventKind classifies account-level notifications from the user hub.
type AccountEventKind string

const (
	AccountAuthorizationLost AccountEventKind = "AuthorizationLost"
	AccountSuspended         AccountEventKind = "Suspended"
	AccountStatusUpdate      AccountEventKind = "StatusUpdate"
)

// AccountEvent is an account-scoped notification (auth loss, suspension).
type AccountEvent struct {
	AccountID AccountID
	Kind      AccountEventKind
	Detail    string
}

// Event is the tagged union delivered to trackers and rules. Exactly one
// payload pointer is non-nil, matching Type. Quote events carry a zero
// AccountID; the dispatcher fans them out to every account holding the
// contract.
type Event struct {
	Type      EventType
	AccountID AccountID
	Position  *Position
	Order     *Order
	Trade     *Trade
	Quote     *Quote
	Account   *AccountEvent
	RxAt      time.Time
}

// ActionKind names the enforcement action a breach demands.
type ActionKind string

const (
	ActionCloseAll      ActionKind = "close_all"
	ActionCancelAll     ActionKind = "cancel_all"
	ActionClosePosition ActionKind = "close_position"
	ActionReduceToLimit ActionKind = "reduce_to_limit"
	ActionCancelOrder   ActionKind = "cancel_order"
	ActionPlaceStop     ActionKind = "place_stop"
	ActionLockout       ActionKind = "lockout"
	ActionLockoutPerm   ActionKind = "lockout_permanent"
)

// Breach is the output of a rule check: which rule fired, why, and what
// the executor must do. PositionID/OrderID/ContractID scope the action
// where it is narrower than the whole account.
type Breach struct {
	RuleID     string
	AccountID  AccountID
	Action     ActionKind
	Reason     string
	ContractID string
	PositionID string
	OrderID    string
	// TargetNet is the counted size the reduce_to_limit scope comes back
	// to. The scope is one symbol when SymbolID is set, the whole
	// account otherwise; CountType selects net or gross counting.
	TargetNet int64
	SymbolID  string
	CountType string
	// LockoutFor is the lockout duration. Zero with Action=lockout means
	// lock until the next daily reset; the permanent kind ignores it.
	LockoutFor time.Duration
	// LockoutKind selects hard vs cooldown for Action=lockout.
	LockoutKind LockoutKind
	// StopOffsetTicks is the protective stop distance (place_stop).
	StopOffsetTicks int64
}

// OrderRequest is the payload for placing an order through the
// brokerage gateway. The executor only ever places protective stops, but
// the request shape covers the full order surface.
type OrderRequest struct {
	ContractID string          `json:"contractId"`
	Type       OrderType       `json:"type"`
	Side       OrderSide       `json:"side"`
	Size       int64           `json:"size"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  decimal.Decimal `json:"stopPrice,omitempty"`
}

// EnforcementRecord is one append-only row in the enforcement log.
type EnforcementRecord struct {
	ID          int64     `json:"id"`
	Ts          time.Time `json:"ts"`
	AccountID   AccountID `json:"accountId"`
	RuleID      string    `json:"ruleId"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	Details     string    `json:"details"`
	Success     bool      `json:"success"`
	ExecutionMs int64     `json:"executionMs"`
}

// Cent quantizes a monetary value to cent precision for comparisons.
// Internal math stays at full decimal precision; only comparison sites
// round.
func Cent(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
