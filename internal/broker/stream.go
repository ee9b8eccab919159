// stream.go implements the brokerage gateway WebSocket hubs.
//
// Two independent hubs run concurrently:
//
//   - User hub (authenticated): subscribes by account id, receives
//     account, position, order and trade events.
//
//   - Market hub: subscribes by contract id, receives quote ticks for
//     the contracts the daemon holds positions or orders in.
//
// Both hubs auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked ids on reconnection. A rejected token
// moves the hub to the auth-failed state and stops reconnecting; the
// daemon must not hammer the gateway with a dead credential. A read
// deadline detects silent server failures within ~2 missed pings.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"riskd/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	userBufferSize   = 256
	quoteBufferSize  = 512
)

// HubState is the connection lifecycle state of one hub.
type HubState int

const (
	HubDisconnected HubState = iota
	HubConnecting
	HubConnected
	HubReconnecting
	HubAuthFailed
)

func (s HubState) String() string {
	switch s {
	case HubConnecting:
		return "connecting"
	case HubConnected:
		return "connected"
	case HubReconnecting:
		return "reconnecting"
	case HubAuthFailed:
		return "auth-failed"
	default:
		return "disconnected"
	}
}

// ErrAuthFailed is returned by Run when the gateway rejects the token.
var ErrAuthFailed = fmt.Errorf("websocket auth rejected")

// Hub manages a single WebSocket connection to the gateway (user or
// market channel): connection lifecycle, subscription tracking, message
// parsing into typed events, and automatic reconnection.
type Hub struct {
	url         string
	token       string
	channelType string // "user" or "market"

	conn   *websocket.Conn
	connMu sync.Mutex

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // account ids (user) or contract ids (market)

	stateMu sync.Mutex
	state   HubState

	events chan types.Event

	parseErrMu sync.Mutex
	parseErrs  int64

	logger *slog.Logger
}

// NewUserHub creates the authenticated per-account event hub.
func NewUserHub(wsURL, token string, logger *slog.Logger) *Hub {
	return &Hub{
		url:         wsURL,
		token:       token,
		channelType: "user",
		subscribed:  make(map[string]bool),
		events:      make(chan types.Event, userBufferSize),
		logger:      logger.With("component", "hub_user"),
	}
}

// NewMarketHub creates the quote hub.
func NewMarketHub(wsURL, token string, logger *slog.Logger) *Hub {
	return &Hub{
		url:         wsURL,
		token:       token,
		channelType: "market",
		subscribed:  make(map[string]bool),
		events:      make(chan types.Event, quoteBufferSize),
		logger:      logger.With("component", "hub_market"),
	}
}

// Events returns the read-only typed event channel.
func (h *Hub) Events() <-chan types.Event { return h.events }

// State returns the current connection state.
func (h *Hub) State() HubState {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

func (h *Hub) setState(s HubState) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
}

// ParseErrors returns the count of malformed messages dropped so far.
func (h *Hub) ParseErrors() int64 {
	h.parseErrMu.Lock()
	defer h.parseErrMu.Unlock()
	return h.parseErrs
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled or the token is rejected.
func (h *Hub) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		h.setState(HubConnecting)
		err := h.connectAndRead(ctx)
		if ctx.Err() != nil {
			h.setState(HubDisconnected)
			return ctx.Err()
		}
		if err == ErrAuthFailed {
			h.setState(HubAuthFailed)
			h.logger.Error("token rejected, not reconnecting", "channel", h.channelType)
			return err
		}

		h.setState(HubReconnecting)
		h.logger.Warn("websocket disconnected, reconnecting",
			"channel", h.channelType,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			h.setState(HubDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

type subscribeMsg struct {
	Operation string   `json:"op"`
	Accounts  []string `json:"accounts,omitempty"`
	Contracts []string `json:"contracts,omitempty"`
}

// Subscribe adds account ids (user hub) or contract ids (market hub).
// Safe to call before the connection is up; the initial subscription on
// connect covers everything tracked.
func (h *Hub) Subscribe(ids []string) error {
	h.subscribedMu.Lock()
	for _, id := range ids {
		h.subscribed[id] = true
	}
	h.subscribedMu.Unlock()

	return h.writeSubscribe("subscribe", ids)
}

// Unsubscribe removes ids from the subscription.
func (h *Hub) Unsubscribe(ids []string) error {
	h.subscribedMu.Lock()
	for _, id := range ids {
		delete(h.subscribed, id)
	}
	h.subscribedMu.Unlock()

	return h.writeSubscribe("unsubscribe", ids)
}

func (h *Hub) writeSubscribe(op string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	msg := subscribeMsg{Operation: op}
	if h.channelType == "user" {
		msg.Accounts = ids
	} else {
		msg.Contracts = ids
	}
	if err := h.writeJSON(msg); err != nil {
		// Not connected yet; the reconnect path re-subscribes.
		h.logger.Debug("subscribe deferred", "op", op, "error", err)
	}
	return nil
}

// Close closes the underlying connection if open.
func (h *Hub) Close() error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

func (h *Hub) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, h.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrAuthFailed
		}
		return fmt.Errorf("dial: %w", err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	defer func() {
		h.connMu.Lock()
		conn.Close()
		h.conn = nil
		h.connMu.Unlock()
	}()

	if err := h.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	h.setState(HubConnected)
	h.logger.Info("websocket connected", "channel", h.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go h.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return ErrAuthFailed
			}
			return fmt.Errorf("read: %w", err)
		}

		h.dispatchMessage(msg)
	}
}

func (h *Hub) sendInitialSubscription() error {
	h.subscribedMu.RLock()
	ids := make([]string, 0, len(h.subscribed))
	for id := range h.subscribed {
		ids = append(ids, id)
	}
	h.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	msg := subscribeMsg{Operation: "subscribe"}
	if h.channelType == "user" {
		msg.Accounts = ids
	} else {
		msg.Contracts = ids
	}
	return h.writeJSON(msg)
}

// wireQuote is the market hub tick payload.
type wireQuote struct {
	ContractID string          `json:"contractId"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Timestamp  time.Time       `json:"timestamp"`
}

// wireAccountEvent is the user hub account notification payload.
type wireAccountEvent struct {
	AccountID types.AccountID `json:"accountId"`
	Kind      string          `json:"kind"`
	Detail    string          `json:"detail"`
}

func (h *Hub) dispatchMessage(data []byte) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.countParseError("non-json message", err)
		return
	}

	now := time.Now()

	switch envelope.Type {
	case "quote":
		var q wireQuote
		if err := json.Unmarshal(envelope.Data, &q); err != nil {
			h.countParseError("quote", err)
			return
		}
		h.emit(types.Event{
			Type: types.EvQuote,
			Quote: &types.Quote{
				ContractID: q.ContractID,
				Bid:        q.Bid,
				Ask:        q.Ask,
				Last:       q.Last,
				ExchangeTs: q.Timestamp,
				LocalRxTs:  now,
			},
			RxAt: now,
		})

	case "position":
		var p types.Position
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			h.countParseError("position", err)
			return
		}
		h.emit(types.Event{Type: types.EvPosition, AccountID: p.AccountID, Position: &p, RxAt: now})

	case "order":
		var o types.Order
		if err := json.Unmarshal(envelope.Data, &o); err != nil {
			h.countParseError("order", err)
			return
		}
		h.emit(types.Event{Type: types.EvOrder, AccountID: o.AccountID, Order: &o, RxAt: now})

	case "trade":
		var t types.Trade
		if err := json.Unmarshal(envelope.Data, &t); err != nil {
			h.countParseError("trade", err)
			return
		}
		h.emit(types.Event{Type: types.EvTrade, AccountID: t.AccountID, Trade: &t, RxAt: now})

	case "account":
		var a wireAccountEvent
		if err := json.Unmarshal(envelope.Data, &a); err != nil {
			h.countParseError("account", err)
			return
		}
		h.emit(types.Event{
			Type:      types.EvAccount,
			AccountID: a.AccountID,
			Account: &types.AccountEvent{
				AccountID: a.AccountID,
				Kind:      types.AccountEventKind(a.Kind),
				Detail:    a.Detail,
			},
			RxAt: now,
		})

	case "heartbeat", "subscribed", "unsubscribed":
		h.logger.Debug("ignoring event", "type", envelope.Type)

	default:
		h.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

// emit delivers an event from the read loop. The two channels shed load
// differently: on the market hub only the newest tick matters, so a full
// channel drops the oldest queued quote. User events carry fills and
// position changes whose loss would corrupt realized P&L, so a full user
// channel blocks the read loop until the consumer catches up and the
// socket's flow control absorbs the backpressure.
func (h *Hub) emit(ev types.Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	if h.channelType == "market" {
		select {
		case dropped := <-h.events:
			h.logger.Warn("quote channel full, dropping oldest",
				"dropped_type", dropped.Type.String())
		default:
		}
		select {
		case h.events <- ev:
		default:
			h.logger.Warn("quote channel full, dropping quote")
		}
		return
	}

	h.logger.Warn("user event channel full, waiting for consumer",
		"type", ev.Type.String())
	h.events <- ev
}

func (h *Hub) countParseError(kind string, err error) {
	h.parseErrMu.Lock()
	h.parseErrs++
	h.parseErrMu.Unlock()
	h.logger.Error("dropping malformed message", "kind", kind, "error", err)
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) writeJSON(v interface{}) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(v)
}

func (h *Hub) writeMessage(msgType int, data []byte) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteMessage(msgType, data)
}
