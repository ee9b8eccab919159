// Package dispatch wires the event plane: it owns the two gateway hubs,
// routes every event to its account's worker, keeps the trackers fed,
// evaluates the rule catalog, and hands breaches to the executor.
//
// Ordering: events for one account flow through one backlog queue, so
// they are handled strictly in arrival order. Within one event, metadata
// prewarm happens before tracker updates, tracker updates before rule
// checks, and rule checks complete before any enforcement is submitted,
// so one rule cannot hide another's breach.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riskd/internal/broker"
	"riskd/internal/enforce"
	"riskd/internal/lockout"
	"riskd/internal/rules"
	"riskd/internal/sched"
	"riskd/internal/state"
	"riskd/pkg/types"
)

const accountQueueDepth = 256

// TradeStore persists the immutable trade history.
type TradeStore interface {
	InsertTrade(t types.Trade) error
}

// sheddable reports whether an event may be discarded under backlog
// pressure. Quotes are superseded by the next tick and synthetic timer
// ticks regenerate every second; everything else mutates account state
// and must reach the worker.
func sheddable(t types.EventType) bool {
	return t == types.EvQuote || t == types.EvTimer
}

// accountQueue is one account's event backlog. Past the soft depth cap
// it sheds the oldest queued sheddable event; trade, order, position,
// and account events are never discarded and grow the backlog instead.
type accountQueue struct {
	mu   sync.Mutex
	buf  []types.Event
	wake chan struct{}
}

func newAccountQueue() *accountQueue {
	return &accountQueue{wake: make(chan struct{}, 1)}
}

// push enqueues ev, shedding an event if the queue is over depth.
// Returns the type of the shed event when one was discarded.
func (q *accountQueue) push(ev types.Event, depth int) (types.EventType, bool) {
	q.mu.Lock()
	var (
		shedType types.EventType
		shed     bool
	)
	if len(q.buf) >= depth {
		for i, old := range q.buf {
			if sheddable(old.Type) {
				q.buf = append(q.buf[:i], q.buf[i+1:]...)
				shedType, shed = old.Type, true
				break
			}
		}
		if !shed && sheddable(ev.Type) {
			q.mu.Unlock()
			return ev.Type, true
		}
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return shedType, shed
}

// pop removes the oldest queued event.
func (q *accountQueue) pop() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return types.Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

func (q *accountQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dispatcher is the daemon's event loop orchestrator.
type Dispatcher struct {
	userHub   *broker.Hub
	marketHub *broker.Hub

	tracker   *state.Tracker
	quotes    *state.QuoteTracker
	contracts *state.ContractCache
	pnl       *state.PnLTracker
	trades    *state.TradeCounter
	pending   *state.PendingStops

	lockouts *lockout.Manager
	timers   *sched.TimerWheel
	resets   *sched.ResetScheduler
	executor *enforce.Executor
	tradeLog TradeStore

	catalog []rules.Rule
	view    *rules.View

	accounts []types.AccountID
	workers  map[types.AccountID]*accountQueue

	connectTimeout time.Duration
	shutdownGrace  time.Duration

	logger *slog.Logger
	wg     sync.WaitGroup
}

// Deps carries the constructed components the dispatcher wires together.
type Deps struct {
	UserHub   *broker.Hub
	MarketHub *broker.Hub
	Tracker   *state.Tracker
	Quotes    *state.QuoteTracker
	Contracts *state.ContractCache
	PnL       *state.PnLTracker
	Trades    *state.TradeCounter
	Pending   *state.PendingStops
	Lockouts  *lockout.Manager
	Timers    *sched.TimerWheel
	Resets    *sched.ResetScheduler
	Executor  *enforce.Executor
	TradeLog  TradeStore
	Catalog   []rules.Rule

	Accounts       []types.AccountID
	ConnectTimeout time.Duration
	ShutdownGrace  time.Duration
}

// New builds the dispatcher and its per-account worker channels.
func New(d Deps, logger *slog.Logger) *Dispatcher {
	disp := &Dispatcher{
		userHub:        d.UserHub,
		marketHub:      d.MarketHub,
		tracker:        d.Tracker,
		quotes:         d.Quotes,
		contracts:      d.Contracts,
		pnl:            d.PnL,
		trades:         d.Trades,
		pending:        d.Pending,
		lockouts:       d.Lockouts,
		timers:         d.Timers,
		resets:         d.Resets,
		executor:       d.Executor,
		tradeLog:       d.TradeLog,
		catalog:        d.Catalog,
		accounts:       d.Accounts,
		workers:        make(map[types.AccountID]*accountQueue),
		connectTimeout: d.ConnectTimeout,
		shutdownGrace:  d.ShutdownGrace,
		logger:         logger.With("component", "dispatcher"),
	}
	disp.view = &rules.View{
		Tracker:   d.Tracker,
		PnL:       d.PnL,
		Trades:    d.Trades,
		Quotes:    d.Quotes,
		Contracts: d.Contracts,
		Pending:   d.Pending,
		Now:       time.Now,
	}
	for _, acct := range d.Accounts {
		disp.workers[acct] = newAccountQueue()
	}
	return disp
}

// Run starts hubs, workers, the executor pool, and the 1 Hz tick, then
// blocks routing events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Market-hub subscriptions follow the open-position set.
	d.tracker.OnPositionChange(d.onPositionChange)

	accountIDs := make([]string, len(d.accounts))
	for i, a := range d.accounts {
		accountIDs[i] = fmt.Sprintf("%d", a)
	}
	d.userHub.Subscribe(accountIDs)
	if ids := d.tracker.OpenContractIDs(); len(ids) > 0 {
		d.marketHub.Subscribe(ids)
	}

	hubCtx, cancelHubs := context.WithCancel(ctx)
	defer cancelHubs()

	hubErr := make(chan error, 2)
	go func() { hubErr <- d.userHub.Run(hubCtx) }()
	go func() { hubErr <- d.marketHub.Run(hubCtx) }()
	go d.executor.Run(hubCtx)

	for acct, q := range d.workers {
		d.wg.Add(1)
		go d.accountWorker(hubCtx, acct, q)
	}

	if err := d.waitConnected(ctx); err != nil {
		d.logger.Warn("hubs not connected within timeout, continuing", "error", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case err := <-hubErr:
			if err == broker.ErrAuthFailed {
				d.logger.Error("gateway authentication failed, shutting down")
				cancelHubs()
				d.shutdown()
				return err
			}
			if ctx.Err() == nil {
				d.logger.Error("hub exited", "error", err)
			}

		case ev := <-d.userHub.Events():
			d.route(ev)

		case ev := <-d.marketHub.Events():
			d.route(ev)

		case <-ticker.C:
			d.tick()
		}
	}
}

// waitConnected polls both hubs until connected or the timeout lapses.
func (d *Dispatcher) waitConnected(ctx context.Context) error {
	if d.connectTimeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(d.connectTimeout)
	for time.Now().Before(deadline) {
		if d.userHub.State() == broker.HubConnected && d.marketHub.State() == broker.HubConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("hubs not connected after %s (user=%s market=%s)",
		d.connectTimeout, d.userHub.State(), d.marketHub.State())
}

// route sends an event to its account worker. Quote events carry no
// account; they fan out to every supervised account holding the
// contract, after the tracker slot is updated exactly once.
func (d *Dispatcher) route(ev types.Event) {
	if ev.Type == types.EvQuote {
		d.quotes.Update(*ev.Quote)
		for acct, q := range d.workers {
			if d.tracker.ContractCount(acct, ev.Quote.ContractID) == 0 {
				continue
			}
			scoped := ev
			scoped.AccountID = acct
			d.send(acct, q, scoped)
		}
		return
	}

	q, ok := d.workers[ev.AccountID]
	if !ok {
		d.logger.Debug("event for unsupervised account", "account", ev.AccountID, "type", ev.Type.String())
		return
	}
	d.send(ev.AccountID, q, ev)
}

func (d *Dispatcher) send(acct types.AccountID, q *accountQueue, ev types.Event) {
	if shedType, shed := q.push(ev, accountQueueDepth); shed {
		d.logger.Warn("account backlog over depth, shedding event",
			"account", acct, "shed_type", shedType.String())
	}
}

// tick runs the 1 Hz machinery: timer sweep, lockout expiry, reset
// check, and a synthetic timer event per account so time-driven rules
// re-evaluate without market input.
func (d *Dispatcher) tick() {
	d.timers.Sweep()
	d.lockouts.CleanupExpired()
	d.resets.CheckNow()

	now := time.Now()
	for acct, q := range d.workers {
		d.send(acct, q, types.Event{Type: types.EvTimer, AccountID: acct, RxAt: now})
	}
}

func (d *Dispatcher) accountWorker(ctx context.Context, acct types.AccountID, q *accountQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			for {
				ev, ok := q.pop()
				if !ok {
					break
				}
				d.handle(ctx, ev)
			}
		}
	}
}

// handle processes one event end to end: prewarm metadata, apply tracker
// updates, evaluate the catalog, then submit every breach. A panicking
// rule or tracker is contained to this event.
func (d *Dispatcher) handle(ctx context.Context, ev types.Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("event handler panicked",
				"account", ev.AccountID, "type", ev.Type.String(), "panic", p)
		}
	}()

	d.prewarm(ctx, ev)
	d.apply(ev)

	var breaches []types.Breach
	for _, rule := range d.catalog {
		if !rules.Triggered(rule, ev.Type) {
			continue
		}
		breaches = append(breaches, rule.Check(ev, d.view)...)
	}

	for _, b := range breaches {
		d.logger.Warn("rule breach",
			"account", b.AccountID, "rule", b.RuleID, "action", string(b.Action), "reason", b.Reason)
		if err := d.executor.Submit(ctx, b); err != nil {
			d.logger.Error("submit breach", "account", b.AccountID, "rule", b.RuleID, "error", err)
		}
	}
}

// prewarm fetches contract metadata for the event's contract before any
// price math runs. A fetch failure is logged by the cache; rules skip
// what they cannot price.
func (d *Dispatcher) prewarm(ctx context.Context, ev types.Event) {
	var contractID string
	switch {
	case ev.Position != nil:
		contractID = ev.Position.ContractID
	case ev.Order != nil:
		contractID = ev.Order.ContractID
	case ev.Trade != nil:
		contractID = ev.Trade.ContractID
	case ev.Quote != nil:
		contractID = ev.Quote.ContractID
	}
	if contractID == "" {
		return
	}
	if c := d.contracts.Get(ctx, contractID); c == nil {
		d.logger.Warn("contract metadata unavailable", "contract", contractID)
	}
}

// apply feeds the event into the trackers.
func (d *Dispatcher) apply(ev types.Event) {
	switch ev.Type {
	case types.EvPosition:
		d.tracker.UpdatePosition(*ev.Position)

	case types.EvOrder:
		d.tracker.UpdateOrder(*ev.Order)

	case types.EvTrade:
		t := *ev.Trade
		if err := d.tradeLog.InsertTrade(t); err != nil {
			d.logger.Error("persist trade", "trade", t.ID, "error", err)
		}
		d.pnl.AddTradePnL(t)
		d.trades.Record(t.AccountID, t.Ts)

	case types.EvAccount:
		d.logger.Warn("account notification",
			"account", ev.AccountID, "kind", string(ev.Account.Kind), "detail", ev.Account.Detail)
	}
}

// onPositionChange keeps the market hub subscribed to exactly the
// contracts some supervised account still holds.
func (d *Dispatcher) onPositionChange(ch state.PositionChange) {
	contractID := ch.Position.ContractID
	if ch.Removed {
		for _, id := range d.tracker.OpenContractIDs() {
			if id == contractID {
				return // another position still references it
			}
		}
		d.marketHub.Unsubscribe([]string{contractID})
		return
	}
	d.marketHub.Subscribe([]string{contractID})
}

// shutdown drains in-flight work within the grace period.
func (d *Dispatcher) shutdown() error {
	d.logger.Info("dispatcher shutting down", "grace", d.shutdownGrace)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.shutdownGrace):
		d.logger.Warn("shutdown grace elapsed with workers still running")
	}

	d.userHub.Close()
	d.marketHub.Close()
	return nil
}
