// Package enforce is the single point where the brokerage gateway is
// mutated. Rules emit breach descriptors; a bounded worker pool executes
// the demanded actions, serialized per account, with every attempt
// recorded in the durable enforcement log.
//
// Idempotence: the executor re-reads tracked state immediately before
// each action. Closing an already-closed position or cancelling an
// already-terminal order is a successful no-op.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riskd/internal/lockout"
	"riskd/internal/sched"
	"riskd/internal/state"
	"riskd/pkg/types"
)

// Gateway is the brokerage capability set the executor mutates through.
type Gateway interface {
	SearchOpenPositions(ctx context.Context, account types.AccountID) ([]types.Position, error)
	ClosePosition(ctx context.Context, account types.AccountID, contractID string) error
	ClosePositionPartial(ctx context.Context, account types.AccountID, contractID string, qty int64) (int64, error)
	CancelOrder(ctx context.Context, account types.AccountID, orderID string) error
	PlaceOrder(ctx context.Context, account types.AccountID, req types.OrderRequest) (string, error)
}

// LogStore appends enforcement records.
type LogStore interface {
	AppendEnforcement(rec types.EnforcementRecord) (int64, error)
}

// Executor services enforcement actions. Actions for the same account
// are serialized on a per-account mutex; different accounts proceed in
// parallel across the worker pool.
type Executor struct {
	gateway   Gateway
	tracker   *state.Tracker
	contracts *state.ContractCache
	pending   *state.PendingStops
	lockouts  *lockout.Manager
	timers    *sched.TimerWheel
	resets    *sched.ResetScheduler
	logStore  LogStore
	logger    *slog.Logger

	queue   chan types.Breach
	workers int

	accountMu sync.Mutex
	accounts  map[types.AccountID]*sync.Mutex

	now func() time.Time
}

// NewExecutor wires the executor. workers bounds the pool; queue depth
// is fixed at 4x the worker count.
func NewExecutor(
	gateway Gateway,
	tracker *state.Tracker,
	contracts *state.ContractCache,
	pending *state.PendingStops,
	lockouts *lockout.Manager,
	timers *sched.TimerWheel,
	resets *sched.ResetScheduler,
	logStore LogStore,
	workers int,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		gateway:   gateway,
		tracker:   tracker,
		contracts: contracts,
		pending:   pending,
		lockouts:  lockouts,
		timers:    timers,
		resets:    resets,
		logStore:  logStore,
		logger:    logger.With("component", "executor"),
		queue:     make(chan types.Breach, workers*4),
		workers:   workers,
		accounts:  make(map[types.AccountID]*sync.Mutex),
		now:       time.Now,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// actions finish before workers exit.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-e.queue:
					e.Execute(ctx, b)
				}
			}
		}()
	}
	wg.Wait()
}

// Submit queues a breach for enforcement. Blocks if the queue is full so
// breaches are never silently discarded.
func (e *Executor) Submit(ctx context.Context, b types.Breach) error {
	select {
	case e.queue <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) accountLock(account types.AccountID) *sync.Mutex {
	e.accountMu.Lock()
	defer e.accountMu.Unlock()
	mu, ok := e.accounts[account]
	if !ok {
		mu = &sync.Mutex{}
		e.accounts[account] = mu
	}
	return mu
}

// Execute runs one breach's action under the account mutex and records
// the outcome in the enforcement log.
func (e *Executor) Execute(ctx context.Context, b types.Breach) {
	mu := e.accountLock(b.AccountID)
	mu.Lock()
	defer mu.Unlock()

	start := e.now()
	var err error
	details := map[string]any{}

	switch b.Action {
	case types.ActionCloseAll:
		var closed, failed int
		closed, failed, err = e.CloseAllPositions(ctx, b.AccountID)
		details["closed"] = closed
		details["failed"] = failed

	case types.ActionCancelAll:
		var cancelled, failed int
		cancelled, failed, err = e.CancelAllOrders(ctx, b.AccountID)
		details["cancelled"] = cancelled
		details["failed"] = failed

	case types.ActionClosePosition:
		err = e.closePosition(ctx, b.AccountID, b.PositionID, b.ContractID)
		details["position"] = b.PositionID

	case types.ActionReduceToLimit:
		err = e.ReducePositionToLimit(ctx, b)
		details["contract"] = b.ContractID
		details["target_net"] = b.TargetNet

	case types.ActionCancelOrder:
		err = e.cancelOrder(ctx, b.AccountID, b.OrderID)
		details["order"] = b.OrderID

	case types.ActionPlaceStop:
		err = e.placeStop(ctx, b)
		details["position"] = b.PositionID
		details["offset_ticks"] = b.StopOffsetTicks

	case types.ActionLockout:
		e.applyLockout(b)
		details["kind"] = b.LockoutKind.String()

	case types.ActionLockoutPerm:
		e.lockouts.SetPermanent(b.AccountID, b.RuleID, b.Reason)
		details["kind"] = types.LockoutPermanent.String()

	default:
		err = fmt.Errorf("unknown action %q", b.Action)
	}

	if err != nil {
		e.logger.Error("enforcement failed",
			"account", b.AccountID, "rule", b.RuleID, "action", string(b.Action), "error", err)
		details["error"] = err.Error()
	}
	e.LogEnforcement(b, details, err == nil, e.now().Sub(start))
}

// CloseAllPositions closes every open position on the account. Failures
// on individual positions are logged but do not abort the loop; overall
// success means every close succeeded.
func (e *Executor) CloseAllPositions(ctx context.Context, account types.AccountID) (closed, failed int, err error) {
	positions := e.tracker.Positions(account)
	if len(positions) == 0 {
		return 0, 0, nil
	}

	for _, p := range positions {
		// Re-check right before acting; an earlier close in this loop or a
		// concurrent fill may already have flattened it.
		if _, ok := e.tracker.Position(account, p.ID); !ok {
			continue
		}
		if cerr := e.gateway.ClosePosition(ctx, account, p.ContractID); cerr != nil {
			e.logger.Error("close position failed",
				"account", account, "contract", p.ContractID, "error", cerr)
			failed++
			continue
		}
		closed++
	}
	if failed > 0 {
		return closed, failed, fmt.Errorf("close all: %d of %d positions failed", failed, closed+failed)
	}
	e.logger.Warn("all positions closed", "account", account, "count", closed)
	return closed, 0, nil
}

// CancelAllOrders cancels every working order on the account.
func (e *Executor) CancelAllOrders(ctx context.Context, account types.AccountID) (cancelled, failed int, err error) {
	orders := e.tracker.Orders(account)
	if len(orders) == 0 {
		return 0, 0, nil
	}

	for _, o := range orders {
		if cerr := e.gateway.CancelOrder(ctx, account, o.ID); cerr != nil {
			e.logger.Error("cancel order failed",
				"account", account, "order", o.ID, "error", cerr)
			failed++
			continue
		}
		cancelled++
	}
	if failed > 0 {
		return cancelled, failed, fmt.Errorf("cancel all: %d of %d orders failed", failed, cancelled+failed)
	}
	e.logger.Warn("all orders cancelled", "account", account, "count", cancelled)
	return cancelled, 0, nil
}

// closePosition closes one position if it is still tracked. An already
// closed position is a successful no-op.
func (e *Executor) closePosition(ctx context.Context, account types.AccountID, positionID, contractID string) error {
	p, ok := e.tracker.Position(account, positionID)
	if !ok {
		e.logger.Info("position already closed, skipping", "account", account, "position", positionID)
		return nil
	}
	if contractID == "" {
		contractID = p.ContractID
	}
	return e.gateway.ClosePosition(ctx, account, contractID)
}

// ReducePositionToLimit partially closes positions until the breach's
// counted scope is back at the target. The scope spans every contract
// of the breach's symbol, or the whole account when no symbol is named;
// the contract that surfaced the overage is reduced first, then the
// rest until the count lands on the target. Already at or under is a
// no-op.
func (e *Executor) ReducePositionToLimit(ctx context.Context, b types.Breach) error {
	positions := e.tracker.Positions(b.AccountID)
	if b.SymbolID != "" {
		scoped := make([]types.Position, 0, len(positions))
		for _, p := range positions {
			c := e.contracts.Get(ctx, p.ContractID)
			if c != nil && c.SymbolID == b.SymbolID {
				scoped = append(scoped, p)
			}
		}
		positions = scoped
	}

	var long, short int64
	for _, p := range positions {
		if p.Side == types.Long {
			long += p.Size
		} else {
			short += p.Size
		}
	}

	// Net counting only comes down by shedding the dominant side; gross
	// counting comes down by shedding anything.
	current := long + short
	reducible := func(types.Position) bool { return true }
	if b.CountType == "net" {
		net := long - short
		side := types.Long
		if net < 0 {
			net, side = -net, types.Short
		}
		current = net
		reducible = func(p types.Position) bool { return p.Side == side }
	}
	if current <= b.TargetNet {
		return nil
	}
	excess := current - b.TargetNet

	avail := make(map[string]int64)
	var order []string
	if b.ContractID != "" {
		order = append(order, b.ContractID)
		avail[b.ContractID] = 0
	}
	for _, p := range positions {
		if !reducible(p) {
			continue
		}
		if _, ok := avail[p.ContractID]; !ok {
			order = append(order, p.ContractID)
		}
		avail[p.ContractID] += p.Size
	}

	for _, contractID := range order {
		if excess == 0 {
			break
		}
		qty := avail[contractID]
		if qty == 0 {
			continue
		}
		if qty > excess {
			qty = excess
		}
		newSize, err := e.gateway.ClosePositionPartial(ctx, b.AccountID, contractID, qty)
		if err != nil {
			return err
		}
		excess -= qty
		e.logger.Warn("position reduced toward limit",
			"account", b.AccountID, "contract", contractID, "closed", qty,
			"target", b.TargetNet, "reported_size", newSize)
	}
	if excess > 0 {
		return fmt.Errorf("reduce to limit: %d contracts of excess remain", excess)
	}
	return nil
}

// cancelOrder cancels one order if still tracked; terminal is a no-op.
func (e *Executor) cancelOrder(ctx context.Context, account types.AccountID, orderID string) error {
	found := false
	for _, o := range e.tracker.Orders(account) {
		if o.ID == orderID {
			found = true
			break
		}
	}
	if !found {
		e.logger.Info("order already terminal, skipping", "account", account, "order", orderID)
		return nil
	}
	return e.gateway.CancelOrder(ctx, account, orderID)
}

// placeStop submits a protective stop offsetTicks from entry, on the
// loss side of the position.
func (e *Executor) placeStop(ctx context.Context, b types.Breach) error {
	p, ok := e.tracker.Position(b.AccountID, b.PositionID)
	if !ok {
		e.logger.Info("position gone before stop placement", "account", b.AccountID, "position", b.PositionID)
		return nil
	}

	contract := e.contracts.Get(ctx, p.ContractID)
	if contract == nil {
		return fmt.Errorf("contract metadata unavailable for %s", p.ContractID)
	}

	stopPrice, side := state.StopFor(p, *contract, b.StopOffsetTicks)
	orderID, err := e.gateway.PlaceOrder(ctx, b.AccountID, types.OrderRequest{
		ContractID: p.ContractID,
		Type:       types.OrderStop,
		Side:       side,
		Size:       p.Size,
		StopPrice:  stopPrice,
	})
	if err != nil {
		return err
	}

	e.pending.Satisfy(p.ID)
	e.logger.Info("protective stop placed",
		"account", b.AccountID, "position", p.ID, "order", orderID, "stop_price", stopPrice.String())
	return nil
}

// applyLockout installs the lockout and keeps the cooldown timer in sync:
// a cooldown lockout always has a matching cooldown_<acct> timer whose
// expiry clears it.
func (e *Executor) applyLockout(b types.Breach) {
	account := b.AccountID

	if b.LockoutKind == types.LockoutCooldown {
		d := b.LockoutFor
		e.lockouts.Apply(account, b.RuleID, b.Reason, d, types.LockoutCooldown)
		e.timers.Start(fmt.Sprintf("cooldown_%d", account), d, func() {
			e.lockouts.Remove(account)
		})
		return
	}

	if b.LockoutFor > 0 {
		e.lockouts.Apply(account, b.RuleID, b.Reason, b.LockoutFor, types.LockoutHard)
		return
	}
	// Zero duration locks until the next daily reset.
	until := e.resets.NextResetAfter(e.now())
	e.lockouts.Set(account, b.RuleID, b.Reason, &until, types.LockoutHard)
}

// RemoveLockout clears a lockout on admin request and records it.
func (e *Executor) RemoveLockout(account types.AccountID, reason string) bool {
	removed := e.lockouts.Remove(account)
	e.timers.Cancel(fmt.Sprintf("cooldown_%d", account))
	e.LogEnforcement(types.Breach{
		RuleID:    "admin",
		AccountID: account,
		Action:    "remove_lockout",
		Reason:    reason,
	}, map[string]any{"removed": removed}, true, 0)
	return removed
}

// LogEnforcement appends one row to the durable enforcement log.
func (e *Executor) LogEnforcement(b types.Breach, details map[string]any, success bool, took time.Duration) {
	payload, _ := json.Marshal(details)
	_, err := e.logStore.AppendEnforcement(types.EnforcementRecord{
		Ts:          e.now(),
		AccountID:   b.AccountID,
		RuleID:      b.RuleID,
		Action:      string(b.Action),
		Reason:      b.Reason,
		Details:     string(payload),
		Success:     success,
		ExecutionMs: took.Milliseconds(),
	})
	if err != nil {
		e.logger.Error("append enforcement log", "account", b.AccountID, "rule", b.RuleID, "error", err)
	}
}
