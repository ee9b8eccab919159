package enforce

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskd/internal/lockout"
	"riskd/internal/sched"
	"riskd/internal/state"
	"riskd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway records mutation calls and can be told to fail.
type fakeGateway struct {
	closed    []string // contract ids
	partials  map[string]int64
	cancelled []string
	placed    []types.OrderRequest
	failClose bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{partials: make(map[string]int64)}
}

func (g *fakeGateway) SearchOpenPositions(ctx context.Context, account types.AccountID) ([]types.Position, error) {
	return nil, nil
}

func (g *fakeGateway) ClosePosition(ctx context.Context, account types.AccountID, contractID string) error {
	if g.failClose {
		return errors.New("gateway rejected close")
	}
	g.closed = append(g.closed, contractID)
	return nil
}

func (g *fakeGateway) ClosePositionPartial(ctx context.Context, account types.AccountID, contractID string, qty int64) (int64, error) {
	g.partials[contractID] += qty
	return 0, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, account types.AccountID, orderID string) error {
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, account types.AccountID, req types.OrderRequest) (string, error) {
	g.placed = append(g.placed, req)
	return "stop-1", nil
}

type memTrackerStore struct{}

func (memTrackerStore) SavePosition(types.Position) error        { return nil }
func (memTrackerStore) DeletePosition(string) error              { return nil }
func (memTrackerStore) LoadPositions() ([]types.Position, error) { return nil, nil }
func (memTrackerStore) SaveOrder(types.Order) error              { return nil }
func (memTrackerStore) DeleteOrder(string) error                 { return nil }
func (memTrackerStore) LoadOrders() ([]types.Order, error)       { return nil, nil }

type memLockoutStore struct{}

func (memLockoutStore) SaveLockout(types.Lockout) error          { return nil }
func (memLockoutStore) DeleteLockout(types.AccountID) error      { return nil }
func (memLockoutStore) LoadLockouts(time.Time) ([]types.Lockout, error) {
	return nil, nil
}

type memResetStore struct{}

func (memResetStore) SaveLastResetDate(int, int, string, string) error { return nil }
func (memResetStore) LoadLastResetDate() (string, error)               { return "", nil }

type memContractStore struct {
	contracts []types.Contract
	ats       []time.Time
}

func (s *memContractStore) SaveContract(c types.Contract, at time.Time) error {
	s.contracts = append(s.contracts, c)
	s.ats = append(s.ats, at)
	return nil
}

func (s *memContractStore) LoadContracts(int) ([]types.Contract, []time.Time, error) {
	return s.contracts, s.ats, nil
}

type noFetcher struct{}

func (noFetcher) GetContractByID(context.Context, string) (*types.Contract, error) {
	return nil, errors.New("no fetcher in tests")
}

type memLogStore struct {
	mu      sync.Mutex
	records []types.EnforcementRecord
}

func (s *memLogStore) AppendEnforcement(rec types.EnforcementRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return int64(len(s.records)), nil
}

func (s *memLogStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type harness struct {
	exec     *Executor
	gateway  *fakeGateway
	tracker  *state.Tracker
	pending  *state.PendingStops
	lockouts *lockout.Manager
	timers   *sched.TimerWheel
	log      *memLogStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	gateway := newFakeGateway()
	tracker := state.NewTracker(memTrackerStore{}, logger)
	pending := state.NewPendingStops(tracker)

	cs := &memContractStore{}
	_ = cs.SaveContract(types.Contract{
		ID: "c1", SymbolID: "MNQ",
		TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(0.5),
	}, time.Now())
	_ = cs.SaveContract(types.Contract{
		ID: "c2", SymbolID: "MNQ",
		TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(0.5),
	}, time.Now())
	_ = cs.SaveContract(types.Contract{
		ID: "c3", SymbolID: "ES",
		TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(12.5),
	}, time.Now())
	contracts := state.NewContractCache(noFetcher{}, cs, 100, time.Hour, time.Second, logger)
	if err := contracts.Warm(); err != nil {
		t.Fatal(err)
	}

	lockouts := lockout.NewManager(memLockoutStore{}, logger)
	timers := sched.NewTimerWheel(logger)
	resets, err := sched.NewResetScheduler(memResetStore{}, 17, 0, "America/New_York", "", logger)
	if err != nil {
		t.Fatal(err)
	}
	log := &memLogStore{}

	exec := NewExecutor(gateway, tracker, contracts, pending, lockouts, timers, resets, log, 2, logger)
	return &harness{
		exec: exec, gateway: gateway, tracker: tracker, pending: pending,
		lockouts: lockouts, timers: timers, log: log,
	}
}

func (h *harness) position(id string, contractID string, side types.PositionSide, size int64) types.Position {
	p := types.Position{
		ID: id, AccountID: 1, ContractID: contractID, Side: side, Size: size,
		AveragePrice: decimal.NewFromInt(21000), CreatedAt: time.Now(),
	}
	h.tracker.UpdatePosition(p)
	return p
}

func TestExecuteCloseAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c1", types.Long, 2)
	h.position("p2", "c2", types.Short, 1)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R3", AccountID: 1, Action: types.ActionCloseAll, Reason: "loss limit",
	})

	if len(h.gateway.closed) != 2 {
		t.Errorf("closed = %v, want both contracts", h.gateway.closed)
	}
	if len(h.log.records) != 1 {
		t.Fatalf("log records = %d, want 1", len(h.log.records))
	}
	rec := h.log.records[0]
	if rec.RuleID != "R3" || rec.Action != "close_all" || !rec.Success {
		t.Errorf("record = %+v", rec)
	}
}

func TestExecuteCloseAllEmptyAccountIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R3", AccountID: 1, Action: types.ActionCloseAll, Reason: "loss limit",
	})

	if len(h.gateway.closed) != 0 {
		t.Errorf("gateway called on empty account: %v", h.gateway.closed)
	}
	if len(h.log.records) != 1 || !h.log.records[0].Success {
		t.Error("no-op close_all should still log success")
	}
}

func TestExecuteCloseAllRecordsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c1", types.Long, 2)
	h.gateway.failClose = true

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R3", AccountID: 1, Action: types.ActionCloseAll, Reason: "loss limit",
	})

	if len(h.log.records) != 1 || h.log.records[0].Success {
		t.Error("failed close_all should log an unsuccessful record")
	}
}

func TestExecuteClosePositionAlreadyClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R8", AccountID: 1, Action: types.ActionClosePosition,
		PositionID: "ghost", ContractID: "c1", Reason: "no stop",
	})

	if len(h.gateway.closed) != 0 {
		t.Errorf("gateway called for an untracked position: %v", h.gateway.closed)
	}
	if !h.log.records[0].Success {
		t.Error("already-closed position must log a successful no-op")
	}
}

func TestExecuteCancelAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tracker.UpdateOrder(types.Order{
		ID: "o1", AccountID: 1, ContractID: "c1", Status: types.StatusOpen, Size: 1,
	})
	h.tracker.UpdateOrder(types.Order{
		ID: "o2", AccountID: 1, ContractID: "c1", Status: types.StatusPending, Size: 1,
	})

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R10", AccountID: 1, Action: types.ActionCancelAll, Reason: "auth lost",
	})

	if len(h.gateway.cancelled) != 2 {
		t.Errorf("cancelled = %v, want both orders", h.gateway.cancelled)
	}
}

func TestExecuteCancelOrderTerminalIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R9", AccountID: 1, Action: types.ActionCancelOrder,
		OrderID: "gone", Reason: "outside session",
	})

	if len(h.gateway.cancelled) != 0 {
		t.Errorf("gateway called for a terminal order: %v", h.gateway.cancelled)
	}
	if !h.log.records[0].Success {
		t.Error("terminal order cancel must log a successful no-op")
	}
}

func TestExecuteReduceToLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c1", types.Long, 5)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R1", AccountID: 1, Action: types.ActionReduceToLimit,
		ContractID: "c1", TargetNet: 3, CountType: "net", Reason: "over limit",
	})

	if got := h.gateway.partials["c1"]; got != 2 {
		t.Errorf("partial close qty = %d, want 2", got)
	}

	// Already at target: no gateway call.
	h.position("p1", "c1", types.Long, 3)
	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R1", AccountID: 1, Action: types.ActionReduceToLimit,
		ContractID: "c1", TargetNet: 3, CountType: "net", Reason: "over limit",
	})
	if got := h.gateway.partials["c1"]; got != 2 {
		t.Errorf("partial close qty after no-op = %d, want unchanged 2", got)
	}
}

func TestExecuteReduceToLimitSpansContracts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Long 3 + 3 across two contracts, account limit 5. Neither contract
	// alone is over, so the overage must come down across the account.
	h.position("p1", "c1", types.Long, 3)
	h.position("p2", "c2", types.Long, 3)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R1", AccountID: 1, Action: types.ActionReduceToLimit,
		ContractID: "c2", TargetNet: 5, CountType: "net", Reason: "over limit",
	})

	total := h.gateway.partials["c1"] + h.gateway.partials["c2"]
	if total != 1 {
		t.Errorf("partial close total = %d, want exactly the 1-contract excess", total)
	}
	// The contract that surfaced the overage sheds first.
	if got := h.gateway.partials["c2"]; got != 1 {
		t.Errorf("event contract partial = %d, want 1", got)
	}
	if !h.log.records[0].Success {
		t.Error("cross-contract reduce should log success")
	}
}

func TestExecuteReduceToLimitNetShedsDominantSide(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Net = |4 - 1| = 3 with target 2: only the long side brings it down.
	h.position("p1", "c1", types.Long, 4)
	h.position("p2", "c2", types.Short, 1)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R1", AccountID: 1, Action: types.ActionReduceToLimit,
		ContractID: "c1", TargetNet: 2, CountType: "net", Reason: "over limit",
	})

	if got := h.gateway.partials["c1"]; got != 1 {
		t.Errorf("long side partial = %d, want 1", got)
	}
	if got := h.gateway.partials["c2"]; got != 0 {
		t.Errorf("short side partial = %d, want 0 (closing it raises net)", got)
	}
}

func TestExecuteReduceToLimitSymbolScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Two MNQ contract ids over a symbol limit of 3; the ES position is
	// out of scope and untouched.
	h.position("p1", "c1", types.Long, 2)
	h.position("p2", "c2", types.Long, 2)
	h.position("p3", "c3", types.Long, 4)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R2", AccountID: 1, Action: types.ActionReduceToLimit,
		ContractID: "c1", TargetNet: 3, SymbolID: "MNQ", CountType: "gross",
		Reason: "symbol over limit",
	})

	total := h.gateway.partials["c1"] + h.gateway.partials["c2"]
	if total != 1 {
		t.Errorf("MNQ partial total = %d, want 1", total)
	}
	if got := h.gateway.partials["c3"]; got != 0 {
		t.Errorf("ES partial = %d, want 0 (different symbol)", got)
	}
}

func TestExecutePlaceStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c1", types.Long, 2)

	if !h.pending.Contains("p1") {
		t.Fatal("fresh position should be pending a stop")
	}

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R12", AccountID: 1, Action: types.ActionPlaceStop,
		PositionID: "p1", ContractID: "c1", StopOffsetTicks: 10, Reason: "auto stop",
	})

	if len(h.gateway.placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(h.gateway.placed))
	}
	req := h.gateway.placed[0]
	if req.Type != types.OrderStop || req.Side != types.Sell || req.Size != 2 {
		t.Errorf("stop request = %+v", req)
	}
	// 10 ticks * 0.25 below 21000.
	if !req.StopPrice.Equal(decimal.NewFromFloat(20997.5)) {
		t.Errorf("stop price = %s, want 20997.5", req.StopPrice)
	}
	if h.pending.Contains("p1") {
		t.Error("placed stop should satisfy the pending entry")
	}
}

func TestExecutePlaceStopMissingMetadataFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c9", types.Long, 1) // no metadata for c9

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R12", AccountID: 1, Action: types.ActionPlaceStop,
		PositionID: "p1", ContractID: "c9", StopOffsetTicks: 10, Reason: "auto stop",
	})

	if len(h.gateway.placed) != 0 {
		t.Error("stop placed without tick metadata")
	}
	if h.log.records[0].Success {
		t.Error("metadata failure should log unsuccessful")
	}
}

func TestExecuteCooldownLockoutPairsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R6", AccountID: 1, Action: types.ActionLockout,
		LockoutFor: 15 * time.Minute, LockoutKind: types.LockoutCooldown,
		Reason: "too many trades",
	})

	if !h.lockouts.IsLockedOut(1) {
		t.Fatal("cooldown lockout not applied")
	}
	if !h.timers.IsActive("cooldown_1") {
		t.Fatal("cooldown lockout without its timer")
	}

	// Timer expiry clears the lockout.
	h.timers.Cancel("cooldown_1")
	h.timers.Start("cooldown_1", -time.Second, func() { h.lockouts.Remove(1) })
	h.timers.Sweep()
	if h.lockouts.IsLockedOut(1) {
		t.Error("lockout should clear when the cooldown timer fires")
	}
}

func TestExecuteHardLockoutUntilNextReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R3", AccountID: 1, Action: types.ActionLockout,
		LockoutKind: types.LockoutHard, Reason: "daily loss", // zero duration
	})

	l := h.lockouts.Get(1)
	if l == nil {
		t.Fatal("hard lockout not applied")
	}
	if l.Until == nil {
		t.Fatal("zero-duration hard lockout must expire at the next reset, not never")
	}
	if !l.Until.After(time.Now()) {
		t.Errorf("Until = %s, want a future reset instant", l.Until)
	}
	if l.Kind != types.LockoutHard {
		t.Errorf("Kind = %v, want hard", l.Kind)
	}
}

func TestExecutePermanentLockout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R10", AccountID: 1, Action: types.ActionLockoutPerm, Reason: "auth lost",
	})

	l := h.lockouts.Get(1)
	if l == nil || l.Until != nil || l.Kind != types.LockoutPermanent {
		t.Errorf("lockout = %+v, want permanent", l)
	}
}

func TestRemoveLockoutCancelsCooldownTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.exec.Execute(context.Background(), types.Breach{
		RuleID: "R6", AccountID: 1, Action: types.ActionLockout,
		LockoutFor: 15 * time.Minute, LockoutKind: types.LockoutCooldown,
		Reason: "too many trades",
	})

	if !h.exec.RemoveLockout(1, "operator override") {
		t.Error("RemoveLockout should report removal")
	}
	if h.lockouts.IsLockedOut(1) {
		t.Error("account still locked after removal")
	}
	if h.timers.IsActive("cooldown_1") {
		t.Error("cooldown timer must be cancelled with its lockout")
	}
}

func TestSubmitAndRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.position("p1", "c1", types.Long, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.exec.Run(ctx)
		close(done)
	}()

	if err := h.exec.Submit(ctx, types.Breach{
		RuleID: "R3", AccountID: 1, Action: types.ActionCloseAll, Reason: "loss limit",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for h.log.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("breach not executed within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
