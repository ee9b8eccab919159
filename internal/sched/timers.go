// Package sched owns the daemon's time machinery: the named timer wheel
// (cooldowns, stop-loss grace, periodic sweeps) and the daily session
// reset scheduler.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type timer struct {
	name      string
	expiresAt time.Time
	callback  func()
}

// TimerWheel runs named countdowns. A single 1 Hz sweep finds expired
// timers, removes them, and invokes their callbacks outside the internal
// lock so a callback may start or cancel timers without deadlocking.
// Starting a timer under an existing name replaces it.
type TimerWheel struct {
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*timer

	now func() time.Time
}

// NewTimerWheel creates an empty wheel. Run must be started for timers
// to fire.
func NewTimerWheel(logger *slog.Logger) *TimerWheel {
	return &TimerWheel{
		logger: logger.With("component", "timers"),
		timers: make(map[string]*timer),
		now:    time.Now,
	}
}

// Run sweeps once per second until ctx is cancelled.
func (tw *TimerWheel) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tw.Sweep()
		}
	}
}

// Start registers a named countdown. The callback may be nil. A second
// Start under the same name replaces the earlier timer.
func (tw *TimerWheel) Start(name string, d time.Duration, callback func()) {
	tw.mu.Lock()
	tw.timers[name] = &timer{
		name:      name,
		expiresAt: tw.now().Add(d),
		callback:  callback,
	}
	tw.mu.Unlock()
}

// Cancel removes a timer before expiry. Returns whether it existed.
func (tw *TimerWheel) Cancel(name string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	_, ok := tw.timers[name]
	delete(tw.timers, name)
	return ok
}

// Remaining returns the time left on a timer, zero if it is not active.
func (tw *TimerWheel) Remaining(name string) time.Duration {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	t, ok := tw.timers[name]
	if !ok {
		return 0
	}
	rem := t.expiresAt.Sub(tw.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// IsActive reports whether a timer with the name is registered.
func (tw *TimerWheel) IsActive(name string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	_, ok := tw.timers[name]
	return ok
}

// Active returns the names of all registered timers.
func (tw *TimerWheel) Active() []string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	out := make([]string, 0, len(tw.timers))
	for name := range tw.timers {
		out = append(out, name)
	}
	return out
}

// Sweep fires and removes every expired timer. Callbacks run outside the
// lock; a panicking callback is logged and swallowed so one bad callback
// cannot take down the sweep loop.
func (tw *TimerWheel) Sweep() {
	now := tw.now()

	tw.mu.Lock()
	var fired []*timer
	for name, t := range tw.timers {
		if !t.expiresAt.After(now) {
			fired = append(fired, t)
			delete(tw.timers, name)
		}
	}
	tw.mu.Unlock()

	for _, t := range fired {
		if t.callback == nil {
			continue
		}
		tw.invoke(t)
	}
}

func (tw *TimerWheel) invoke(t *timer) {
	defer func() {
		if p := recover(); p != nil {
			tw.logger.Error("timer callback panicked", "timer", t.name, "panic", p)
		}
	}()
	t.callback()
}
