package sched

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ResetStore persists the at-most-once-per-date firing guard so a
// restart cannot replay the day's reset.
type ResetStore interface {
	SaveLastResetDate(hour, minute int, zone, date string) error
	LoadLastResetDate() (string, error)
}

// ResetCallback runs on each daily reset. Callbacks are registered by
// the P&L tracker, trade counter, and lockout manager; the scheduler
// never imports them directly.
type ResetCallback func(now time.Time)

// ResetScheduler fires the daily session reset at a configured
// wall-clock time in a named zone.
//
// Idempotence: once fired for a calendar date in its zone, it will not
// fire again until the next date, across restarts (guard is persisted).
// Holidays: when today's date is in the holiday set, the reset is
// skipped and the guard is NOT advanced, so an operator removing the
// holiday entry mid-day still gets the reset.
type ResetScheduler struct {
	store  ResetStore
	logger *slog.Logger

	hour     int
	minute   int
	loc      *time.Location
	zone     string
	holidays map[string]bool

	cron *cron.Cron

	mu            sync.Mutex
	lastResetDate string
	callbacks     []ResetCallback

	now func() time.Time
}

// NewResetScheduler builds a scheduler for the given wall-clock time and
// IANA zone. holidaysPath may be empty (no holidays).
func NewResetScheduler(store ResetStore, hour, minute int, zone, holidaysPath string, logger *slog.Logger) (*ResetScheduler, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", zone, err)
	}

	holidays := make(map[string]bool)
	if holidaysPath != "" {
		holidays, err = loadHolidays(holidaysPath)
		if err != nil {
			return nil, fmt.Errorf("load holidays: %w", err)
		}
	}

	lastDate, err := store.LoadLastResetDate()
	if err != nil {
		return nil, err
	}

	rs := &ResetScheduler{
		store:         store,
		logger:        logger.With("component", "reset_scheduler"),
		hour:          hour,
		minute:        minute,
		loc:           loc,
		zone:          zone,
		holidays:      holidays,
		lastResetDate: lastDate,
		now:           time.Now,
	}
	rs.cron = cron.New(cron.WithLocation(loc))
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := rs.cron.AddFunc(spec, func() { rs.CheckNow() }); err != nil {
		return nil, fmt.Errorf("schedule reset: %w", err)
	}
	return rs, nil
}

// OnReset registers a callback invoked on every fired reset, in
// registration order.
func (rs *ResetScheduler) OnReset(fn ResetCallback) {
	rs.mu.Lock()
	rs.callbacks = append(rs.callbacks, fn)
	rs.mu.Unlock()
}

// Start begins the cron schedule.
func (rs *ResetScheduler) Start() {
	rs.cron.Start()
	rs.logger.Info("daily reset scheduled",
		"time", fmt.Sprintf("%02d:%02d", rs.hour, rs.minute), "zone", rs.zone)
}

// Cancel stops the schedule and waits for an in-flight fire to finish.
func (rs *ResetScheduler) Cancel() {
	ctx := rs.cron.Stop()
	<-ctx.Done()
}

// IsHoliday reports whether the date (in the scheduler's zone) is in the
// holiday set.
func (rs *ResetScheduler) IsHoliday(t time.Time) bool {
	return rs.holidays[t.In(rs.loc).Format("2006-01-02")]
}

// NextResetAfter returns the next reset instant strictly after t,
// skipping holidays. Lockout rules use this to compute "until next
// reset" expiries.
func (rs *ResetScheduler) NextResetAfter(t time.Time) time.Time {
	local := t.In(rs.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), rs.hour, rs.minute, 0, 0, rs.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for rs.IsHoliday(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// CheckNow fires the reset if wall-clock time in the zone has reached
// the scheduled time on a date that has not fired yet. Called by the
// cron entry at the scheduled instant, by the 1 Hz sweep as a catch-up
// (daemon started after reset time), and by TriggerNow.
func (rs *ResetScheduler) CheckNow() {
	now := rs.now().In(rs.loc)
	today := now.Format("2006-01-02")

	scheduled := time.Date(now.Year(), now.Month(), now.Day(), rs.hour, rs.minute, 0, 0, rs.loc)
	if now.Before(scheduled) {
		return
	}
	rs.fire(now, today, false)
}

// TriggerNow fires the reset immediately, honoring the same once-per-
// date and holiday guards as the schedule.
func (rs *ResetScheduler) TriggerNow() bool {
	now := rs.now().In(rs.loc)
	return rs.fire(now, now.Format("2006-01-02"), true)
}

func (rs *ResetScheduler) fire(now time.Time, date string, manual bool) bool {
	rs.mu.Lock()
	if rs.lastResetDate == date {
		rs.mu.Unlock()
		return false
	}
	if rs.holidays[date] {
		rs.mu.Unlock()
		rs.logger.Info("reset skipped, holiday", "date", date)
		return false
	}
	rs.lastResetDate = date
	callbacks := make([]ResetCallback, len(rs.callbacks))
	copy(callbacks, rs.callbacks)
	rs.mu.Unlock()

	if err := rs.store.SaveLastResetDate(rs.hour, rs.minute, rs.zone, date); err != nil {
		rs.logger.Error("persist reset date", "error", err)
	}

	rs.logger.Info("daily reset firing", "date", date, "manual", manual)
	for _, fn := range callbacks {
		fn(now)
	}
	return true
}

// SessionDate returns the session-day string for an instant: the day
// rolls at the reset time, not at midnight, so 02:00 belongs to the
// previous calendar date's session.
func (rs *ResetScheduler) SessionDate(t time.Time) string {
	local := t.In(rs.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), rs.hour, rs.minute, 0, 0, rs.loc)
	if local.Before(boundary) {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// loadHolidays reads one YYYY-MM-DD date per line; blank lines and
// #-comments are skipped. Malformed dates fail loading so a typo is
// caught at startup rather than silently never matching.
func loadHolidays(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	holidays := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, s)
		}
		holidays[s] = true
	}
	return holidays, scanner.Err()
}
