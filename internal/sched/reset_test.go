package sched

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeResetStore struct {
	date string
}

func (s *fakeResetStore) SaveLastResetDate(hour, minute int, zone, date string) error {
	s.date = date
	return nil
}

func (s *fakeResetStore) LoadLastResetDate() (string, error) {
	return s.date, nil
}

func writeHolidays(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holidays.txt")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestScheduler(t *testing.T, store *fakeResetStore, holidaysPath string) *ResetScheduler {
	t.Helper()
	rs, err := NewResetScheduler(store, 17, 0, "America/New_York", holidaysPath, testLogger())
	if err != nil {
		t.Fatalf("NewResetScheduler: %v", err)
	}
	return rs
}

// eastern builds an instant at the given local New York time.
func eastern(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestResetFiresOncePerDate(t *testing.T) {
	t.Parallel()
	store := &fakeResetStore{}
	rs := newTestScheduler(t, store, "")

	fired := 0
	rs.OnReset(func(now time.Time) { fired++ })

	// Before reset time: nothing.
	rs.now = func() time.Time { return eastern(t, 2026, time.August, 24, 16, 59) }
	rs.CheckNow()
	if fired != 0 {
		t.Fatal("reset fired before scheduled time")
	}

	// At/after reset time: fires exactly once.
	rs.now = func() time.Time { return eastern(t, 2026, time.August, 24, 17, 0) }
	rs.CheckNow()
	rs.CheckNow()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
	if store.date != "2026-08-24" {
		t.Errorf("persisted guard = %q, want 2026-08-24", store.date)
	}

	// Next day fires again.
	rs.now = func() time.Time { return eastern(t, 2026, time.August, 25, 17, 5) }
	rs.CheckNow()
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

func TestResetGuardSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &fakeResetStore{date: "2026-08-24"}
	rs := newTestScheduler(t, store, "")

	fired := 0
	rs.OnReset(func(now time.Time) { fired++ })

	rs.now = func() time.Time { return eastern(t, 2026, time.August, 24, 18, 0) }
	rs.CheckNow()
	if fired != 0 {
		t.Error("restart must not replay the day's reset")
	}
}

func TestResetHolidaySkipKeepsGuard(t *testing.T) {
	t.Parallel()
	store := &fakeResetStore{}
	path := writeHolidays(t, "# exchange holidays\n2026-08-24\n")
	rs := newTestScheduler(t, store, path)

	fired := 0
	rs.OnReset(func(now time.Time) { fired++ })

	rs.now = func() time.Time { return eastern(t, 2026, time.August, 24, 17, 30) }
	rs.CheckNow()
	if fired != 0 {
		t.Error("reset fired on a holiday")
	}
	if store.date != "" {
		t.Error("holiday skip must not advance the guard")
	}
}

func TestLoadHolidaysRejectsMalformed(t *testing.T) {
	t.Parallel()
	path := writeHolidays(t, "2026-08-24\nnot-a-date\n")
	store := &fakeResetStore{}
	if _, err := NewResetScheduler(store, 17, 0, "America/New_York", path, testLogger()); err == nil {
		t.Error("malformed holiday line should fail construction")
	}
}

func TestNextResetAfter(t *testing.T) {
	t.Parallel()
	rs := newTestScheduler(t, &fakeResetStore{}, "")

	// Before today's reset: today 17:00.
	next := rs.NextResetAfter(eastern(t, 2026, time.August, 24, 10, 0))
	if want := eastern(t, 2026, time.August, 24, 17, 0); !next.Equal(want) {
		t.Errorf("NextResetAfter(10:00) = %s, want %s", next, want)
	}

	// Exactly at reset time: tomorrow (strictly after).
	next = rs.NextResetAfter(eastern(t, 2026, time.August, 24, 17, 0))
	if want := eastern(t, 2026, time.August, 25, 17, 0); !next.Equal(want) {
		t.Errorf("NextResetAfter(17:00) = %s, want %s", next, want)
	}
}

func TestNextResetAfterSkipsHolidays(t *testing.T) {
	t.Parallel()
	path := writeHolidays(t, "2026-08-25\n2026-08-26\n")
	rs := newTestScheduler(t, &fakeResetStore{}, path)

	next := rs.NextResetAfter(eastern(t, 2026, time.August, 24, 18, 0))
	if want := eastern(t, 2026, time.August, 27, 17, 0); !next.Equal(want) {
		t.Errorf("NextResetAfter over holidays = %s, want %s", next, want)
	}
}

func TestSessionDateRollsAtResetTime(t *testing.T) {
	t.Parallel()
	rs := newTestScheduler(t, &fakeResetStore{}, "")

	tests := []struct {
		at   time.Time
		want string
	}{
		{eastern(t, 2026, time.August, 24, 16, 59), "2026-08-23"},
		{eastern(t, 2026, time.August, 24, 17, 0), "2026-08-24"},
		{eastern(t, 2026, time.August, 25, 2, 0), "2026-08-24"},
	}
	for _, tt := range tests {
		if got := rs.SessionDate(tt.at); got != tt.want {
			t.Errorf("SessionDate(%s) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestTriggerNowHonorsGuards(t *testing.T) {
	t.Parallel()
	store := &fakeResetStore{}
	rs := newTestScheduler(t, store, "")

	fired := 0
	rs.OnReset(func(now time.Time) { fired++ })

	rs.now = func() time.Time { return eastern(t, 2026, time.August, 24, 9, 0) }
	if !rs.TriggerNow() {
		t.Error("manual trigger should fire on an unfired date")
	}
	if rs.TriggerNow() {
		t.Error("second manual trigger on the same date should be refused")
	}
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}
