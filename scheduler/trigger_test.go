package scheduler

import (
	"testing"
	"time"

	"github.com/itskum47/ScrapeForge/store"
)

func TestNewTriggerRejectsBrokenSchedules(t *testing.T) {
	if _, err := NewTrigger(store.ScheduleInactive, ""); err == nil {
		t.Error("inactive schedule should not build a trigger")
	}
	if _, err := NewTrigger(store.ScheduleCrontab, "not a crontab"); err == nil {
		t.Error("broken crontab accepted")
	}
	if _, err := NewTrigger(store.ScheduleCrontab, "*/5 * * * *"); err != nil {
		t.Errorf("valid crontab rejected: %v", err)
	}
}

func TestIntervalTriggerFiresImmediatelyThenKeepsCadence(t *testing.T) {
	trigger, err := NewTrigger(store.ScheduleEveryMinute, "")
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	first := trigger.First(now)
	if !first.Equal(now) {
		t.Errorf("interval trigger should be due immediately, got %s", first)
	}

	// Evaluated 2s after the scheduled slot: next stays aligned to the
	// slot, not to the evaluation time.
	next := trigger.Next(first, now.Add(2*time.Second))
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Errorf("expected drift-free next %s, got %s", want, next)
	}
}

func TestIntervalTriggerCoalescesMissedFires(t *testing.T) {
	trigger, _ := NewTrigger(store.ScheduleEveryMinute, "")
	prev := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// The scheduler was down for 10 minutes. One catch-up fire happens at
	// evaluation time; the next slot is the first aligned one after now.
	now := prev.Add(10*time.Minute + 30*time.Second)
	next := trigger.Next(prev, now)
	if want := prev.Add(11 * time.Minute); !next.Equal(want) {
		t.Errorf("expected coalesced next %s, got %s", want, next)
	}
	if !next.After(now) {
		t.Error("next fire must be strictly after now")
	}
}

func TestCrontabTrigger(t *testing.T) {
	trigger, err := NewTrigger(store.ScheduleCrontab, "0 3 * * *")
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	first := trigger.First(now)
	if want := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC); !first.Equal(want) {
		t.Errorf("expected first fire %s, got %s", want, first)
	}

	next := trigger.Next(first, first.Add(time.Second))
	if want := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected next fire %s, got %s", want, next)
	}
}

func TestEveryMonthInterval(t *testing.T) {
	trigger, err := NewTrigger(store.ScheduleEveryMonth, "")
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	next := trigger.Next(now, now)
	if want := now.Add(30 * 24 * time.Hour); !next.Equal(want) {
		t.Errorf("expected 30 day interval, got %s", next.Sub(now))
	}
}
