package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/ScrapeForge/store"
)

// Trigger computes fire times for one scraper schedule. Interval schedules
// are drift-free: fire times stay aligned to the first fire, and missed
// fires coalesce into a single catch-up.
type Trigger struct {
	schedule store.TaskSchedule
	every    time.Duration
	cron     cron.Schedule
}

func NewTrigger(schedule store.TaskSchedule, crontab string) (*Trigger, error) {
	if schedule == store.ScheduleCrontab {
		sched, err := cron.ParseStandard(crontab)
		if err != nil {
			return nil, fmt.Errorf("parse crontab %q: %w", crontab, err)
		}
		return &Trigger{schedule: schedule, cron: sched}, nil
	}
	every, ok := scheduleInterval(schedule)
	if !ok {
		return nil, fmt.Errorf("schedule %q has no trigger", schedule)
	}
	return &Trigger{schedule: schedule, every: every}, nil
}

func scheduleInterval(s store.TaskSchedule) (time.Duration, bool) {
	switch s {
	case store.ScheduleEverySecond:
		return time.Second, true
	case store.ScheduleEveryMinute:
		return time.Minute, true
	case store.ScheduleEveryHour:
		return time.Hour, true
	case store.ScheduleEveryDay:
		return 24 * time.Hour, true
	case store.ScheduleEveryWeek:
		return 7 * 24 * time.Hour, true
	case store.ScheduleEveryMonth:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// ValidateCrontab reports whether expr is a parseable 5-field crontab.
func ValidateCrontab(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// First returns the initial fire time. Interval schedules fire immediately,
// crontabs wait for the next matching slot.
func (t *Trigger) First(now time.Time) time.Time {
	if t.cron != nil {
		return t.cron.Next(now)
	}
	return now
}

// Next returns the first fire time after now. prev is the previously
// scheduled fire; interval schedules advance from it in whole periods so
// the cadence does not drift, and skip everything but the last missed slot.
func (t *Trigger) Next(prev, now time.Time) time.Time {
	if t.cron != nil {
		return t.cron.Next(now)
	}
	if prev.IsZero() || !prev.Before(now) {
		return now.Add(t.every)
	}
	missed := now.Sub(prev) / t.every
	return prev.Add((missed + 1) * t.every)
}
