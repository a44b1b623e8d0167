package store

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
// Transitions: PENDING -> STARTED -> (SUCCEEDED | FAILED | KILLED | DEAD).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStarted   TaskStatus = "started"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskKilled    TaskStatus = "killed"
	TaskDead      TaskStatus = "dead"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskKilled, TaskDead:
		return true
	}
	return false
}

// TaskPriority orders dequeueing. Lower value wins.
type TaskPriority int

const (
	PriorityUtmost TaskPriority = 0
	PriorityHigh   TaskPriority = 1
	PriorityNormal TaskPriority = 2
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityUtmost:
		return "utmost"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Priorities returns all priorities in dequeue order, highest first.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityUtmost, PriorityHigh, PriorityNormal}
}

// ParsePriority maps a priority name back to its value.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "utmost":
		return PriorityUtmost, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// TaskSchedule selects when the scheduler fires a scraper.
type TaskSchedule string

const (
	ScheduleInactive    TaskSchedule = "inactive"
	ScheduleEverySecond TaskSchedule = "every_second"
	ScheduleEveryMinute TaskSchedule = "every_minute"
	ScheduleEveryHour   TaskSchedule = "every_hour"
	ScheduleEveryDay    TaskSchedule = "every_day"
	ScheduleEveryWeek   TaskSchedule = "every_week"
	ScheduleEveryMonth  TaskSchedule = "every_month"
	ScheduleCrontab     TaskSchedule = "crontab"
)

// Schedules returns every supported schedule value.
func Schedules() []TaskSchedule {
	return []TaskSchedule{
		ScheduleInactive,
		ScheduleEverySecond,
		ScheduleEveryMinute,
		ScheduleEveryHour,
		ScheduleEveryDay,
		ScheduleEveryWeek,
		ScheduleEveryMonth,
		ScheduleCrontab,
	}
}

// ValidSchedule reports whether s is a known schedule.
func ValidSchedule(s TaskSchedule) bool {
	for _, known := range Schedules() {
		if s == known {
			return true
		}
	}
	return false
}

// EphemeralScraperID marks tasks enqueued ad hoc, without a persisted scraper.
const EphemeralScraperID = "ephemeral"

// ScraperConfig is the handler configuration captured on the scraper and
// snapshotted onto each task at enqueue time.
type ScraperConfig struct {
	// Params is the opaque payload handed to the handler.
	Params map[string]any `json:"params,omitempty"`
	// MiddlewareConfig holds per-middleware overrides keyed by middleware name.
	MiddlewareConfig map[string]map[string]any `json:"middleware_config,omitempty"`
}

// Scraper is a stored scraping job definition.
type Scraper struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Handler         string        `json:"handler"`
	Schedule        TaskSchedule  `json:"schedule"`
	ScheduleCrontab string        `json:"schedule_crontab,omitempty"`
	Config          ScraperConfig `json:"config"`
	Priority        TaskPriority  `json:"priority"`
	// State is an opaque blob a handler may persist between runs (cursors etc).
	State   string        `json:"state,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Task is one execution of a scraper.
type Task struct {
	ID        string        `json:"id"`
	ScraperID string        `json:"scraper_id"`
	Handler   string        `json:"handler"`
	Config    ScraperConfig `json:"config"`
	Priority  TaskPriority  `json:"priority"`
	Status    TaskStatus    `json:"status"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	// Payload carries handler-specific input for tasks that do not reference
	// a stored scraper (ephemeral runs).
	Payload string        `json:"payload,omitempty"`
	Result  string        `json:"result,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Active reports whether the task counts toward the one-active-run guard.
func (t *Task) Active() bool {
	return t.Status == TaskPending || t.Status == TaskStarted
}

// Lease is a named TTL lock with an owner.
type Lease struct {
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	Acquired      time.Time `json:"acquired"`
	AcquiredUntil time.Time `json:"acquired_until"`
}

// LogLine is a single log record emitted by a running task.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

var (
	ErrScraperNotFound = errors.New("scraper not found")
	ErrTaskNotFound    = errors.New("task not found")
	// ErrStorageReadOnly rejects mutations on read-only scraper storage.
	ErrStorageReadOnly = errors.New("storage is read-only")
	// ErrTaskHasActiveRun rejects enqueueing while a PENDING or STARTED
	// instance exists for the same scraper.
	ErrTaskHasActiveRun = errors.New("task has an active run")
	// ErrTaskPingNotStarted rejects heartbeats for tasks still in PENDING.
	ErrTaskPingNotStarted = errors.New("task ping: task not started")
	// ErrTaskPingFinished rejects heartbeats for tasks in a terminal state.
	ErrTaskPingFinished = errors.New("task ping: task already finished")
)
