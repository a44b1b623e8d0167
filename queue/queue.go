package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ScrapeForge/observability"
	"github.com/itskum47/ScrapeForge/store"
)

// Queue is the task queue facade over QueueStorage. It owns the lifecycle
// rules: the one-active-run guard at enqueue, the ping state machine, the
// dead-task reaper and history GC.
type Queue struct {
	storage store.QueueStorage
}

func New(storage store.QueueStorage) *Queue {
	return &Queue{storage: storage}
}

// EnqueueRequest describes a task to enqueue. Config and Timeout are
// snapshotted onto the task so later scraper edits do not affect runs
// already queued.
type EnqueueRequest struct {
	ScraperID string
	Handler   string
	Config    store.ScraperConfig
	Priority  store.TaskPriority
	Payload   string
	Timeout   time.Duration
}

// Enqueue creates a PENDING task. Returns ErrTaskHasActiveRun when a
// PENDING or STARTED instance already exists for the scraper. Ephemeral
// tasks skip the guard, they have no scraper identity to collide on.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Task, error) {
	if req.ScraperID != store.EphemeralScraperID {
		instances, err := q.storage.GetTaskInstances(ctx, req.ScraperID)
		if err != nil {
			return nil, fmt.Errorf("check active runs: %w", err)
		}
		for _, t := range instances {
			if t.Active() {
				return nil, store.ErrTaskHasActiveRun
			}
		}
	}
	task := &store.Task{
		ID:        uuid.NewString(),
		ScraperID: req.ScraperID,
		Handler:   req.Handler,
		Config:    req.Config,
		Priority:  req.Priority,
		Status:    store.TaskPending,
		CreatedAt: time.Now().UTC(),
		Payload:   req.Payload,
		Timeout:   req.Timeout,
	}
	return q.storage.EnqueueTask(ctx, task)
}

// Dequeue pops the oldest pending task from the highest non-empty priority.
// Returns (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*store.Task, error) {
	return q.storage.DequeueTask(ctx, store.Priorities())
}

func (q *Queue) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return q.storage.GetTask(ctx, id)
}

func (q *Queue) UpdateTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	return q.storage.UpdateTask(ctx, t)
}

func (q *Queue) GetTaskInstances(ctx context.Context, scraperID string) ([]*store.Task, error) {
	return q.storage.GetTaskInstances(ctx, scraperID)
}

func (q *Queue) PendingCount(ctx context.Context, priority store.TaskPriority) (int64, error) {
	return q.storage.PendingCount(ctx, priority)
}

// PingTask refreshes the liveness stamp of a running task. Pinging a
// PENDING task returns ErrTaskPingNotStarted; pinging a terminal task
// returns ErrTaskPingFinished so the worker can stop a killed run.
func (q *Queue) PingTask(ctx context.Context, id string) (*store.Task, error) {
	t, err := q.storage.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status == store.TaskPending:
		return nil, store.ErrTaskPingNotStarted
	case t.Status != store.TaskStarted:
		return nil, store.ErrTaskPingFinished
	}
	now := time.Now().UTC()
	t.LastActiveAt = &now
	return q.storage.UpdateTask(ctx, t)
}

// KillTask moves a PENDING or STARTED task to KILLED. Running workers
// notice through the next heartbeat and cancel the handler.
func (q *Queue) KillTask(ctx context.Context, id string) (*store.Task, error) {
	t, err := q.storage.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, store.ErrTaskPingFinished
	}
	now := time.Now().UTC()
	t.Status = store.TaskKilled
	// A task killed while still PENDING never ran; stamp the missing
	// lifecycle timestamps so created <= started <= active <= finished
	// holds on every terminal task.
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if t.LastActiveAt == nil {
		t.LastActiveAt = &now
	}
	t.FinishedAt = &now
	t.Result = "task was killed"
	updated, err := q.storage.UpdateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	observability.TasksTotal.WithLabelValues(string(store.TaskKilled)).Inc()
	return updated, nil
}

// ReapDeadTasks marks STARTED tasks whose last heartbeat is older than
// deadline as DEAD. Returns the reaped tasks.
func (q *Queue) ReapDeadTasks(ctx context.Context, deadline time.Duration) ([]*store.Task, error) {
	tasks, err := q.storage.GetTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	now := time.Now().UTC()
	var reaped []*store.Task
	for _, t := range tasks {
		if t.Status != store.TaskStarted {
			continue
		}
		lastActive := t.CreatedAt
		if t.LastActiveAt != nil {
			lastActive = *t.LastActiveAt
		}
		if now.Sub(lastActive) < deadline {
			continue
		}
		t.Status = store.TaskDead
		t.FinishedAt = &now
		t.Result = fmt.Sprintf("task is dead: no heartbeat since %s", lastActive.Format(time.RFC3339))
		if _, err := q.storage.UpdateTask(ctx, t); err != nil {
			log.Printf("Queue: failed to reap task %s: %v", t.ID, err)
			continue
		}
		observability.TasksTotal.WithLabelValues(string(store.TaskDead)).Inc()
		reaped = append(reaped, t)
	}
	return reaped, nil
}

// DeleteOldTasks trims finished task history, keeping the keepLast most
// recent terminal tasks per scraper.
func (q *Queue) DeleteOldTasks(ctx context.Context, keepLast int) error {
	return q.storage.DeleteOldTasks(ctx, keepLast)
}
