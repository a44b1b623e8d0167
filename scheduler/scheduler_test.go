package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/itskum47/ScrapeForge/queue"
	"github.com/itskum47/ScrapeForge/store"
)

type fixture struct {
	scrapers *store.MemoryScraperStorage
	leases   *store.MemoryLeaseStorage
	tasks    *store.MemoryQueueStorage
	queue    *queue.Queue
	sched    *Scheduler
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		scrapers: store.NewMemoryScraperStorage(false),
		leases:   store.NewMemoryLeaseStorage(),
		tasks:    store.NewMemoryQueueStorage(),
	}
	f.queue = queue.New(f.tasks)
	f.sched = New(f.scrapers, f.leases, f.queue, cfg)
	return f
}

func (f *fixture) addScraper(id string, schedule store.TaskSchedule) *store.Scraper {
	sc := &store.Scraper{
		ID:       id,
		Name:     id,
		Handler:  "scraper",
		Schedule: schedule,
		Priority: store.PriorityNormal,
	}
	f.scrapers.CreateScraper(context.Background(), sc)
	return sc
}

func TestSchedulerFiresDueScraper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.addScraper("s1", store.ScheduleEverySecond)

	f.sched.tick(ctx, time.Now().UTC())

	if !f.sched.IsActive() {
		t.Fatal("scheduler should hold the lease")
	}
	tasks, _ := f.queue.GetTaskInstances(ctx, "s1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(tasks))
	}
	if tasks[0].Status != store.TaskPending || tasks[0].Handler != "scraper" {
		t.Errorf("unexpected task: %+v", tasks[0])
	}
}

func TestSchedulerStandbyWithoutLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.addScraper("s1", store.ScheduleEverySecond)

	// Another replica holds the lease.
	f.leases.MaybeAcquireLease(ctx, "scheduler", "other-owner", time.Minute)

	f.sched.tick(ctx, time.Now().UTC())

	if f.sched.IsActive() {
		t.Fatal("scheduler acquired a held lease")
	}
	tasks, _ := f.queue.GetTaskInstances(ctx, "s1")
	if len(tasks) != 0 {
		t.Errorf("standby replica enqueued %d tasks", len(tasks))
	}
}

func TestSchedulerTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.leases.MaybeAcquireLease(ctx, "scheduler", "other-owner", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	f.sched.tick(ctx, time.Now().UTC())
	if !f.sched.IsActive() {
		t.Error("scheduler should take over an expired lease")
	}
}

func TestSchedulerSkipsActiveRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.addScraper("s1", store.ScheduleEverySecond)

	now := time.Now().UTC()
	f.sched.tick(ctx, now)
	// The first run is still pending; the next due fire must be skipped.
	f.sched.tick(ctx, now.Add(2*time.Second))

	tasks, _ := f.queue.GetTaskInstances(ctx, "s1")
	if len(tasks) != 1 {
		t.Errorf("expected the second fire skipped, got %d tasks", len(tasks))
	}
}

func TestSchedulerBackpressureSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxPendingPerPriority: 3})
	for i := 0; i < 3; i++ {
		f.addScraper(fmt.Sprintf("filler-%d", i), store.ScheduleEverySecond)
	}
	f.addScraper("late", store.ScheduleEverySecond)

	f.sched.tick(ctx, time.Now().UTC())

	// Three fillers filled the priority to the cap; one scraper got skipped.
	n, _ := f.queue.PendingCount(ctx, store.PriorityNormal)
	if n != 3 {
		t.Errorf("expected pending capped at 3, got %d", n)
	}
}

func TestSchedulerIgnoresInactiveScrapers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.addScraper("s1", store.ScheduleInactive)

	f.sched.tick(ctx, time.Now().UTC())

	tasks, _ := f.queue.GetTaskInstances(ctx, "s1")
	if len(tasks) != 0 {
		t.Errorf("inactive scraper fired %d tasks", len(tasks))
	}
}

func TestSchedulerReapsDeadTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{DeadTimeout: 25 * time.Second})
	now := time.Now().UTC()

	task, _ := f.queue.Enqueue(ctx, queue.EnqueueRequest{ScraperID: "s1", Handler: "scraper"})
	f.queue.Dequeue(ctx)
	stored, _ := f.queue.GetTask(ctx, task.ID)
	old := now.Add(-time.Minute)
	stored.LastActiveAt = &old
	f.queue.UpdateTask(ctx, stored)

	// First tick establishes leadership and runs the reaper.
	f.sched.tick(ctx, now)

	got, _ := f.queue.GetTask(ctx, task.ID)
	if got.Status != store.TaskDead {
		t.Errorf("expected dead task, got %s", got.Status)
	}
}

func TestSchedulerDropsRemovedScraperEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.addScraper("s1", store.ScheduleEveryHour)

	f.sched.tick(ctx, time.Now().UTC())
	if _, ok := f.sched.entries["s1"]; !ok {
		t.Fatal("expected trigger entry for s1")
	}

	f.scrapers.DeleteScraper(ctx, "s1")
	f.sched.tick(ctx, time.Now().UTC())
	if _, ok := f.sched.entries["s1"]; ok {
		t.Error("entry for deleted scraper kept")
	}
}
