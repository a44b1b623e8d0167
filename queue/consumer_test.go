package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/ScrapeForge/store"
)

type fakeHandler struct {
	name string
	fn   func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error)
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Process(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
	return h.fn(ctx, task, logger)
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:  2,
		PollDelay:    5 * time.Millisecond,
		MaxPollDelay: 10 * time.Millisecond,
		PingDelay:    10 * time.Millisecond,
	}
}

// waitForStatus polls until the task reaches a terminal state or the
// deadline passes.
func waitForStatus(t *testing.T, q *Queue, id string, want store.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := q.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s, last seen: %+v", id, want, task)
	return nil
}

func TestConsumerSucceedsTask(t *testing.T) {
	q := newTestQueue()
	logs := store.NewMemoryLogStorage()
	handler := &fakeHandler{name: "scraper", fn: func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
		logger.Println("working")
		return "42 items scraped", nil
	}}
	c := NewConsumer(q, logs, []TaskHandler{handler}, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "scraper"})
	got := waitForStatus(t, q, task.ID, store.TaskSucceeded)
	if got.Result != "42 items scraped" {
		t.Errorf("unexpected result: %q", got.Result)
	}
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Error("timestamps not stamped")
	}
	if got.FinishedAt.Before(*got.StartedAt) {
		t.Error("finished_at before started_at")
	}

	lines, _ := logs.ReadLogs(context.Background(), task.ID, 0, 10)
	if len(lines) != 1 || lines[0].Message != "working" {
		t.Errorf("unexpected task logs: %+v", lines)
	}
}

func TestConsumerFailsTask(t *testing.T) {
	q := newTestQueue()
	handler := &fakeHandler{name: "scraper", fn: func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
		return "", errors.New("target unreachable")
	}}
	c := NewConsumer(q, store.NewMemoryLogStorage(), []TaskHandler{handler}, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "scraper"})
	got := waitForStatus(t, q, task.ID, store.TaskFailed)
	if got.Result != "target unreachable" {
		t.Errorf("unexpected result: %q", got.Result)
	}
}

func TestConsumerKillsTimedOutTask(t *testing.T) {
	q := newTestQueue()
	handler := &fakeHandler{name: "scraper", fn: func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := NewConsumer(q, store.NewMemoryLogStorage(), []TaskHandler{handler}, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "scraper", Timeout: 30 * time.Millisecond})
	got := waitForStatus(t, q, task.ID, store.TaskKilled)
	if got.Result != "task timed out" {
		t.Errorf("unexpected result: %q", got.Result)
	}
}

func TestConsumerStopsExternallyKilledTask(t *testing.T) {
	q := newTestQueue()
	released := make(chan struct{})
	handler := &fakeHandler{name: "scraper", fn: func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
		defer close(released)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := NewConsumer(q, store.NewMemoryLogStorage(), []TaskHandler{handler}, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "scraper"})
	waitForStatus(t, q, task.ID, store.TaskStarted)

	if _, err := q.KillTask(ctx, task.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not cancelled after external kill")
	}

	// The kill verdict must survive, the worker does not overwrite it.
	time.Sleep(50 * time.Millisecond)
	got, _ := q.GetTask(context.Background(), task.ID)
	if got.Status != store.TaskKilled || got.Result != "task was killed" {
		t.Errorf("external kill overwritten: %+v", got)
	}
}

// flakyQueueStorage fails reads on demand so heartbeats stop succeeding
// while task updates keep working.
type flakyQueueStorage struct {
	store.QueueStorage
	mu       sync.Mutex
	failGets bool
}

func (s *flakyQueueStorage) setFailGets(fail bool) {
	s.mu.Lock()
	s.failGets = fail
	s.mu.Unlock()
}

func (s *flakyQueueStorage) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.Lock()
	fail := s.failGets
	s.mu.Unlock()
	if fail {
		return nil, errors.New("storage unavailable")
	}
	return s.QueueStorage.GetTask(ctx, id)
}

func TestConsumerKillsTaskOnPersistentHeartbeatFailure(t *testing.T) {
	storage := &flakyQueueStorage{QueueStorage: store.NewMemoryQueueStorage()}
	q := New(storage)
	released := make(chan struct{})
	handler := &fakeHandler{name: "scraper", fn: func(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
		defer close(released)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := NewConsumer(q, store.NewMemoryLogStorage(), []TaskHandler{handler}, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "scraper"})
	waitForStatus(t, q, task.ID, store.TaskStarted)

	// Every heartbeat read now fails; the worker must give up on the task
	// instead of running it forever.
	storage.setFailGets(true)
	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not cancelled despite persistent heartbeat failure")
	}
	storage.setFailGets(false)

	got := waitForStatus(t, q, task.ID, store.TaskKilled)
	if got.Result != "task heartbeat failed: storage unavailable" {
		t.Errorf("unexpected result: %q", got.Result)
	}
}

func TestConsumerUnknownHandlerFailsTask(t *testing.T) {
	q := newTestQueue()
	c := NewConsumer(q, store.NewMemoryLogStorage(), nil, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, _ := q.Enqueue(ctx, EnqueueRequest{ScraperID: "s1", Handler: "nope"})
	got := waitForStatus(t, q, task.ID, store.TaskFailed)
	if got.Result != "unknown task handler: nope" {
		t.Errorf("unexpected result: %q", got.Result)
	}
}
