package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/itskum47/ScrapeForge/observability"
	"github.com/itskum47/ScrapeForge/store"
)

// TaskHandler executes one task kind. The returned string is stored as the
// task result.
type TaskHandler interface {
	Name() string
	Process(ctx context.Context, task *store.Task, logger *log.Logger) (string, error)
}

type ConsumerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// PollDelay is the initial sleep after an empty dequeue. It doubles on
	// consecutive misses up to MaxPollDelay and resets on a hit.
	PollDelay    time.Duration
	MaxPollDelay time.Duration
	// PingDelay is the heartbeat interval for running tasks.
	PingDelay time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:  50,
		PollDelay:    100 * time.Millisecond,
		MaxPollDelay: time.Second,
		PingDelay:    5 * time.Second,
	}
}

// Consumer runs a pool of workers that dequeue tasks, keep them alive with
// heartbeats and record the terminal state.
type Consumer struct {
	queue    *Queue
	logs     store.LogStorage
	handlers map[string]TaskHandler
	cfg      ConsumerConfig
}

func NewConsumer(q *Queue, logs store.LogStorage, handlers []TaskHandler, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConsumerConfig().Concurrency
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultConsumerConfig().PollDelay
	}
	if cfg.MaxPollDelay < cfg.PollDelay {
		cfg.MaxPollDelay = DefaultConsumerConfig().MaxPollDelay
	}
	if cfg.PingDelay <= 0 {
		cfg.PingDelay = DefaultConsumerConfig().PingDelay
	}
	byName := make(map[string]TaskHandler, len(handlers))
	for _, h := range handlers {
		byName[h.Name()] = h
	}
	return &Consumer{queue: q, logs: logs, handlers: byName, cfg: cfg}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (c *Consumer) Run(ctx context.Context) {
	log.Printf("Consumer: starting %d workers", c.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	log.Println("Consumer: all workers stopped")
}

func (c *Consumer) workerLoop(ctx context.Context, worker int) {
	delay := c.cfg.PollDelay
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := c.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("Consumer: worker %d dequeue failed: %v", worker, err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxPollDelay {
				delay = c.cfg.MaxPollDelay
			}
			continue
		}
		delay = c.cfg.PollDelay
		c.process(ctx, task)
	}
}

type handlerResult struct {
	result string
	err    error
}

// heartbeatFailureBudget is the number of consecutive failed heartbeat
// cycles (each already retried 3 times) before the worker gives up on the
// task. Without a heartbeat the reaper would declare it DEAD anyway, so
// the handler is cancelled and the task recorded as KILLED.
const heartbeatFailureBudget = 3

func (c *Consumer) process(ctx context.Context, task *store.Task) {
	observability.ActiveTasks.Inc()
	defer observability.ActiveTasks.Dec()
	start := time.Now()
	defer func() {
		observability.TaskDuration.Observe(time.Since(start).Seconds())
	}()

	handler, ok := c.handlers[task.Handler]
	if !ok {
		c.finish(ctx, task, store.TaskFailed, "unknown task handler: "+task.Handler)
		return
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	logger := NewTaskLogger(ctx, c.logs, task.ID)
	resultCh := make(chan handlerResult, 1)
	go func() {
		result, err := handler.Process(runCtx, task, logger)
		resultCh <- handlerResult{result: result, err: err}
	}()

	ticker := time.NewTicker(c.cfg.PingDelay)
	defer ticker.Stop()

	finishedExternally := false
	heartbeatLost := false
	failedPings := 0
	var res handlerResult
loop:
	for {
		select {
		case res = <-resultCh:
			break loop
		case <-ticker.C:
			err := retry.Do(
				func() error {
					_, err := c.queue.PingTask(ctx, task.ID)
					return err
				},
				retry.Attempts(3),
				retry.Delay(50*time.Millisecond),
				retry.LastErrorOnly(true),
				retry.RetryIf(func(err error) bool {
					// State errors are final, only transient faults retry.
					return !errors.Is(err, store.ErrTaskPingFinished) &&
						!errors.Is(err, store.ErrTaskPingNotStarted) &&
						!errors.Is(err, store.ErrTaskNotFound)
				}),
			)
			switch {
			case err == nil:
				failedPings = 0
			case errors.Is(err, store.ErrTaskPingFinished) || errors.Is(err, store.ErrTaskNotFound):
				// Killed or reaped from outside. Stop the handler and keep
				// whatever terminal state was written.
				log.Printf("Consumer: task %s finished externally, cancelling handler", task.ID)
				finishedExternally = true
				cancel()
				res = <-resultCh
				break loop
			default:
				failedPings++
				log.Printf("Consumer: heartbeat for task %s failed (%d/%d): %v", task.ID, failedPings, heartbeatFailureBudget, err)
				if failedPings >= heartbeatFailureBudget {
					log.Printf("Consumer: task %s cannot be kept alive, cancelling handler", task.ID)
					heartbeatLost = true
					cancel()
					res = <-resultCh
					break loop
				}
			}
		}
	}

	if finishedExternally {
		return
	}
	if heartbeatLost {
		c.finish(ctx, task, store.TaskKilled, "task heartbeat failed: storage unavailable")
		return
	}

	switch {
	case res.err == nil:
		c.finish(ctx, task, store.TaskSucceeded, res.result)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		logger.Printf("task timed out after %s", task.Timeout)
		c.finish(ctx, task, store.TaskKilled, "task timed out")
	case errors.Is(runCtx.Err(), context.Canceled):
		c.finish(context.Background(), task, store.TaskKilled, "worker shutting down")
	default:
		logger.Printf("task failed: %v", res.err)
		c.finish(ctx, task, store.TaskFailed, res.err.Error())
	}
}

func (c *Consumer) finish(ctx context.Context, task *store.Task, status store.TaskStatus, result string) {
	now := time.Now().UTC()
	task.Status = status
	task.FinishedAt = &now
	task.Result = result
	err := retry.Do(
		func() error {
			_, err := c.queue.UpdateTask(ctx, task)
			return err
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Printf("Consumer: failed to finish task %s as %s: %v", task.ID, status, err)
		return
	}
	observability.TasksTotal.WithLabelValues(string(status)).Inc()
}
