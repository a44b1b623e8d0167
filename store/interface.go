package store

import (
	"context"
	"time"
)

// ScraperStorage is the durable scraper catalog.
type ScraperStorage interface {
	// IsReadOnly reports whether mutations are rejected with ErrStorageReadOnly.
	IsReadOnly() bool
	CreateScraper(ctx context.Context, s *Scraper) (*Scraper, error)
	UpdateScraper(ctx context.Context, s *Scraper) (*Scraper, error)
	DeleteScraper(ctx context.Context, id string) (*Scraper, error)
	GetScraper(ctx context.Context, id string) (*Scraper, error)
	// MaybeGetScraper returns (nil, nil) when the scraper does not exist.
	MaybeGetScraper(ctx context.Context, id string) (*Scraper, error)
	GetScrapers(ctx context.Context) ([]*Scraper, error)
	// SearchScrapers pages through scrapers whose name contains nameFilter.
	// lastID is the exclusive cursor; empty starts from the beginning.
	SearchScrapers(ctx context.Context, nameFilter string, maxItems int, lastID string) ([]*Scraper, error)
}

// QueueStorage persists tasks and the per-priority pending queues.
type QueueStorage interface {
	// EnqueueTask stores the task and appends its ID to the queue for its
	// priority. The task must already be in PENDING.
	EnqueueTask(ctx context.Context, t *Task) (*Task, error)
	// DequeueTask atomically pops the oldest PENDING task from the first
	// non-empty priority queue, transitions it to STARTED and stamps
	// StartedAt/LastActiveAt. Returns (nil, nil) when all queues are empty.
	DequeueTask(ctx context.Context, priorities []TaskPriority) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTasks(ctx context.Context) ([]*Task, error)
	// GetTaskInstances lists all tasks for a scraper, newest first.
	GetTaskInstances(ctx context.Context, scraperID string) ([]*Task, error)
	// DeleteOldTasks keeps the keepLast most recent terminal tasks per
	// scraper and deletes older terminal ones. Non-terminal tasks survive.
	DeleteOldTasks(ctx context.Context, keepLast int) error
	PendingCount(ctx context.Context, priority TaskPriority) (int64, error)
}

// LeaseStorage provides named TTL locks for leader election.
type LeaseStorage interface {
	// MaybeAcquireLease acquires or renews the named lease for ownerID.
	// Returns (nil, nil) when another owner holds it.
	MaybeAcquireLease(ctx context.Context, name, ownerID string, ttl time.Duration) (*Lease, error)
	// ReleaseLease releases the lease only if ownerID still holds it.
	ReleaseLease(ctx context.Context, name, ownerID string) error
}

// LogStorage persists per-task log lines with monotonic IDs.
type LogStorage interface {
	AppendLog(ctx context.Context, line LogLine) (LogLine, error)
	// ReadLogs returns up to maxLines lines with ID > afterID, in ID order.
	ReadLogs(ctx context.Context, taskID string, afterID int64, maxLines int) ([]LogLine, error)
}
