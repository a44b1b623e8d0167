package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ScrapeForge/observability"
	"github.com/itskum47/ScrapeForge/queue"
	"github.com/itskum47/ScrapeForge/store"
)

type Config struct {
	// LeaseName is the lease all scheduler replicas compete for.
	LeaseName string
	LeaseTTL  time.Duration
	// PollInterval is the loop tick. Lease renewal happens every LeaseTTL/3.
	PollInterval time.Duration

	// ReaperInterval is how often STARTED tasks are checked for missed
	// heartbeats; DeadTimeout is the heartbeat age that marks a task DEAD.
	ReaperInterval time.Duration
	DeadTimeout    time.Duration

	// GCInterval is how often finished task history is trimmed down to
	// TaskRetention terminal tasks per scraper.
	GCInterval    time.Duration
	TaskRetention int

	// MaxPendingPerPriority skips trigger fires while the backlog at the
	// task's priority is at least this large.
	MaxPendingPerPriority int64
}

func DefaultConfig() Config {
	return Config{
		LeaseName:             "scheduler",
		LeaseTTL:              60 * time.Second,
		PollInterval:          5 * time.Second,
		ReaperInterval:        10 * time.Second,
		DeadTimeout:           25 * time.Second,
		GCInterval:            time.Hour,
		TaskRetention:         50,
		MaxPendingPerPriority: 100,
	}
}

type entry struct {
	scraper *store.Scraper
	trigger *Trigger
	next    time.Time
}

func (e *entry) fingerprint() string {
	return string(e.scraper.Schedule) + "|" + e.scraper.ScheduleCrontab
}

// Scheduler fires scraper triggers, reaps dead tasks and trims history.
// Replicas coordinate through a TTL lease so exactly one is active; the
// rest stand by and take over when the lease lapses.
type Scheduler struct {
	scrapers store.ScraperStorage
	leases   store.LeaseStorage
	queue    *queue.Queue
	cfg      Config
	ownerID  string

	active           bool
	renewFailures    int
	lastLeaseAttempt time.Time
	entries          map[string]*entry
	lastReap         time.Time
	lastGC           time.Time
}

func New(scrapers store.ScraperStorage, leases store.LeaseStorage, q *queue.Queue, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.LeaseName == "" {
		cfg.LeaseName = def.LeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = def.DeadTimeout
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = def.TaskRetention
	}
	if cfg.MaxPendingPerPriority <= 0 {
		cfg.MaxPendingPerPriority = def.MaxPendingPerPriority
	}
	return &Scheduler{
		scrapers: scrapers,
		leases:   leases,
		queue:    q,
		cfg:      cfg,
		ownerID:  uuid.NewString(),
		entries:  make(map[string]*entry),
	}
}

// OwnerID identifies this replica in the lease.
func (s *Scheduler) OwnerID() string { return s.ownerID }

// IsActive reports whether this replica currently holds the lease.
func (s *Scheduler) IsActive() bool { return s.active }

// Run blocks until ctx is cancelled. All jobs run serially inside the loop
// goroutine, so a slow reap delays the next trigger pass instead of racing
// it.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Scheduler: starting, owner %s", s.ownerID)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

func (s *Scheduler) shutdown() {
	if !s.active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leases.ReleaseLease(ctx, s.cfg.LeaseName, s.ownerID); err != nil {
		log.Printf("Scheduler: failed to release lease: %v", err)
	} else {
		log.Println("Scheduler: released lease")
	}
	s.setActive(false)
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.manageLease(ctx, now)
	if !s.active {
		return
	}
	s.fireDue(ctx, now)
	if now.Sub(s.lastReap) >= s.cfg.ReaperInterval {
		s.lastReap = now
		reaped, err := s.queue.ReapDeadTasks(ctx, s.cfg.DeadTimeout)
		if err != nil {
			log.Printf("Scheduler: reaper failed: %v", err)
		} else if len(reaped) > 0 {
			log.Printf("Scheduler: reaped %d dead tasks", len(reaped))
		}
	}
	if now.Sub(s.lastGC) >= s.cfg.GCInterval {
		s.lastGC = now
		if err := s.queue.DeleteOldTasks(ctx, s.cfg.TaskRetention); err != nil {
			log.Printf("Scheduler: history gc failed: %v", err)
		}
	}
	s.exportMetrics(ctx)
}

func (s *Scheduler) manageLease(ctx context.Context, now time.Time) {
	if now.Sub(s.lastLeaseAttempt) < s.cfg.LeaseTTL/3 && !s.lastLeaseAttempt.IsZero() {
		return
	}
	s.lastLeaseAttempt = now
	lease, err := s.leases.MaybeAcquireLease(ctx, s.cfg.LeaseName, s.ownerID, s.cfg.LeaseTTL)
	if err != nil {
		log.Printf("Scheduler: lease attempt failed: %v", err)
		if s.active {
			s.renewFailures++
			// Step down before the TTL runs out on a broken lease store.
			if s.renewFailures >= 3 {
				log.Println("Scheduler: stepping down after repeated renewal failures")
				s.setActive(false)
			}
		}
		return
	}
	s.renewFailures = 0
	if lease == nil {
		if s.active {
			log.Println("Scheduler: lost lease, standing by")
		}
		s.setActive(false)
		return
	}
	if !s.active {
		log.Printf("Scheduler: acquired lease %s until %s", lease.Name, lease.AcquiredUntil.Format(time.RFC3339))
	}
	s.setActive(true)
}

func (s *Scheduler) setActive(active bool) {
	if s.active && !active {
		// Triggers rebuild from scratch on the next election.
		s.entries = make(map[string]*entry)
	}
	s.active = active
	if active {
		observability.SchedulerLeaseOwned.Set(1)
	} else {
		observability.SchedulerLeaseOwned.Set(0)
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	scrapers, err := s.scrapers.GetScrapers(ctx)
	if err != nil {
		log.Printf("Scheduler: failed to list scrapers: %v", err)
		return
	}
	seen := make(map[string]bool, len(scrapers))
	for _, sc := range scrapers {
		seen[sc.ID] = true
		if sc.Schedule == store.ScheduleInactive {
			delete(s.entries, sc.ID)
			continue
		}
		e := s.entries[sc.ID]
		if e == nil || e.fingerprint() != string(sc.Schedule)+"|"+sc.ScheduleCrontab {
			trigger, err := NewTrigger(sc.Schedule, sc.ScheduleCrontab)
			if err != nil {
				log.Printf("Scheduler: scraper %s has a broken schedule: %v", sc.ID, err)
				delete(s.entries, sc.ID)
				continue
			}
			e = &entry{trigger: trigger, next: trigger.First(now)}
			s.entries[sc.ID] = e
		}
		e.scraper = sc
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, sc)
		e.next = e.trigger.Next(e.next, now)
	}
	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sc *store.Scraper) {
	pending, err := s.queue.PendingCount(ctx, sc.Priority)
	if err != nil {
		log.Printf("Scheduler: pending count failed: %v", err)
		return
	}
	if pending >= s.cfg.MaxPendingPerPriority {
		observability.SchedulerSkips.WithLabelValues("backpressure").Inc()
		log.Printf("Scheduler: skipping %s, %d tasks pending at priority %s", sc.ID, pending, sc.Priority)
		return
	}
	_, err = s.queue.Enqueue(ctx, queue.EnqueueRequest{
		ScraperID: sc.ID,
		Handler:   sc.Handler,
		Config:    sc.Config,
		Priority:  sc.Priority,
		Timeout:   sc.Timeout,
	})
	switch {
	case errors.Is(err, store.ErrTaskHasActiveRun):
		observability.SchedulerSkips.WithLabelValues("active_run").Inc()
		log.Printf("Scheduler: skipping %s, previous run still active", sc.ID)
	case err != nil:
		log.Printf("Scheduler: failed to enqueue %s: %v", sc.ID, err)
	}
}

func (s *Scheduler) exportMetrics(ctx context.Context) {
	for _, p := range store.Priorities() {
		n, err := s.queue.PendingCount(ctx, p)
		if err != nil {
			continue
		}
		observability.PendingTasks.WithLabelValues(p.String()).Set(float64(n))
	}
}
