package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// In-memory storages for tests and single-replica deployments. All methods
// copy on the way in and out so callers never share mutable state with the
// store.

type MemoryScraperStorage struct {
	mu       sync.RWMutex
	scrapers map[string]*Scraper
	readOnly bool
}

func NewMemoryScraperStorage(readOnly bool) *MemoryScraperStorage {
	return &MemoryScraperStorage{
		scrapers: make(map[string]*Scraper),
		readOnly: readOnly,
	}
}

func (s *MemoryScraperStorage) IsReadOnly() bool { return s.readOnly }

func (s *MemoryScraperStorage) CreateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scrapers[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryScraperStorage) UpdateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scrapers[sc.ID]; !ok {
		return nil, ErrScraperNotFound
	}
	cp := *sc
	s.scrapers[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryScraperStorage) DeleteScraper(ctx context.Context, id string) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scrapers[id]
	if !ok {
		return nil, ErrScraperNotFound
	}
	delete(s.scrapers, id)
	out := *sc
	return &out, nil
}

func (s *MemoryScraperStorage) GetScraper(ctx context.Context, id string) (*Scraper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scrapers[id]
	if !ok {
		return nil, ErrScraperNotFound
	}
	out := *sc
	return &out, nil
}

func (s *MemoryScraperStorage) MaybeGetScraper(ctx context.Context, id string) (*Scraper, error) {
	sc, err := s.GetScraper(ctx, id)
	if err == ErrScraperNotFound {
		return nil, nil
	}
	return sc, err
}

func (s *MemoryScraperStorage) GetScrapers(ctx context.Context) ([]*Scraper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Scraper, 0, len(s.scrapers))
	for _, sc := range s.scrapers {
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryScraperStorage) SearchScrapers(ctx context.Context, nameFilter string, maxItems int, lastID string) ([]*Scraper, error) {
	all, err := s.GetScrapers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Scraper, 0, maxItems)
	for _, sc := range all {
		if lastID != "" && sc.ID <= lastID {
			continue
		}
		if nameFilter != "" && !strings.Contains(sc.Name, nameFilter) {
			continue
		}
		out = append(out, sc)
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
	}
	return out, nil
}

type MemoryQueueStorage struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	pending   map[TaskPriority][]string // FIFO per priority
	byScraper map[string][]string       // task IDs in creation order
}

func NewMemoryQueueStorage() *MemoryQueueStorage {
	return &MemoryQueueStorage{
		tasks:     make(map[string]*Task),
		pending:   make(map[TaskPriority][]string),
		byScraper: make(map[string][]string),
	}
}

func (s *MemoryQueueStorage) EnqueueTask(ctx context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[cp.ID] = &cp
	s.pending[cp.Priority] = append(s.pending[cp.Priority], cp.ID)
	s.byScraper[cp.ScraperID] = append(s.byScraper[cp.ScraperID], cp.ID)
	out := cp
	return &out, nil
}

func (s *MemoryQueueStorage) DequeueTask(ctx context.Context, priorities []TaskPriority) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range priorities {
		for len(s.pending[p]) > 0 {
			id := s.pending[p][0]
			s.pending[p] = s.pending[p][1:]
			t, ok := s.tasks[id]
			if !ok || t.Status != TaskPending {
				// Stale queue entry, the task was deleted or moved on.
				continue
			}
			now := time.Now().UTC()
			t.Status = TaskStarted
			t.StartedAt = &now
			t.LastActiveAt = &now
			out := *t
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryQueueStorage) UpdateTask(ctx context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	s.tasks[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryQueueStorage) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryQueueStorage) GetTasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryQueueStorage) GetTaskInstances(ctx context.Context, scraperID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byScraper[scraperID]
	out := make([]*Task, 0, len(ids))
	// Newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		if t, ok := s.tasks[ids[i]]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryQueueStorage) DeleteOldTasks(ctx context.Context, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scraperID, ids := range s.byScraper {
		kept := make([]string, 0, len(ids))
		terminalSeen := 0
		// Walk newest to oldest so the most recent terminal tasks survive.
		for i := len(ids) - 1; i >= 0; i-- {
			t, ok := s.tasks[ids[i]]
			if !ok {
				continue
			}
			if !t.Status.Terminal() {
				kept = append(kept, ids[i])
				continue
			}
			if terminalSeen < keepLast {
				terminalSeen++
				kept = append(kept, ids[i])
				continue
			}
			delete(s.tasks, ids[i])
		}
		// kept is newest-first, restore creation order.
		for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
			kept[l], kept[r] = kept[r], kept[l]
		}
		s.byScraper[scraperID] = kept
	}
	return nil
}

func (s *MemoryQueueStorage) PendingCount(ctx context.Context, priority TaskPriority) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.pending[priority] {
		if t, ok := s.tasks[id]; ok && t.Status == TaskPending {
			n++
		}
	}
	return n, nil
}

type MemoryLeaseStorage struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func NewMemoryLeaseStorage() *MemoryLeaseStorage {
	return &MemoryLeaseStorage{leases: make(map[string]*Lease)}
}

func (s *MemoryLeaseStorage) MaybeAcquireLease(ctx context.Context, name, ownerID string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cur, ok := s.leases[name]
	if ok && cur.OwnerID != ownerID && now.Before(cur.AcquiredUntil) {
		return nil, nil
	}
	lease := &Lease{
		Name:          name,
		OwnerID:       ownerID,
		Acquired:      now,
		AcquiredUntil: now.Add(ttl),
	}
	s.leases[name] = lease
	out := *lease
	return &out, nil
}

func (s *MemoryLeaseStorage) ReleaseLease(ctx context.Context, name, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.OwnerID == ownerID {
		delete(s.leases, name)
	}
	return nil
}

type MemoryLogStorage struct {
	mu     sync.Mutex
	lines  map[string][]LogLine
	nextID map[string]int64
}

func NewMemoryLogStorage() *MemoryLogStorage {
	return &MemoryLogStorage{
		lines:  make(map[string][]LogLine),
		nextID: make(map[string]int64),
	}
}

func (s *MemoryLogStorage) AppendLog(ctx context.Context, line LogLine) (LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[line.TaskID]++
	line.ID = s.nextID[line.TaskID]
	s.lines[line.TaskID] = append(s.lines[line.TaskID], line)
	return line, nil
}

func (s *MemoryLogStorage) ReadLogs(ctx context.Context, taskID string, afterID int64, maxLines int) ([]LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogLine
	for _, line := range s.lines[taskID] {
		if line.ID <= afterID {
			continue
		}
		out = append(out, line)
		if maxLines > 0 && len(out) >= maxLines {
			break
		}
	}
	return out, nil
}
