package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts keep the dequeue transition and lease handover atomic.
var (
	// dequeueScript pops the first live task ID across the queue keys
	// (passed highest priority first), flips it to STARTED and stamps the
	// activity timestamps in one round trip. Stale IDs whose task was
	// deleted or already moved on are dropped.
	dequeueScript = redis.NewScript(`
for i = 1, #KEYS do
  while true do
    local id = redis.call("RPOP", KEYS[i])
    if not id then break end
    local key = "tasks:" .. id
    local raw = redis.call("GET", key)
    if raw then
      local task = cjson.decode(raw)
      if task["status"] == "pending" then
        task["status"] = "started"
        task["started_at"] = ARGV[1]
        task["last_active_at"] = ARGV[1]
        local enc = cjson.encode(task)
        redis.call("SET", key, enc)
        return enc
      end
    end
  end
end
return false
`)

	// renewLeaseScript extends the lease only when the caller still owns it.
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

	// releaseLeaseScript deletes the lease only when the caller owns it.
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore implements all four storage contracts on one Redis database.
type RedisStore struct {
	client   *redis.Client
	readOnly bool
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (tests, custom pools).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

// -- ScraperStorage --

func (s *RedisStore) IsReadOnly() bool { return s.readOnly }

func (s *RedisStore) CreateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	return s.putScraper(ctx, sc)
}

func (s *RedisStore) UpdateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	exists, err := s.client.SIsMember(ctx, ScraperIDsKey, sc.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sismember: %w", err)
	}
	if !exists {
		return nil, ErrScraperNotFound
	}
	return s.putScraper(ctx, sc)
}

func (s *RedisStore) putScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal scraper: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ScraperKey(sc.ID), raw, 0)
	pipe.SAdd(ctx, ScraperIDsKey, sc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis put scraper: %w", err)
	}
	out := *sc
	return &out, nil
}

func (s *RedisStore) DeleteScraper(ctx context.Context, id string) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	sc, err := s.GetScraper(ctx, id)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ScraperKey(id))
	pipe.SRem(ctx, ScraperIDsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis delete scraper: %w", err)
	}
	return sc, nil
}

func (s *RedisStore) GetScraper(ctx context.Context, id string) (*Scraper, error) {
	raw, err := s.client.Get(ctx, ScraperKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrScraperNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get scraper: %w", err)
	}
	var sc Scraper
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scraper %s: %w", id, err)
	}
	return &sc, nil
}

func (s *RedisStore) MaybeGetScraper(ctx context.Context, id string) (*Scraper, error) {
	sc, err := s.GetScraper(ctx, id)
	if err == ErrScraperNotFound {
		return nil, nil
	}
	return sc, err
}

func (s *RedisStore) GetScrapers(ctx context.Context) ([]*Scraper, error) {
	ids, err := s.client.SMembers(ctx, ScraperIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ScraperKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget scrapers: %w", err)
	}
	out := make([]*Scraper, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var sc Scraper
		if err := json.Unmarshal([]byte(str), &sc); err != nil {
			return nil, fmt.Errorf("unmarshal scraper: %w", err)
		}
		out = append(out, &sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) SearchScrapers(ctx context.Context, nameFilter string, maxItems int, lastID string) ([]*Scraper, error) {
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

// -- QueueStorage --

func (s *RedisStore) EnqueueTask(ctx context.Context, t *Task) (*Task, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, TaskKey(t.ID), raw, 0)
	pipe.LPush(ctx, QueueKey(t.Priority), t.ID)
	pipe.ZAdd(ctx, TasksByScraperKey(t.ScraperID), redis.Z{
		Score:  float64(t.CreatedAt.UnixNano()),
		Member: t.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis enqueue: %w", err)
	}
	out := *t
	return &out, nil
}

func (s *RedisStore) DequeueTask(ctx context.Context, priorities []TaskPriority) (*Task, error) {
	keys := make([]string, len(priorities))
	for i, p := range priorities {
		keys[i] = QueueKey(p)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := dequeueScript.Run(ctx, s.client, keys, now).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal dequeued task: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, t *Task) (*Task, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.client.SetXX(ctx, TaskKey(t.ID), raw, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis update task: %w", err)
	}
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status.Terminal() {
		// A task killed before any dequeue leaves its ID on the queue
		// list. Drop it so LLEN stays an accurate pending count.
		if err := s.client.LRem(ctx, QueueKey(t.Priority), 0, t.ID).Err(); err != nil {
			return nil, fmt.Errorf("redis lrem queue: %w", err)
		}
	}
	out := *t
	return &out, nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	raw, err := s.client.Get(ctx, TaskKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) GetTasks(ctx context.Context) ([]*Task, error) {
	var out []*Task
	iter := s.client.Scan(ctx, 0, "tasks:*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		key := iter.Val()
		// The scan pattern also matches the per-scraper index keys.
		if strings.HasPrefix(key, "tasks:by_scraper:") {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan tasks: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tasks: %w", err)
	}
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) GetTaskInstances(ctx context.Context, scraperID string) ([]*Task, error) {
	ids, err := s.client.ZRevRange(ctx, TasksByScraperKey(scraperID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = TaskKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget task instances: %w", err)
	}
	out := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) DeleteOldTasks(ctx context.Context, keepLast int) error {
	iter := s.client.Scan(ctx, 0, "tasks:by_scraper:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		scraperID := strings.TrimPrefix(indexKey, "tasks:by_scraper:")
		tasks, err := s.GetTaskInstances(ctx, scraperID)
		if err != nil {
			return err
		}
		terminalSeen := 0
		for _, t := range tasks {
			if !t.Status.Terminal() {
				continue
			}
			if terminalSeen < keepLast {
				terminalSeen++
				continue
			}
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, TaskKey(t.ID))
			pipe.ZRem(ctx, indexKey, t.ID)
			pipe.Del(ctx, LogsKey(t.ID))
			pipe.Del(ctx, LogsNextIDKey(t.ID))
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("redis delete old task %s: %w", t.ID, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan by_scraper: %w", err)
	}
	return nil
}

func (s *RedisStore) PendingCount(ctx context.Context, priority TaskPriority) (int64, error) {
	n, err := s.client.LLen(ctx, QueueKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}

// -- LeaseStorage --

func (s *RedisStore) MaybeAcquireLease(ctx context.Context, name, ownerID string, ttl time.Duration) (*Lease, error) {
	key := LeaseKey(name)
	now := time.Now().UTC()
	acquired, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx lease: %w", err)
	}
	if !acquired {
		// Not free. Renew only if we already own it.
		renewed, err := renewLeaseScript.Run(ctx, s.client, []string{key}, ownerID, ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("redis renew lease: %w", err)
		}
		if renewed == 0 {
			return nil, nil
		}
	}
	return &Lease{
		Name:          name,
		OwnerID:       ownerID,
		Acquired:      now,
		AcquiredUntil: now.Add(ttl),
	}, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	if _, err := releaseLeaseScript.Run(ctx, s.client, []string{LeaseKey(name)}, ownerID).Int(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}

// -- LogStorage --

func (s *RedisStore) AppendLog(ctx context.Context, line LogLine) (LogLine, error) {
	id, err := s.client.Incr(ctx, LogsNextIDKey(line.TaskID)).Result()
	if err != nil {
		return LogLine{}, fmt.Errorf("redis incr log id: %w", err)
	}
	line.ID = id
	raw, err := json.Marshal(line)
	if err != nil {
		return LogLine{}, fmt.Errorf("marshal log line: %w", err)
	}
	if err := s.client.RPush(ctx, LogsKey(line.TaskID), raw).Err(); err != nil {
		return LogLine{}, fmt.Errorf("redis rpush log: %w", err)
	}
	return line, nil
}

func (s *RedisStore) ReadLogs(ctx context.Context, taskID string, afterID int64, maxLines int) ([]LogLine, error) {
	// IDs are dense starting at 1, so list index = ID - 1.
	start := afterID
	stop := int64(-1)
	if maxLines > 0 {
		stop = start + int64(maxLines) - 1
	}
	raws, err := s.client.LRange(ctx, LogsKey(taskID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange logs: %w", err)
	}
	out := make([]LogLine, 0, len(raws))
	for _, raw := range raws {
		var line LogLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("unmarshal log line: %w", err)
		}
		out = append(out, line)
	}
	return out, nil
}
