package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresScraperStorage keeps the scraper catalog in Postgres. The task
// queue stays in Redis or memory; only the catalog needs relational
// durability.
type PostgresScraperStorage struct {
	pool     *pgxpool.Pool
	readOnly bool
}

func NewPostgresScraperStorage(ctx context.Context, dsn string, readOnly bool) (*PostgresScraperStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresScraperStorage{pool: pool, readOnly: readOnly}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresScraperStorage) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scrapers (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			handler          TEXT NOT NULL,
			schedule         TEXT NOT NULL,
			schedule_crontab TEXT NOT NULL DEFAULT '',
			config           JSONB NOT NULL DEFAULT '{}',
			priority         INT NOT NULL,
			state            TEXT NOT NULL DEFAULT '',
			timeout_ns       BIGINT NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure scrapers schema: %w", err)
	}
	return nil
}

func (s *PostgresScraperStorage) Close() { s.pool.Close() }

func (s *PostgresScraperStorage) IsReadOnly() bool { return s.readOnly }

func (s *PostgresScraperStorage) CreateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal scraper config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrapers (id, name, handler, schedule, schedule_crontab, config, priority, state, timeout_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			handler = EXCLUDED.handler,
			schedule = EXCLUDED.schedule,
			schedule_crontab = EXCLUDED.schedule_crontab,
			config = EXCLUDED.config,
			priority = EXCLUDED.priority,
			state = EXCLUDED.state,
			timeout_ns = EXCLUDED.timeout_ns,
			updated_at = now()`,
		sc.ID, sc.Name, sc.Handler, string(sc.Schedule), sc.ScheduleCrontab,
		cfg, int(sc.Priority), sc.State, int64(sc.Timeout))
	if err != nil {
		return nil, fmt.Errorf("insert scraper: %w", err)
	}
	out := *sc
	return &out, nil
}

func (s *PostgresScraperStorage) UpdateScraper(ctx context.Context, sc *Scraper) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal scraper config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrapers SET
			name = $2, handler = $3, schedule = $4, schedule_crontab = $5,
			config = $6, priority = $7, state = $8, timeout_ns = $9,
			updated_at = now()
		WHERE id = $1`,
		sc.ID, sc.Name, sc.Handler, string(sc.Schedule), sc.ScheduleCrontab,
		cfg, int(sc.Priority), sc.State, int64(sc.Timeout))
	if err != nil {
		return nil, fmt.Errorf("update scraper: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrScraperNotFound
	}
	out := *sc
	return &out, nil
}

func (s *PostgresScraperStorage) DeleteScraper(ctx context.Context, id string) (*Scraper, error) {
	if s.readOnly {
		return nil, ErrStorageReadOnly
	}
	sc, err := s.GetScraper(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM scrapers WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete scraper: %w", err)
	}
	return sc, nil
}

const scraperColumns = `id, name, handler, schedule, schedule_crontab, config, priority, state, timeout_ns`

func (s *PostgresScraperStorage) GetScraper(ctx context.Context, id string) (*Scraper, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scraperColumns+` FROM scrapers WHERE id = $1`, id)
	sc, err := scanScraper(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScraperNotFound
	}
	return sc, err
}

func (s *PostgresScraperStorage) MaybeGetScraper(ctx context.Context, id string) (*Scraper, error) {
	sc, err := s.GetScraper(ctx, id)
	if err == ErrScraperNotFound {
		return nil, nil
	}
	return sc, err
}

func (s *PostgresScraperStorage) GetScrapers(ctx context.Context) ([]*Scraper, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scraperColumns+` FROM scrapers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select scrapers: %w", err)
	}
	defer rows.Close()
	return collectScrapers(rows)
}

func (s *PostgresScraperStorage) SearchScrapers(ctx context.Context, nameFilter string, maxItems int, lastID string) ([]*Scraper, error) {
	if maxItems <= 0 {
		maxItems = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+scraperColumns+` FROM scrapers
		WHERE name LIKE '%' || $1 || '%' AND id > $2
		ORDER BY id
		LIMIT $3`,
		nameFilter, lastID, maxItems)
	if err != nil {
		return nil, fmt.Errorf("search scrapers: %w", err)
	}
	defer rows.Close()
	return collectScrapers(rows)
}

func collectScrapers(rows pgx.Rows) ([]*Scraper, error) {
	var out []*Scraper
	for rows.Next() {
		sc, err := scanScraper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanScraper(row pgx.Row) (*Scraper, error) {
	var (
		sc        Scraper
		schedule  string
		cfg       []byte
		priority  int
		timeoutNS int64
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.Handler, &schedule, &sc.ScheduleCrontab,
		&cfg, &priority, &sc.State, &timeoutNS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &sc.Config); err != nil {
		return nil, fmt.Errorf("unmarshal scraper config: %w", err)
	}
	sc.Schedule = TaskSchedule(schedule)
	sc.Priority = TaskPriority(priority)
	sc.Timeout = time.Duration(timeoutNS)
	return &sc, nil
}
