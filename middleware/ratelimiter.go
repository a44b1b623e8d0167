package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/ScrapeForge/scraper"
)

const (
	// StrategyWait blocks the request until the host bucket has room.
	StrategyWait = "WAIT"
	// StrategyThrow fails the request immediately when the bucket is empty.
	StrategyThrow = "THROW"
)

// RateLimitedError is returned under StrategyThrow when a host is over
// its budget.
type RateLimitedError struct {
	Host string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: too many requests to %s", e.Host)
}

type RateLimiterConfig struct {
	MaxRequests int      `json:"max_requests"`
	TimeWindow  Duration `json:"time_window"`
	Strategy    string   `json:"strategy"`
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests: 60,
		TimeWindow:  Duration(time.Minute),
		Strategy:    StrategyWait,
	}
}

// RateLimiter budgets outgoing requests per target host with a leaky
// bucket. Buckets are keyed by host and effective config, so scrapers
// with different budgets do not share state for the same host.
type RateLimiter struct {
	defaults RateLimiterConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(defaults RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if defaults.MaxRequests <= 0 {
		defaults.MaxRequests = def.MaxRequests
	}
	if defaults.TimeWindow <= 0 {
		defaults.TimeWindow = def.TimeWindow
	}
	if defaults.Strategy == "" {
		defaults.Strategy = def.Strategy
	}
	return &RateLimiter{
		defaults: defaults,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimiter) Name() string { return "rate_limiter" }

func (m *RateLimiter) OnRequest(ctx context.Context, req *scraper.Request, config map[string]any) (*scraper.Request, error) {
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	host := req.Host()
	if host == "" {
		return req, nil
	}
	limiter := m.limiter(host, cfg)
	switch cfg.Strategy {
	case StrategyThrow:
		if !limiter.Allow() {
			return nil, &RateLimitedError{Host: host}
		}
	default:
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (m *RateLimiter) limiter(host string, cfg RateLimiterConfig) *rate.Limiter {
	key := fmt.Sprintf("%s|%d|%s", host, cfg.MaxRequests, time.Duration(cfg.TimeWindow))
	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Every(time.Duration(cfg.TimeWindow)/time.Duration(cfg.MaxRequests)), cfg.MaxRequests)
	m.limiters[key] = limiter
	return limiter
}
